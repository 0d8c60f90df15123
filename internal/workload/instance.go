package workload

import (
	"fmt"

	"flotilla/internal/common"
)

// Instance 一个待放置的工作负载实例
type Instance struct {
	ID            string   `yaml:"id" json:"id"`
	RAMGB         float64  `yaml:"ram_gb" json:"ram_gb"`
	GPU           bool     `yaml:"gpu" json:"gpu"`
	GPUMemoryGB   float64  `yaml:"gpu_memory_gb" json:"gpu_memory_gb,omitempty"`
	Affinity      []string `yaml:"affinity" json:"affinity,omitempty"`
	AntiAffinity  []string `yaml:"anti_affinity" json:"anti_affinity,omitempty"`
	PreferredNode string   `yaml:"preferred_node" json:"preferred_node,omitempty"`

	// Config 不透明配置载荷，原样透传到远程端，核心不解析其内容
	Config string `yaml:"config" json:"config,omitempty"`
}

// Validate 校验单个实例定义
func (i *Instance) Validate() error {
	if i.ID == "" {
		return common.NewConfigError("instance.id", "cannot be empty", i.ID)
	}
	if i.RAMGB <= 0 {
		return common.NewConfigError("instance.ram_gb",
			fmt.Sprintf("instance %s: must be greater than 0", i.ID), i.RAMGB)
	}
	if !i.GPU && i.GPUMemoryGB > 0 {
		return common.NewConfigError("instance.gpu_memory_gb",
			fmt.Sprintf("instance %s: set but gpu not requested", i.ID), i.GPUMemoryGB)
	}

	anti := make(map[string]bool, len(i.AntiAffinity))
	for _, id := range i.AntiAffinity {
		if id == i.ID {
			return common.NewConfigError("instance.anti_affinity",
				fmt.Sprintf("instance %s: references itself", i.ID), id)
		}
		anti[id] = true
	}
	for _, id := range i.Affinity {
		if id == i.ID {
			return common.NewConfigError("instance.affinity",
				fmt.Sprintf("instance %s: references itself", i.ID), id)
		}
		if anti[id] {
			return common.NewConfigError("instance.affinity",
				fmt.Sprintf("instance %s: %s appears in both affinity and anti_affinity", i.ID, id), id)
		}
	}
	return nil
}

// AffinitySet 返回亲和集合
func (i *Instance) AffinitySet() map[string]bool {
	set := make(map[string]bool, len(i.Affinity))
	for _, id := range i.Affinity {
		set[id] = true
	}
	return set
}

// AntiAffinitySet 返回反亲和集合
func (i *Instance) AntiAffinitySet() map[string]bool {
	set := make(map[string]bool, len(i.AntiAffinity))
	for _, id := range i.AntiAffinity {
		set[id] = true
	}
	return set
}
