package workload

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"flotilla/internal/common"
)

// Batch 一次编排运行提交的实例批次，提交顺序即调度优先级
type Batch struct {
	Instances []*Instance `yaml:"instances" json:"instances"`
}

// LoadBatch 从文件加载并校验实例批次
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances file %s: %w", path, err)
	}

	var batch Batch
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse instances file %s: %w", path, err)
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	batch.NormalizeAffinity()

	// 对称补齐可能暴露跨实例的亲和/反亲和冲突，补齐后需要再校验一次
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Validate 校验批次完整性
func (b *Batch) Validate() error {
	if len(b.Instances) == 0 {
		return common.NewConfigError("instances", "batch contains no instances", nil)
	}

	ids := make(map[string]bool, len(b.Instances))
	for _, inst := range b.Instances {
		if err := inst.Validate(); err != nil {
			return err
		}
		if ids[inst.ID] {
			return common.NewConfigError("instance.id", "duplicate instance id", inst.ID)
		}
		ids[inst.ID] = true
	}

	// 亲和关系只能引用批次内存在的实例
	for _, inst := range b.Instances {
		for _, id := range inst.Affinity {
			if !ids[id] {
				return common.NewConfigError("instance.affinity",
					fmt.Sprintf("instance %s: references unknown instance", inst.ID), id)
			}
		}
		for _, id := range inst.AntiAffinity {
			if !ids[id] {
				return common.NewConfigError("instance.anti_affinity",
					fmt.Sprintf("instance %s: references unknown instance", inst.ID), id)
			}
		}
	}
	return nil
}

// NormalizeAffinity 将亲和与反亲和关系补齐为对称关系：A 声明 B 时 B 也视为声明 A
func (b *Batch) NormalizeAffinity() {
	byID := make(map[string]*Instance, len(b.Instances))
	for _, inst := range b.Instances {
		byID[inst.ID] = inst
	}

	for _, inst := range b.Instances {
		for _, id := range inst.Affinity {
			peer := byID[id]
			if !peer.AffinitySet()[inst.ID] {
				peer.Affinity = append(peer.Affinity, inst.ID)
			}
		}
		for _, id := range inst.AntiAffinity {
			peer := byID[id]
			if !peer.AntiAffinitySet()[inst.ID] {
				peer.AntiAffinity = append(peer.AntiAffinity, inst.ID)
			}
		}
	}
}

// Get 按 ID 查找实例
func (b *Batch) Get(id string) (*Instance, bool) {
	for _, inst := range b.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

// ParseOverrides 解析手工放置映射，语法为 instance_id:node_name[,instance_id:node_name...]
func ParseOverrides(spec string) (map[string]string, error) {
	overrides := make(map[string]string)
	if spec == "" {
		return overrides, nil
	}

	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, common.NewConfigError("placement",
				"expected instance_id:node_name", pair)
		}
		if prev, ok := overrides[parts[0]]; ok && prev != parts[1] {
			return nil, common.NewConfigError("placement",
				fmt.Sprintf("instance %s mapped to both %s and %s", parts[0], prev, parts[1]), pair)
		}
		overrides[parts[0]] = parts[1]
	}
	return overrides, nil
}
