package cluster

import (
	"fmt"

	"flotilla/internal/common"
)

// Node 集群中的一个计算节点
type Node struct {
	Name          string  `yaml:"name" json:"name"`
	Address       string  `yaml:"address" json:"address"`
	Type          string  `yaml:"type" json:"type"`
	RAMGB         float64 `yaml:"ram_gb" json:"ram_gb"`
	GPU           bool    `yaml:"gpu" json:"gpu"`
	GPUMemoryGB   float64 `yaml:"gpu_memory_gb" json:"gpu_memory_gb,omitempty"`
	CPUCores      int     `yaml:"cpu_cores" json:"cpu_cores"`
	MaxInstances  int     `yaml:"max_instances" json:"max_instances"`
	ReservedRAMGB float64 `yaml:"reserved_ram_gb" json:"reserved_ram_gb"`
	Maintenance   bool    `yaml:"maintenance" json:"maintenance"`

	// 连接凭据
	User     string `yaml:"user" json:"user"`
	KeyFile  string `yaml:"key_file" json:"key_file,omitempty"`
	Password string `yaml:"password" json:"-"`
	WorkDir  string `yaml:"work_dir" json:"work_dir"`
}

// UsableRAMGB 可分配内存 = 总内存 - 预留内存
func (n *Node) UsableRAMGB() float64 {
	return n.RAMGB - n.ReservedRAMGB
}

// Validate 校验节点定义
func (n *Node) Validate() error {
	if n.Name == "" {
		return common.NewConfigError("node.name", "cannot be empty", n.Name)
	}
	if n.Address == "" {
		return common.NewConfigError("node.address", fmt.Sprintf("node %s: cannot be empty", n.Name), n.Address)
	}
	if n.RAMGB <= 0 {
		return common.NewConfigError("node.ram_gb", fmt.Sprintf("node %s: must be greater than 0", n.Name), n.RAMGB)
	}
	if n.ReservedRAMGB < 0 || n.ReservedRAMGB >= n.RAMGB {
		return common.NewConfigError("node.reserved_ram_gb",
			fmt.Sprintf("node %s: must be in [0, ram_gb)", n.Name), n.ReservedRAMGB)
	}
	if n.CPUCores <= 0 {
		return common.NewConfigError("node.cpu_cores", fmt.Sprintf("node %s: must be greater than 0", n.Name), n.CPUCores)
	}
	if n.MaxInstances <= 0 {
		return common.NewConfigError("node.max_instances", fmt.Sprintf("node %s: must be greater than 0", n.Name), n.MaxInstances)
	}
	if !n.GPU && n.GPUMemoryGB > 0 {
		return common.NewConfigError("node.gpu_memory_gb",
			fmt.Sprintf("node %s: set but node has no gpu", n.Name), n.GPUMemoryGB)
	}
	if n.GPU && n.GPUMemoryGB <= 0 {
		return common.NewConfigError("node.gpu_memory_gb",
			fmt.Sprintf("node %s: must be greater than 0 for gpu node", n.Name), n.GPUMemoryGB)
	}
	if n.User == "" {
		return common.NewConfigError("node.user", fmt.Sprintf("node %s: cannot be empty", n.Name), n.User)
	}
	if n.KeyFile == "" && n.Password == "" {
		return common.NewConfigError("node.key_file", fmt.Sprintf("node %s: key_file or password required", n.Name), nil)
	}
	if n.WorkDir == "" {
		return common.NewConfigError("node.work_dir", fmt.Sprintf("node %s: cannot be empty", n.Name), n.WorkDir)
	}
	return nil
}
