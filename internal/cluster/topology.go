package cluster

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"flotilla/internal/common"
)

// Topology 集群拓扑，节点的静态描述
type Topology struct {
	Nodes []*Node `yaml:"nodes" json:"nodes"`
}

// LoadTopology 从文件加载并校验集群拓扑
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology file %s: %w", path, err)
	}

	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate 校验拓扑完整性
func (t *Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return common.NewConfigError("nodes", "topology contains no nodes", nil)
	}

	seen := make(map[string]bool, len(t.Nodes))
	for _, node := range t.Nodes {
		if err := node.Validate(); err != nil {
			return err
		}
		if seen[node.Name] {
			return common.NewConfigError("node.name", "duplicate node name", node.Name)
		}
		seen[node.Name] = true
	}
	return nil
}

// Get 按名称查找节点
func (t *Topology) Get(name string) (*Node, bool) {
	for _, node := range t.Nodes {
		if node.Name == name {
			return node, true
		}
	}
	return nil, false
}

// SortedNodes 按名称排序返回节点，保证遍历顺序确定
func (t *Topology) SortedNodes() []*Node {
	nodes := make([]*Node, len(t.Nodes))
	copy(nodes, t.Nodes)
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}
