package ledger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
)

// Entry 单个节点的已提交分配
type Entry struct {
	Instances         int     `json:"instances"`
	AllocatedRAMGB    float64 `json:"allocated_ram_gb"`
	AllocatedGPUMemGB float64 `json:"allocated_gpu_mem_gb"`
}

// reservation 单个实例持有的预留记录，保证释放幂等
type reservation struct {
	node     string
	ramGB    float64
	gpuMemGB float64
}

// Ledger 资源账本，集群内已提交分配的唯一事实来源
//
// 只有协调器通过 Reserve/Release 修改账本；Reserve 是唯一做容量检查的
// 变更点，保证任何时刻分配量不超过节点可用容量与实例槽位上限。
type Ledger struct {
	mu           sync.Mutex
	logger       *zap.Logger
	entries      map[string]*Entry
	reservations map[string]*reservation
	nodes        map[string]*cluster.Node
}

// New 创建资源账本
func New(topo *cluster.Topology) *Ledger {
	l := &Ledger{
		logger:       common.ComponentLogger("ledger"),
		entries:      make(map[string]*Entry, len(topo.Nodes)),
		reservations: make(map[string]*reservation),
		nodes:        make(map[string]*cluster.Node, len(topo.Nodes)),
	}
	for _, node := range topo.Nodes {
		l.entries[node.Name] = &Entry{}
		l.nodes[node.Name] = node
	}
	return l
}

// Reserve 为实例预留节点资源，违反容量不变量时拒绝
func (l *Ledger) Reserve(nodeName, instanceID string, ramGB, gpuMemGB float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[nodeName]
	if !ok {
		return fmt.Errorf("reserve for instance %s: %w: %s", instanceID, common.ErrUnknownNode, nodeName)
	}
	if _, held := l.reservations[instanceID]; held {
		return &common.LedgerError{
			Node:    nodeName,
			Message: fmt.Sprintf("instance %s already holds a reservation", instanceID),
		}
	}

	entry := l.entries[nodeName]
	if entry.Instances+1 > node.MaxInstances {
		return &common.LedgerError{
			Node:    nodeName,
			Message: fmt.Sprintf("instance slots exhausted (%d/%d)", entry.Instances, node.MaxInstances),
		}
	}
	if entry.AllocatedRAMGB+ramGB > node.UsableRAMGB() {
		return &common.LedgerError{
			Node: nodeName,
			Message: fmt.Sprintf("ram over-commit (%.1f + %.1f > %.1f usable)",
				entry.AllocatedRAMGB, ramGB, node.UsableRAMGB()),
		}
	}
	if gpuMemGB > 0 && entry.AllocatedGPUMemGB+gpuMemGB > node.GPUMemoryGB {
		return &common.LedgerError{
			Node: nodeName,
			Message: fmt.Sprintf("gpu memory over-commit (%.1f + %.1f > %.1f)",
				entry.AllocatedGPUMemGB, gpuMemGB, node.GPUMemoryGB),
		}
	}

	entry.Instances++
	entry.AllocatedRAMGB += ramGB
	entry.AllocatedGPUMemGB += gpuMemGB
	l.reservations[instanceID] = &reservation{node: nodeName, ramGB: ramGB, gpuMemGB: gpuMemGB}

	l.logger.Debug("reserved resources",
		zap.String("node", nodeName),
		zap.String("instance", instanceID),
		zap.Float64("ram_gb", ramGB),
		zap.Float64("gpu_mem_gb", gpuMemGB))
	return nil
}

// Release 释放实例持有的预留，对重复释放幂等
func (l *Ledger) Release(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[instanceID]
	if !ok {
		return
	}
	delete(l.reservations, instanceID)

	entry := l.entries[res.node]
	entry.Instances--
	entry.AllocatedRAMGB -= res.ramGB
	entry.AllocatedGPUMemGB -= res.gpuMemGB

	l.logger.Debug("released resources",
		zap.String("node", res.node),
		zap.String("instance", instanceID),
		zap.Float64("ram_gb", res.ramGB))
}

// Holder 返回持有实例预留的节点名，不存在时返回空串
func (l *Ledger) Holder(instanceID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[instanceID]
	if !ok {
		return "", false
	}
	return res.node, true
}

// Snapshot 返回所有节点当前分配的副本
func (l *Ledger) Snapshot() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := make(map[string]Entry, len(l.entries))
	for name, entry := range l.entries {
		snap[name] = *entry
	}
	return snap
}

// Get 返回单个节点当前分配的副本
func (l *Ledger) Get(nodeName string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[nodeName]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// InstancesOn 返回当前在指定节点上持有预留的实例 ID 集合
func (l *Ledger) InstancesOn(nodeName string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, res := range l.reservations {
		if res.node == nodeName {
			ids = append(ids, id)
		}
	}
	return ids
}
