package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"flotilla/internal/health"
	"flotilla/internal/remote"
)

// NodeReport 单个节点的状态摘要
type NodeReport struct {
	Name           string            `json:"name"`
	Health         health.NodeHealth `json:"health"`
	HealthReason   string            `json:"health_reason,omitempty"`
	Instances      int               `json:"instances"`
	MaxInstances   int               `json:"max_instances"`
	AllocatedRAMGB float64           `json:"allocated_ram_gb"`
	RAMGB          float64           `json:"ram_gb"`
	UsableRAMGB    float64           `json:"usable_ram_gb"`
	GPU            bool              `json:"gpu"`
	UtilizationPct float64           `json:"utilization_pct"`
}

// InstanceReport 单个实例的放置结果或失败原因
type InstanceReport struct {
	ID      string               `json:"id"`
	Node    string               `json:"node,omitempty"`
	Score   float64              `json:"score,omitempty"`
	State   remote.InstanceState `json:"state"`
	Reasons []string             `json:"reasons,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Report 一次编排运行的结构化状态报告，对外暴露的唯一接口
type Report struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Nodes       []NodeReport     `json:"nodes"`
	Instances   []InstanceReport `json:"instances"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// buildReport 聚合当前状态生成报告
func (o *Orchestrator) buildReport() *Report {
	o.mu.RLock()
	defer o.mu.RUnlock()

	report := &Report{GeneratedAt: time.Now()}

	snapshot := o.ledger.Snapshot()
	for _, node := range o.topo.SortedNodes() {
		entry := snapshot[node.Name]
		nr := NodeReport{
			Name:           node.Name,
			Health:         health.Unavailable,
			Instances:      entry.Instances,
			MaxInstances:   node.MaxInstances,
			AllocatedRAMGB: entry.AllocatedRAMGB,
			RAMGB:          node.RAMGB,
			UsableRAMGB:    node.UsableRAMGB(),
			GPU:            node.GPU,
		}
		if status, ok := o.lastHealth[node.Name]; ok {
			nr.Health = status.Health
			nr.HealthReason = status.Reason
		}
		if nr.UsableRAMGB > 0 {
			nr.UtilizationPct = 100 * entry.AllocatedRAMGB / nr.UsableRAMGB
		}
		report.Nodes = append(report.Nodes, nr)

		if nr.UtilizationPct > 90 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("node %s allocated above 90%% of usable ram (%.1f%%)", node.Name, nr.UtilizationPct))
		}
		if nr.Health == health.Unavailable {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("node %s unavailable", node.Name))
		}
	}

	ids := make([]string, 0, len(o.instances))
	for id := range o.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := o.instances[id]
		ir := InstanceReport{
			ID:      id,
			Node:    rec.Node,
			Score:   rec.Score,
			State:   rec.State,
			Reasons: rec.Reasons,
			Error:   rec.Error,
		}
		report.Instances = append(report.Instances, ir)

		if len(rec.Reasons) > 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("instance %s infeasible", id))
		}
	}

	return report
}
