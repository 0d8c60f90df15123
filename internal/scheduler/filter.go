package scheduler

import (
	"fmt"

	"flotilla/internal/cluster"
	"flotilla/internal/health"
	"flotilla/internal/ledger"
	"flotilla/internal/workload"
)

// filter 遍历节点，返回满足硬约束的候选者和被淘汰节点的原因
func (e *Engine) filter(
	inst *workload.Instance,
	nodes []*cluster.Node,
	healthMap map[string]*health.Status,
	lg *ledger.Ledger,
	placed map[string][]string,
) ([]*cluster.Node, map[string]string) {
	candidates := make([]*cluster.Node, 0, len(nodes))
	eliminated := make(map[string]string)

	for _, node := range nodes {
		if reason := e.checkNode(inst, node, healthMap, lg, placed); reason != "" {
			eliminated[node.Name] = reason
			continue
		}
		candidates = append(candidates, node)
	}
	return candidates, eliminated
}

// checkNode 执行具体的硬约束检查，返回淘汰原因，空串表示通过
func (e *Engine) checkNode(
	inst *workload.Instance,
	node *cluster.Node,
	healthMap map[string]*health.Status,
	lg *ledger.Ledger,
	placed map[string][]string,
) string {
	// 1. 健康状态：只有 HEALTHY 和 DEGRADED 参与放置
	status, ok := healthMap[node.Name]
	if !ok {
		return "no health data"
	}
	switch status.Health {
	case health.Unavailable:
		return "node unavailable"
	case health.Maintenance:
		return "node in maintenance"
	}
	// 内存利用率越线的降级节点不接收新放置，已运行实例不受影响
	if status.OverUtilized {
		return "node ram over-utilized"
	}

	entry, _ := lg.Get(node.Name)

	// 2. 实例槽位
	if entry.Instances >= node.MaxInstances {
		return fmt.Sprintf("max instances reached (%d)", node.MaxInstances)
	}

	// 3. 内存：剩余可用内存必须容纳实例需求
	freeGB := node.UsableRAMGB() - entry.AllocatedRAMGB
	if freeGB < inst.RAMGB {
		return fmt.Sprintf("insufficient ram (free %.1fGB, need %.1fGB)", freeGB, inst.RAMGB)
	}

	// 4. GPU
	if inst.GPU && !node.GPU {
		return "gpu required but node has none"
	}
	if inst.GPU && inst.GPUMemoryGB > 0 {
		freeGPU := node.GPUMemoryGB - entry.AllocatedGPUMemGB
		if freeGPU < inst.GPUMemoryGB {
			return fmt.Sprintf("insufficient gpu memory (free %.1fGB, need %.1fGB)", freeGPU, inst.GPUMemoryGB)
		}
	}

	// 5. 反亲和：节点上已落位的实例不能出现在本实例的反亲和集合中
	anti := inst.AntiAffinitySet()
	for _, placedID := range placed[node.Name] {
		if anti[placedID] {
			return fmt.Sprintf("anti-affinity with %s", placedID)
		}
	}
	return ""
}
