package scheduler

import (
	"flotilla/internal/cluster"
	"flotilla/internal/ledger"
	"flotilla/internal/workload"
)

// score 计算单个候选节点的总分，各分项独立且有界，总分跨节点可比
func (e *Engine) score(
	inst *workload.Instance,
	node *cluster.Node,
	entry ledger.Entry,
	placedHere []string,
) float64 {
	total := e.efficiencyScore(inst, node, entry)
	total += e.loadBalanceScore(node, entry)
	total += e.gpuScore(inst, node)
	total += e.affinityScore(inst, placedHere)
	total += e.preferredNodeScore(inst, node)
	return total
}

// efficiencyScore 资源效率分项
//
// 预测利用率落在目标区间内取满分，区间外向 0%/100% 线性衰减。
// 目标是既避免节点空转，也避免把节点压到边缘。
func (e *Engine) efficiencyScore(inst *workload.Instance, node *cluster.Node, entry ledger.Entry) float64 {
	usable := node.UsableRAMGB()
	if usable <= 0 {
		return 0
	}
	projected := (entry.AllocatedRAMGB + inst.RAMGB) / usable

	w := e.weights
	switch {
	case projected >= w.TargetLow && projected <= w.TargetHigh:
		return w.Efficiency
	case projected < w.TargetLow:
		return w.Efficiency * (projected / w.TargetLow)
	case projected >= 1:
		return 0
	default:
		return w.Efficiency * ((1 - projected) / (1 - w.TargetHigh))
	}
}

// loadBalanceScore 负载均衡分项，实例数相对槽位越少得分越高
func (e *Engine) loadBalanceScore(node *cluster.Node, entry ledger.Entry) float64 {
	if node.MaxInstances <= 0 {
		return 0
	}
	return e.weights.LoadBalance * (1 - float64(entry.Instances)/float64(node.MaxInstances))
}

// gpuScore GPU 偏好分项，请求 GPU 且节点满足时加分
func (e *Engine) gpuScore(inst *workload.Instance, node *cluster.Node) float64 {
	if inst.GPU && node.GPU {
		return e.weights.GPU
	}
	return 0
}

// affinityScore 亲和分项，按节点上已落位的亲和实例数量加分
//
// 反亲和违例在过滤阶段已被排除，这里只奖励正向亲和。
func (e *Engine) affinityScore(inst *workload.Instance, placedHere []string) float64 {
	affinity := inst.AffinitySet()
	count := 0
	for _, id := range placedHere {
		if affinity[id] {
			count++
		}
	}
	return e.weights.Affinity * float64(count)
}

// preferredNodeScore 偏好节点分项，软提示，只加固定分
func (e *Engine) preferredNodeScore(inst *workload.Instance, node *cluster.Node) float64 {
	if inst.PreferredNode != "" && inst.PreferredNode == node.Name {
		return e.weights.PreferredNode
	}
	return 0
}
