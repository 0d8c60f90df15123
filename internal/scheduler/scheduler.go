package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
	"flotilla/internal/health"
	"flotilla/internal/ledger"
	"flotilla/internal/workload"
)

// Placement 已提交的实例到节点映射
type Placement struct {
	InstanceID string  `json:"instance_id"`
	NodeName   string  `json:"node_name"`
	Score      float64 `json:"score"`
}

// Infeasible 不可放置的实例及淘汰原因
type Infeasible struct {
	InstanceID string   `json:"instance_id"`
	Reasons    []string `json:"reasons"`
}

// Engine 放置引擎
//
// 按提交顺序逐个放置实例：先按硬约束过滤候选节点，再对幸存候选打分，
// 取最高分节点并立即提交账本，保证后续实例看到最新的已分配状态。
// 不可放置是正常的可报告结果，不是错误。
type Engine struct {
	weights common.ScoreWeights
	logger  *zap.Logger
}

// NewEngine 创建放置引擎
func NewEngine(weights common.ScoreWeights) *Engine {
	return &Engine{
		weights: weights,
		logger:  common.ComponentLogger("scheduler"),
	}
}

// Place 为一批实例计算放置方案
//
// preplaced 是本轮已提交的实例到节点映射（手工覆盖），亲和约束会把它
// 们计算在内。两次对相同输入的调用产出相同结果：候选节点按名称排序
// 遍历，打分持平时保留字典序靠前的节点。
func (e *Engine) Place(
	instances []*workload.Instance,
	topo *cluster.Topology,
	healthMap map[string]*health.Status,
	lg *ledger.Ledger,
	preplaced map[string]string,
) ([]*Placement, []*Infeasible) {
	assignments := make([]*Placement, 0, len(instances))
	infeasible := make([]*Infeasible, 0)

	// placed 记录本轮内每个节点上已落位的实例
	placed := make(map[string][]string)
	for id, node := range preplaced {
		placed[node] = append(placed[node], id)
	}

	nodes := topo.SortedNodes()

	for _, inst := range instances {
		if _, done := preplaced[inst.ID]; done {
			continue
		}

		candidates, eliminated := e.filter(inst, nodes, healthMap, lg, placed)
		if len(candidates) == 0 {
			reasons := make([]string, 0, len(eliminated))
			for _, name := range sortedKeys(eliminated) {
				reasons = append(reasons, fmt.Sprintf("%s: %s", name, eliminated[name]))
			}
			infeasible = append(infeasible, &Infeasible{InstanceID: inst.ID, Reasons: reasons})
			e.logger.Info("instance infeasible",
				zap.String("instance", inst.ID),
				zap.Strings("reasons", reasons))
			continue
		}

		best, bestScore := e.selectBest(inst, candidates, lg, placed)

		if err := lg.Reserve(best.Name, inst.ID, inst.RAMGB, inst.GPUMemoryGB); err != nil {
			// 过滤已经检查过容量，到这里失败说明过滤与账本不一致
			e.logger.Error("ledger rejected filtered candidate",
				zap.String("instance", inst.ID),
				zap.String("node", best.Name),
				zap.Error(err))
			infeasible = append(infeasible, &Infeasible{
				InstanceID: inst.ID,
				Reasons:    []string{fmt.Sprintf("%s: %v", best.Name, err)},
			})
			continue
		}

		placed[best.Name] = append(placed[best.Name], inst.ID)
		assignments = append(assignments, &Placement{
			InstanceID: inst.ID,
			NodeName:   best.Name,
			Score:      bestScore,
		})
		e.logger.Info("instance placed",
			zap.String("instance", inst.ID),
			zap.String("node", best.Name),
			zap.Float64("score", bestScore))
	}

	return assignments, infeasible
}

// selectBest 对候选节点打分并返回最高分节点
//
// 候选列表按节点名排序，只有严格更高的分数才会替换当前最优，
// 因此平分时字典序靠前的节点胜出。
func (e *Engine) selectBest(
	inst *workload.Instance,
	candidates []*cluster.Node,
	lg *ledger.Ledger,
	placed map[string][]string,
) (*cluster.Node, float64) {
	var best *cluster.Node
	bestScore := -1.0

	for _, node := range candidates {
		entry, _ := lg.Get(node.Name)
		score := e.score(inst, node, entry, placed[node.Name])
		if score > bestScore {
			bestScore = score
			best = node
		}
	}
	return best, bestScore
}

// sortedKeys 返回按字典序排序的键
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
