package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
)

// NodeHealth 节点健康分类
type NodeHealth string

const (
	Healthy     NodeHealth = "HEALTHY"
	Degraded    NodeHealth = "DEGRADED"
	Unavailable NodeHealth = "UNAVAILABLE"
	Maintenance NodeHealth = "MAINTENANCE"
)

// Sample 探测到的节点资源读数
type Sample struct {
	FreeRAMGB  float64 `json:"free_ram_gb"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// Status 单次健康检查的结果
//
// OverUtilized 标记内存利用率越过阈值导致的降级：这类节点不再接收
// 新放置，但已在其上运行的实例不受影响。因磁盘等其他原因降级的
// 节点仍可参与放置。
type Status struct {
	Health       NodeHealth `json:"health"`
	Reason       string     `json:"reason,omitempty"`
	OverUtilized bool       `json:"over_utilized,omitempty"`
	Sample       *Sample    `json:"sample,omitempty"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// Prober 节点探测接口：先做可达性检查，可达时再查询资源余量
type Prober interface {
	Probe(ctx context.Context, node *cluster.Node) (*Sample, error)
}

// Monitor 健康监视器，周期性探测节点并产出健康分类
//
// 分类结果只作为调度输入，监视器不会修改放置或账本状态。
type Monitor struct {
	mu          sync.RWMutex
	config      common.HealthConfig
	logger      *zap.Logger
	prober      Prober
	maintenance map[string]bool
	last        map[string]*Status
}

// NewMonitor 创建健康监视器
func NewMonitor(config common.HealthConfig, prober Prober, topo *cluster.Topology) *Monitor {
	m := &Monitor{
		config:      config,
		logger:      common.ComponentLogger("health-monitor"),
		prober:      prober,
		maintenance: make(map[string]bool),
		last:        make(map[string]*Status),
	}
	// 拓扑中的 maintenance 标记作为初始维护集合
	for _, node := range topo.Nodes {
		if node.Maintenance {
			m.maintenance[node.Name] = true
		}
	}
	return m
}

// SetMaintenance 运维人员设置或解除节点维护状态
func (m *Monitor) SetMaintenance(nodeName string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.maintenance[nodeName] = true
	} else {
		delete(m.maintenance, nodeName)
	}
	m.logger.Info("maintenance flag changed",
		zap.String("node", nodeName), zap.Bool("maintenance", on))
}

// Check 并发探测所有节点并返回健康快照
func (m *Monitor) Check(ctx context.Context, nodes []*cluster.Node) map[string]*Status {
	results := make(map[string]*Status, len(nodes))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range nodes {
		wg.Add(1)
		go func(node *cluster.Node) {
			defer wg.Done()
			status := m.probeOne(ctx, node)
			resultsMu.Lock()
			results[node.Name] = status
			resultsMu.Unlock()
		}(node)
	}
	wg.Wait()

	m.mu.Lock()
	for name, status := range results {
		m.last[name] = status
	}
	m.mu.Unlock()
	return results
}

// probeOne 探测单个节点并分类
func (m *Monitor) probeOne(ctx context.Context, node *cluster.Node) *Status {
	now := time.Now()

	m.mu.RLock()
	inMaintenance := m.maintenance[node.Name]
	m.mu.RUnlock()
	if inMaintenance {
		return &Status{Health: Maintenance, Reason: "operator maintenance", CheckedAt: now}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	sample, err := m.prober.Probe(probeCtx, node)
	if err != nil {
		// 探测失败一律归类为 UNAVAILABLE，底层原因只记录日志供诊断
		m.logger.Warn("node probe failed",
			zap.String("node", node.Name),
			zap.String("address", node.Address),
			zap.Error(err))
		return &Status{Health: Unavailable, Reason: err.Error(), CheckedAt: now}
	}

	return m.classify(node, sample, now)
}

// classify 按资源读数对可达节点分类
func (m *Monitor) classify(node *cluster.Node, sample *Sample, now time.Time) *Status {
	status := &Status{Health: Healthy, Sample: sample, CheckedAt: now}

	usable := node.UsableRAMGB()
	usedGB := node.RAMGB - sample.FreeRAMGB
	if usable > 0 && usedGB/usable > m.config.DegradedFraction {
		status.Health = Degraded
		status.Reason = "ram utilization above threshold"
		status.OverUtilized = true
		return status
	}
	if m.config.MinDiskFreeGB > 0 && sample.DiskFreeGB < m.config.MinDiskFreeGB {
		status.Health = Degraded
		status.Reason = "disk space low"
	}
	return status
}

// Last 返回上一次检查的健康快照副本
func (m *Monitor) Last() map[string]*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]*Status, len(m.last))
	for name, status := range m.last {
		copied := *status
		snap[name] = &copied
	}
	return snap
}
