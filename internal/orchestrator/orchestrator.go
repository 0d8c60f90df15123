package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
	"flotilla/internal/health"
	"flotilla/internal/ledger"
	"flotilla/internal/remote"
	"flotilla/internal/scheduler"
	"flotilla/internal/workload"
)

// instanceRecord 协调器跟踪的实例状态
type instanceRecord struct {
	Node    string
	Score   float64
	State   remote.InstanceState
	Reasons []string
	Error   string
}

// RunOptions 一次编排运行的选项
type RunOptions struct {
	// LocalDir 待分发的本地代码目录，为空时跳过部署
	LocalDir string
	// Overrides 手工放置映射，绕过放置引擎
	Overrides map[string]string
	// MonitorFor 放置实现后继续轮询的时长，0 表示不轮询
	MonitorFor time.Duration
}

// Orchestrator 协调器
//
// 独占持有拓扑、资源账本和远程会话集合，组合健康监视、放置与远程
// 执行：加载拓扑 → 健康检查 → 计算放置 → 逐节点实现 → 聚合报告。
// 单个实例或节点的失败不会中止批次的其余部分。
type Orchestrator struct {
	config  *common.Config
	logger  *zap.Logger
	topo    *cluster.Topology
	batch   *workload.Batch
	monitor *health.Monitor
	engine  *scheduler.Engine
	ledger  *ledger.Ledger
	driver  remote.ExecutionDriver

	mu         sync.RWMutex
	lastHealth map[string]*health.Status
	instances  map[string]*instanceRecord
}

// New 创建协调器
func New(
	config *common.Config,
	topo *cluster.Topology,
	batch *workload.Batch,
	driver remote.ExecutionDriver,
	prober health.Prober,
) *Orchestrator {
	return &Orchestrator{
		config:     config,
		logger:     common.ComponentLogger("orchestrator"),
		topo:       topo,
		batch:      batch,
		monitor:    health.NewMonitor(config.Health, prober, topo),
		engine:     scheduler.NewEngine(config.Scheduler.Weights),
		ledger:     ledger.New(topo),
		driver:     driver,
		lastHealth: make(map[string]*health.Status),
		instances:  make(map[string]*instanceRecord),
	}
}

// Validate 无副作用地校验拓扑与实例批次的一致性
func (o *Orchestrator) Validate() error {
	if err := o.topo.Validate(); err != nil {
		return err
	}
	if o.batch == nil {
		return nil
	}
	if err := o.batch.Validate(); err != nil {
		return err
	}
	// 偏好节点是软提示，但引用不存在的节点仍属配置错误
	for _, inst := range o.batch.Instances {
		if inst.PreferredNode != "" {
			if _, ok := o.topo.Get(inst.PreferredNode); !ok {
				return common.NewConfigError("instance.preferred_node",
					fmt.Sprintf("instance %s: unknown node", inst.ID), inst.PreferredNode)
			}
		}
	}
	return nil
}

// CheckHealth 对所有节点执行一轮健康检查
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]*health.Status {
	statuses := o.monitor.Check(ctx, o.topo.Nodes)

	o.mu.Lock()
	o.lastHealth = statuses
	o.mu.Unlock()

	for name, status := range statuses {
		o.logger.Info("node health",
			zap.String("node", name),
			zap.String("health", string(status.Health)),
			zap.String("reason", status.Reason))
	}
	return statuses
}

// SetMaintenance 设置或解除节点维护状态
func (o *Orchestrator) SetMaintenance(nodeName string, on bool) error {
	if _, ok := o.topo.Get(nodeName); !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownNode, nodeName)
	}
	o.monitor.SetMaintenance(nodeName, on)
	return nil
}

// DeployAll 将本地代码目录分发到所有可参与放置的节点
func (o *Orchestrator) DeployAll(ctx context.Context, localDir string) map[string]error {
	statuses := o.CheckHealth(ctx)

	failures := make(map[string]error)
	var failuresMu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range o.topo.SortedNodes() {
		status := statuses[node.Name]
		if status == nil || (status.Health != health.Healthy && status.Health != health.Degraded) {
			continue
		}
		wg.Add(1)
		go func(node *cluster.Node) {
			defer wg.Done()
			if err := o.deployNode(ctx, node, localDir); err != nil {
				failuresMu.Lock()
				failures[node.Name] = err
				failuresMu.Unlock()
			}
		}(node)
	}
	wg.Wait()
	return failures
}

// deployNode 连接并部署单个节点
func (o *Orchestrator) deployNode(ctx context.Context, node *cluster.Node, localDir string) error {
	session, err := o.driver.Connect(ctx, node)
	if err != nil {
		return err
	}
	return session.Deploy(ctx, localDir)
}

// Run 执行一次完整的编排：健康检查、放置（含手工覆盖）、实现、轮询
//
// 配置错误在任何远程操作之前中止；放置与远程错误只影响相关实例，
// 批次总是完整跑完并返回完整报告，部分成功是预期内的结果。
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := o.validateOverrides(opts.Overrides); err != nil {
		return nil, err
	}

	o.CheckHealth(ctx)

	assignments := o.place(opts.Overrides)
	o.realize(ctx, assignments, opts.LocalDir)

	monitorFor := opts.MonitorFor
	if monitorFor == 0 {
		monitorFor = o.config.Orchestrator.MonitorDuration
	}
	if monitorFor > 0 {
		o.monitorLoop(ctx, monitorFor)
	}
	return o.buildReport(), nil
}

// validateOverrides 校验手工放置映射引用的实例和节点都存在
func (o *Orchestrator) validateOverrides(overrides map[string]string) error {
	for instID, nodeName := range overrides {
		if _, ok := o.batch.Get(instID); !ok {
			return common.NewConfigError("placement", "override references unknown instance", instID)
		}
		if _, ok := o.topo.Get(nodeName); !ok {
			return common.NewConfigError("placement",
				fmt.Sprintf("override for instance %s references unknown node", instID), nodeName)
		}
	}
	return nil
}

// place 先提交手工覆盖，再对其余实例运行放置引擎
func (o *Orchestrator) place(overrides map[string]string) []*scheduler.Placement {
	o.mu.Lock()
	defer o.mu.Unlock()

	assignments := make([]*scheduler.Placement, 0, len(o.batch.Instances))
	preplaced := make(map[string]string, len(overrides))
	rejected := make(map[string]bool)

	// 手工覆盖绕过打分，但仍必须通过账本的容量检查。被拒绝的覆盖
	// 同样绕过放置引擎：操作员点名的实例不会被转到别的节点
	for _, inst := range o.batch.Instances {
		nodeName, ok := overrides[inst.ID]
		if !ok {
			continue
		}
		if err := o.ledger.Reserve(nodeName, inst.ID, inst.RAMGB, inst.GPUMemoryGB); err != nil {
			rejected[inst.ID] = true
			o.instances[inst.ID] = &instanceRecord{
				State:   remote.StatePending,
				Reasons: []string{fmt.Sprintf("%s: %v", nodeName, err)},
			}
			o.logger.Warn("manual placement rejected",
				zap.String("instance", inst.ID),
				zap.String("node", nodeName),
				zap.Error(err))
			continue
		}
		preplaced[inst.ID] = nodeName
		placement := &scheduler.Placement{InstanceID: inst.ID, NodeName: nodeName}
		assignments = append(assignments, placement)
		o.instances[inst.ID] = &instanceRecord{Node: nodeName, State: remote.StatePending}
	}

	toPlace := make([]*workload.Instance, 0, len(o.batch.Instances))
	for _, inst := range o.batch.Instances {
		if rejected[inst.ID] {
			continue
		}
		toPlace = append(toPlace, inst)
	}

	placed, infeasible := o.engine.Place(toPlace, o.topo, o.lastHealth, o.ledger, preplaced)
	for _, p := range placed {
		assignments = append(assignments, p)
		o.instances[p.InstanceID] = &instanceRecord{
			Node:  p.NodeName,
			Score: p.Score,
			State: remote.StatePending,
		}
	}
	for _, inf := range infeasible {
		o.instances[inf.InstanceID] = &instanceRecord{
			State:   remote.StatePending,
			Reasons: inf.Reasons,
		}
	}
	return assignments
}

// realize 将放置方案落到各节点：连接 → 部署 → 启动
//
// 跨节点并发执行，节点是独立的故障域；同一节点内操作严格串行。
func (o *Orchestrator) realize(ctx context.Context, assignments []*scheduler.Placement, localDir string) {
	byNode := make(map[string][]*scheduler.Placement)
	for _, p := range assignments {
		byNode[p.NodeName] = append(byNode[p.NodeName], p)
	}

	var wg sync.WaitGroup
	for nodeName, placements := range byNode {
		node, ok := o.topo.Get(nodeName)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(node *cluster.Node, placements []*scheduler.Placement) {
			defer wg.Done()
			o.realizeNode(ctx, node, placements, localDir)
		}(node, placements)
	}
	wg.Wait()
}

// realizeNode 在单个节点上实现其全部放置
func (o *Orchestrator) realizeNode(ctx context.Context, node *cluster.Node, placements []*scheduler.Placement, localDir string) {
	session, err := o.driver.Connect(ctx, node)
	if err != nil {
		o.logger.Error("node connection failed, releasing its placements",
			zap.String("node", node.Name), zap.Error(err))
		for _, p := range placements {
			o.failInstance(p.InstanceID, err)
		}
		return
	}

	if localDir != "" {
		if err := session.Deploy(ctx, localDir); err != nil {
			o.logger.Error("deploy failed, releasing node placements",
				zap.String("node", node.Name), zap.Error(err))
			for _, p := range placements {
				o.failInstance(p.InstanceID, err)
			}
			return
		}
	}

	for _, p := range placements {
		inst, ok := o.batch.Get(p.InstanceID)
		if !ok {
			continue
		}
		o.setState(p.InstanceID, remote.StateDeploying)

		status, err := session.Start(ctx, inst.ID, inst.Config)
		if err != nil {
			// 启动失败的实例立即归还资源，不影响同节点的其余实例
			o.failInstance(p.InstanceID, err)
			continue
		}
		o.setState(p.InstanceID, status.State)
	}
}

// monitorLoop 按固定间隔轮询运行中的实例，直到时长用尽或 ctx 取消
//
// 轮询期间按 health.check_interval 重跑节点健康检查。轮询结束只是
// 停止观测，远端实例不会因此被停止。
func (o *Orchestrator) monitorLoop(ctx context.Context, duration time.Duration) {
	ticker := time.NewTicker(o.config.Orchestrator.MonitorInterval)
	defer ticker.Stop()
	healthTicker := time.NewTicker(o.config.Health.CheckInterval)
	defer healthTicker.Stop()
	deadline := time.After(duration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-healthTicker.C:
			o.CheckHealth(ctx)
		case <-ticker.C:
			o.pollInstances(ctx)
		}
	}
}

// pollInstances 对所有运行中的实例做一轮状态查询
func (o *Orchestrator) pollInstances(ctx context.Context) {
	o.mu.RLock()
	running := make(map[string]string)
	for id, rec := range o.instances {
		if rec.State == remote.StateRunning {
			running[id] = rec.Node
		}
	}
	o.mu.RUnlock()

	for id, nodeName := range running {
		session, ok := o.driver.Session(nodeName)
		if !ok {
			o.setState(id, remote.StateUnreachable)
			continue
		}
		status := session.Monitor(ctx, id)
		if status == nil {
			continue
		}
		o.setState(id, status.State)

		// 观测到终止的实例归还账本资源；UNREACHABLE 不归还：
		// 远端状态未知，实例可能仍在占用资源
		if status.State == remote.StateStopped || status.State == remote.StateCrashed {
			o.ledger.Release(id)
			o.logger.Info("instance terminated",
				zap.String("instance", id),
				zap.String("node", nodeName),
				zap.String("state", string(status.State)))
		}
	}
}

// StopAll 停止所有已启动的实例并归还其账本资源
//
// 无论远端进程是否早已退出，账本释放总是执行。
func (o *Orchestrator) StopAll(ctx context.Context) map[string]error {
	o.mu.RLock()
	targets := make(map[string]string)
	for id, rec := range o.instances {
		if rec.Node != "" && (rec.State == remote.StateRunning || rec.State == remote.StateDeploying) {
			targets[id] = rec.Node
		}
	}
	o.mu.RUnlock()

	failures := make(map[string]error)
	for id, nodeName := range targets {
		if session, ok := o.driver.Session(nodeName); ok {
			if err := session.Stop(ctx, id); err != nil {
				failures[id] = err
			}
		}
		o.ledger.Release(id)
		o.setState(id, remote.StateStopped)
	}
	return failures
}

// Report 返回当前状态的结构化报告
func (o *Orchestrator) Report() *Report {
	return o.buildReport()
}

// Close 关闭所有远程会话
func (o *Orchestrator) Close() {
	o.driver.Close()
}

// failInstance 记录实例失败并归还其账本资源
func (o *Orchestrator) failInstance(instanceID string, cause error) {
	o.ledger.Release(instanceID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.instances[instanceID]; ok {
		rec.Error = cause.Error()
		rec.State = remote.StatePending
	}
}

// setState 更新实例状态
func (o *Orchestrator) setState(instanceID string, state remote.InstanceState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.instances[instanceID]; ok {
		rec.State = state
	}
}
