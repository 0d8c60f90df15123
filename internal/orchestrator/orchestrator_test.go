package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
	"flotilla/internal/health"
	"flotilla/internal/remote"
	"flotilla/internal/workload"
)

// fakeDriver 模拟远程执行驱动
type fakeDriver struct {
	mu          sync.Mutex
	sessions    map[string]*fakeSession
	failConnect map[string]error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sessions:    make(map[string]*fakeSession),
		failConnect: make(map[string]error),
	}
}

func (d *fakeDriver) Connect(ctx context.Context, node *cluster.Node) (remote.NodeSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failConnect[node.Name]; ok {
		return nil, err
	}
	if session, ok := d.sessions[node.Name]; ok {
		return session, nil
	}
	session := &fakeSession{
		node:      node,
		failStart: make(map[string]error),
		started:   make(map[string]bool),
		states:    make(map[string]remote.InstanceState),
	}
	d.sessions[node.Name] = session
	return session, nil
}

func (d *fakeDriver) Session(nodeName string) (remote.NodeSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[nodeName]
	if !ok {
		return nil, false
	}
	return session, true
}

func (d *fakeDriver) Close() {}

// fakeSession 模拟节点会话
type fakeSession struct {
	mu         sync.Mutex
	node       *cluster.Node
	deployed   int
	monitored  int
	failDeploy error
	failStart  map[string]error
	started    map[string]bool
	stopped    []string
	states     map[string]remote.InstanceState
	// monitorAs 覆盖 Monitor 观测到的状态，模拟远端进程变化
	monitorAs map[string]remote.InstanceState
}

func (s *fakeSession) Deploy(ctx context.Context, localDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeploy != nil {
		return s.failDeploy
	}
	s.deployed++
	return nil
}

func (s *fakeSession) Start(ctx context.Context, instanceID, configRef string) (*remote.ProcessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failStart[instanceID]; ok {
		return nil, err
	}
	s.started[instanceID] = true
	s.states[instanceID] = remote.StateRunning
	return &remote.ProcessStatus{
		InstanceID: instanceID,
		Node:       s.node.Name,
		State:      remote.StateRunning,
		PID:        4242,
		CheckedAt:  time.Now(),
	}, nil
}

func (s *fakeSession) Monitor(ctx context.Context, instanceID string) *remote.ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitored++
	state, ok := s.states[instanceID]
	if !ok {
		return nil
	}
	if override, ok := s.monitorAs[instanceID]; ok {
		state = override
	}
	return &remote.ProcessStatus{
		InstanceID: instanceID,
		Node:       s.node.Name,
		State:      state,
		CheckedAt:  time.Now(),
	}
}

func (s *fakeSession) Stop(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, instanceID)
	s.states[instanceID] = remote.StateStopped
	return nil
}

func (s *fakeSession) Fetch(ctx context.Context, remotePath, localPath string) error { return nil }

func (s *fakeSession) LogPath(instanceID string) (string, bool) { return "", false }

func (s *fakeSession) Node() *cluster.Node { return s.node }

func (s *fakeSession) Close() error { return nil }

// healthyProber 所有节点都健康的探测器
type healthyProber struct{}

func (healthyProber) Probe(ctx context.Context, node *cluster.Node) (*health.Sample, error) {
	return &health.Sample{FreeRAMGB: node.RAMGB, DiskFreeGB: 100}, nil
}

// countingProber 统计探测次数的健康探测器
type countingProber struct {
	probes atomic.Int32
}

func (p *countingProber) Probe(ctx context.Context, node *cluster.Node) (*health.Sample, error) {
	p.probes.Add(1)
	return &health.Sample{FreeRAMGB: node.RAMGB, DiskFreeGB: 100}, nil
}

func testTopology() *cluster.Topology {
	return &cluster.Topology{Nodes: []*cluster.Node{
		{Name: "big", Address: "10.0.0.1:22", RAMGB: 64, GPU: true, GPUMemoryGB: 24,
			CPUCores: 16, MaxInstances: 4, User: "t", Password: "t", WorkDir: "/work"},
		{Name: "small", Address: "10.0.0.2:22", RAMGB: 8,
			CPUCores: 4, MaxInstances: 1, User: "t", Password: "t", WorkDir: "/work"},
	}}
}

func testBatch() *workload.Batch {
	batch := &workload.Batch{Instances: []*workload.Instance{
		{ID: "gpu-worker", RAMGB: 12, GPU: true, Config: `{"seed":1}`},
		{ID: "collector", RAMGB: 4},
	}}
	batch.NormalizeAffinity()
	return batch
}

func newTestOrchestrator(driver remote.ExecutionDriver) *Orchestrator {
	return New(common.GetDefaultConfig(), testTopology(), testBatch(), driver, healthyProber{})
}

func TestRunPlacesAndStartsInstances(t *testing.T) {
	driver := newFakeDriver()
	orch := newTestOrchestrator(driver)

	report, err := orch.Run(context.Background(), RunOptions{LocalDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, report.Instances, 2)

	for _, ir := range report.Instances {
		assert.Equal(t, remote.StateRunning, ir.State, "instance %s", ir.ID)
		assert.Empty(t, ir.Reasons)
	}

	// GPU 实例必须落在 GPU 节点
	for _, ir := range report.Instances {
		if ir.ID == "gpu-worker" {
			assert.Equal(t, "big", ir.Node)
		}
	}

	session, ok := driver.Session("big")
	require.True(t, ok)
	assert.True(t, session.(*fakeSession).started["gpu-worker"])
}

func TestRunIsolatesConnectionFailureToOneNode(t *testing.T) {
	driver := newFakeDriver()
	driver.failConnect["small"] = &common.ConnectionError{
		Node: "small", Attempts: 3, Cause: errors.New("dial timeout"),
	}
	orch := newTestOrchestrator(driver)

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var gpuWorker, collector InstanceReport
	for _, ir := range report.Instances {
		switch ir.ID {
		case "gpu-worker":
			gpuWorker = ir
		case "collector":
			collector = ir
		}
	}

	// 连接失败的节点上的实例失败，其余实例照常启动
	assert.Equal(t, remote.StateRunning, gpuWorker.State)
	assert.NotEmpty(t, collector.Error)

	// 失败实例的账本资源已归还
	for _, nr := range report.Nodes {
		if nr.Name == "small" {
			assert.Equal(t, 0, nr.Instances)
			assert.Equal(t, 0.0, nr.AllocatedRAMGB)
		}
	}
}

func TestRunReleasesLedgerOnStartFailure(t *testing.T) {
	driver := newFakeDriver()
	orch := newTestOrchestrator(driver)

	// 预先建立会话并注入启动失败
	session, err := driver.Connect(context.Background(), testTopology().Nodes[0])
	require.NoError(t, err)
	session.(*fakeSession).failStart["gpu-worker"] = &common.StartError{
		Node: "big", Instance: "gpu-worker", Cause: errors.New("entrypoint missing"),
	}

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	for _, nr := range report.Nodes {
		if nr.Name == "big" {
			assert.Equal(t, 0, nr.Instances)
			assert.Equal(t, 0.0, nr.AllocatedRAMGB)
		}
	}
	for _, ir := range report.Instances {
		if ir.ID == "gpu-worker" {
			assert.NotEmpty(t, ir.Error)
		}
	}
}

func TestRunHonorsManualOverrides(t *testing.T) {
	driver := newFakeDriver()
	orch := newTestOrchestrator(driver)

	report, err := orch.Run(context.Background(), RunOptions{
		Overrides: map[string]string{"collector": "big"},
	})
	require.NoError(t, err)

	for _, ir := range report.Instances {
		if ir.ID == "collector" {
			assert.Equal(t, "big", ir.Node)
		}
	}
}

func TestRunRejectedOverrideIsNotAutoPlaced(t *testing.T) {
	driver := newFakeDriver()
	orch := newTestOrchestrator(driver)

	// small 节点可用内存 8GB 放不下 12GB 的实例，覆盖被账本拒绝；
	// 操作员点名的实例不会被转到别的节点
	report, err := orch.Run(context.Background(), RunOptions{
		Overrides: map[string]string{"gpu-worker": "small"},
	})
	require.NoError(t, err)

	var gpuWorker, collector InstanceReport
	for _, ir := range report.Instances {
		switch ir.ID {
		case "gpu-worker":
			gpuWorker = ir
		case "collector":
			collector = ir
		}
	}

	assert.Empty(t, gpuWorker.Node)
	assert.NotEmpty(t, gpuWorker.Reasons)
	assert.Equal(t, remote.StatePending, gpuWorker.State)

	// 未覆盖的实例照常自动放置
	assert.Equal(t, "small", collector.Node)
	assert.Equal(t, remote.StateRunning, collector.State)

	for name, session := range driver.sessions {
		assert.False(t, session.started["gpu-worker"], "node %s", name)
	}

	// small 只承载 collector，被拒绝的 12GB 预留未留在账本里
	for _, nr := range report.Nodes {
		if nr.Name == "small" {
			assert.Equal(t, 1, nr.Instances)
			assert.Equal(t, 4.0, nr.AllocatedRAMGB)
		}
	}
}

func TestRunRejectsOverrideForUnknownNode(t *testing.T) {
	orch := newTestOrchestrator(newFakeDriver())

	_, err := orch.Run(context.Background(), RunOptions{
		Overrides: map[string]string{"collector": "no-such-node"},
	})
	require.Error(t, err)
	var configErr *common.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestRunRecordsInfeasibleInstances(t *testing.T) {
	driver := newFakeDriver()
	batch := &workload.Batch{Instances: []*workload.Instance{
		{ID: "huge", RAMGB: 1000},
		{ID: "ok", RAMGB: 4},
	}}
	orch := New(common.GetDefaultConfig(), testTopology(), batch, driver, healthyProber{})

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var huge InstanceReport
	for _, ir := range report.Instances {
		if ir.ID == "huge" {
			huge = ir
		}
	}
	assert.NotEmpty(t, huge.Reasons)
	assert.Contains(t, report.Warnings, "instance huge infeasible")
}

func TestStopAllReleasesResources(t *testing.T) {
	driver := newFakeDriver()
	orch := newTestOrchestrator(driver)

	_, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	failures := orch.StopAll(context.Background())
	assert.Empty(t, failures)

	report := orch.Report()
	for _, nr := range report.Nodes {
		assert.Equal(t, 0, nr.Instances, "node %s", nr.Name)
		assert.Equal(t, 0.0, nr.AllocatedRAMGB, "node %s", nr.Name)
	}
	for _, ir := range report.Instances {
		assert.Equal(t, remote.StateStopped, ir.State)
	}
}

func TestMonitorPollReleasesLedgerOnCrash(t *testing.T) {
	driver := newFakeDriver()
	session, err := driver.Connect(context.Background(), testTopology().Nodes[0])
	require.NoError(t, err)
	// 启动成功，随后的轮询观测到进程已崩溃
	session.(*fakeSession).monitorAs = map[string]remote.InstanceState{
		"gpu-worker": remote.StateCrashed,
	}

	config := common.GetDefaultConfig()
	config.Orchestrator.MonitorInterval = 5 * time.Millisecond
	orch := New(config, testTopology(), testBatch(), driver, healthyProber{})

	report, err := orch.Run(context.Background(), RunOptions{MonitorFor: 50 * time.Millisecond})
	require.NoError(t, err)

	var gpuWorker InstanceReport
	for _, ir := range report.Instances {
		if ir.ID == "gpu-worker" {
			gpuWorker = ir
		}
	}
	assert.Equal(t, remote.StateCrashed, gpuWorker.State)

	// 崩溃的实例归还账本资源，节点容量可以再次分配
	for _, nr := range report.Nodes {
		if nr.Name == "big" {
			assert.Equal(t, 0, nr.Instances)
			assert.Equal(t, 0.0, nr.AllocatedRAMGB)
		}
	}
}

func TestMonitorPollKeepsLedgerOnUnreachable(t *testing.T) {
	driver := newFakeDriver()
	session, err := driver.Connect(context.Background(), testTopology().Nodes[0])
	require.NoError(t, err)
	session.(*fakeSession).monitorAs = map[string]remote.InstanceState{
		"gpu-worker": remote.StateUnreachable,
	}

	config := common.GetDefaultConfig()
	config.Orchestrator.MonitorInterval = 5 * time.Millisecond
	orch := New(config, testTopology(), testBatch(), driver, healthyProber{})

	report, err := orch.Run(context.Background(), RunOptions{MonitorFor: 50 * time.Millisecond})
	require.NoError(t, err)

	var gpuWorker InstanceReport
	for _, ir := range report.Instances {
		if ir.ID == "gpu-worker" {
			gpuWorker = ir
		}
	}
	assert.Equal(t, remote.StateUnreachable, gpuWorker.State)

	// 远端状态未知，实例可能仍在占用资源，账本预留必须保留
	for _, nr := range report.Nodes {
		if nr.Name == "big" {
			assert.Equal(t, 1, nr.Instances)
			assert.Equal(t, 12.0, nr.AllocatedRAMGB)
		}
	}
}

func TestRunUsesConfiguredMonitorDuration(t *testing.T) {
	driver := newFakeDriver()
	prober := &countingProber{}

	// 未显式指定监视时长时采用配置值；监视期间按配置间隔重查健康
	config := common.GetDefaultConfig()
	config.Orchestrator.MonitorInterval = 5 * time.Millisecond
	config.Orchestrator.MonitorDuration = 60 * time.Millisecond
	config.Health.CheckInterval = 10 * time.Millisecond
	orch := New(config, testTopology(), testBatch(), driver, prober)

	_, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	session, ok := driver.Session("big")
	require.True(t, ok)
	assert.Greater(t, session.(*fakeSession).monitored, 0)

	// 初始健康检查探测 2 个节点，之后每个间隔再各探测一轮
	assert.Greater(t, prober.probes.Load(), int32(2))
}

func TestMonitorLoopStopsAtDeadline(t *testing.T) {
	// 轮询间隔远大于监视时长时，循环仍须在时长用尽时返回
	config := common.GetDefaultConfig()
	config.Orchestrator.MonitorInterval = time.Hour
	orch := New(config, testTopology(), testBatch(), newFakeDriver(), healthyProber{})

	start := time.Now()
	_, err := orch.Run(context.Background(), RunOptions{MonitorFor: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestValidateRejectsUnknownPreferredNode(t *testing.T) {
	batch := &workload.Batch{Instances: []*workload.Instance{
		{ID: "a", RAMGB: 4, PreferredNode: "ghost"},
	}}
	orch := New(common.GetDefaultConfig(), testTopology(), batch, newFakeDriver(), healthyProber{})
	require.Error(t, orch.Validate())
}

func TestDeployAllSkipsUnavailableNodes(t *testing.T) {
	driver := newFakeDriver()
	driver.failConnect["small"] = errors.New("unreachable")
	orch := newTestOrchestrator(driver)

	failures := orch.DeployAll(context.Background(), t.TempDir())
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "small")

	session, ok := driver.Session("big")
	require.True(t, ok)
	assert.Equal(t, 1, session.(*fakeSession).deployed)
}

func TestSetMaintenanceExcludesNodeFromPlacement(t *testing.T) {
	driver := newFakeDriver()
	batch := &workload.Batch{Instances: []*workload.Instance{
		{ID: "inst", RAMGB: 4},
	}}
	orch := New(common.GetDefaultConfig(), testTopology(), batch, driver, healthyProber{})

	require.NoError(t, orch.SetMaintenance("big", true))
	require.NoError(t, orch.SetMaintenance("small", true))
	require.Error(t, orch.SetMaintenance("ghost", true))

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, report.Instances, 1)
	assert.NotEmpty(t, report.Instances[0].Reasons)
}
