package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
)

// InstanceState 驱动观测到的实例状态机
//
// PENDING → DEPLOYING → RUNNING → {STOPPED | CRASHED | UNREACHABLE}
// UNREACHABLE 表示控制会话本身失效，远端真实状态未知，不能当作已停止。
type InstanceState string

const (
	StatePending     InstanceState = "PENDING"
	StateDeploying   InstanceState = "DEPLOYING"
	StateRunning     InstanceState = "RUNNING"
	StateStopped     InstanceState = "STOPPED"
	StateCrashed     InstanceState = "CRASHED"
	StateUnreachable InstanceState = "UNREACHABLE"
)

// ProcessStatus 远程进程状态快照
type ProcessStatus struct {
	InstanceID string        `json:"instance_id"`
	Node       string        `json:"node"`
	State      InstanceState `json:"state"`
	PID        int           `json:"pid,omitempty"`
	RSSMB      float64       `json:"rss_mb,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// ExecutionDriver 远程执行驱动接口，每个节点一个独立会话
type ExecutionDriver interface {
	// Connect 建立到节点的控制会话，带超时与有限重试
	Connect(ctx context.Context, node *cluster.Node) (NodeSession, error)
	// Session 返回已建立的会话
	Session(nodeName string) (NodeSession, bool)
	// Close 关闭所有会话
	Close()
}

// NodeSession 单个节点的控制会话，同一会话内的操作串行执行
type NodeSession interface {
	// Deploy 同步本地目录到远程工作目录，幂等，部分传输不会被视为已部署
	Deploy(ctx context.Context, localDir string) error
	// Start 启动受监管的远程进程，确认启动后立即返回，不等待其结束
	Start(ctx context.Context, instanceID, configRef string) (*ProcessStatus, error)
	// Monitor 非阻塞查询远程进程是否存活及尽力而为的资源读数
	Monitor(ctx context.Context, instanceID string) *ProcessStatus
	// Stop 请求优雅终止，宽限期后升级为强制终止
	Stop(ctx context.Context, instanceID string) error
	// Fetch 拉取远程文件的即时副本
	Fetch(ctx context.Context, remotePath, localPath string) error
	// LogPath 实例日志的远端路径
	LogPath(instanceID string) (string, bool)
	// Node 会话对应的节点
	Node() *cluster.Node
	// Close 关闭会话
	Close() error
}

// Driver SSH 远程执行驱动
type Driver struct {
	mu       sync.Mutex
	config   common.RemoteConfig
	logger   *zap.Logger
	sessions map[string]*Session
}

// NewDriver 创建远程执行驱动
func NewDriver(config common.RemoteConfig) *Driver {
	return &Driver{
		config:   config,
		logger:   common.ComponentLogger("remote-driver"),
		sessions: make(map[string]*Session),
	}
}

// Connect 建立到节点的 SSH 会话，已有存活会话时直接复用
func (d *Driver) Connect(ctx context.Context, node *cluster.Node) (NodeSession, error) {
	d.mu.Lock()
	if session, ok := d.sessions[node.Name]; ok && session.alive() {
		d.mu.Unlock()
		return session, nil
	}
	d.mu.Unlock()

	session, err := newSession(ctx, node, d.config)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.sessions[node.Name] = session
	d.mu.Unlock()

	d.logger.Info("node session established",
		zap.String("node", node.Name),
		zap.String("address", node.Address))
	return session, nil
}

// Session 返回已建立的会话
func (d *Driver) Session(nodeName string) (NodeSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[nodeName]
	if !ok {
		return nil, false
	}
	return session, true
}

// Close 关闭所有节点会话
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, session := range d.sessions {
		if err := session.Close(); err != nil {
			d.logger.Warn("failed to close session",
				zap.String("node", name), zap.Error(err))
		}
		delete(d.sessions, name)
	}
}
