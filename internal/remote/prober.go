package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
	"flotilla/internal/health"
)

// SSHProber 基于 SSH 的节点探测器
//
// 先做纯可达性检查（拨号后立即关闭），可达时再用一次性会话查询
// 内存与磁盘余量。可达性失败时不会尝试资源查询。
type SSHProber struct {
	config common.RemoteConfig
	logger *zap.Logger
}

// NewSSHProber 创建 SSH 探测器
func NewSSHProber(config common.RemoteConfig) *SSHProber {
	return &SSHProber{
		config: config,
		logger: common.ComponentLogger("ssh-prober"),
	}
}

// Probe 探测单个节点
func (p *SSHProber) Probe(ctx context.Context, node *cluster.Node) (*health.Sample, error) {
	// 可达性：拨通控制端口后立即关闭
	timeout := p.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	conn, err := net.DialTimeout("tcp", node.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("reachability probe failed: %w", err)
	}
	_ = conn.Close()

	// 资源查询：一次性会话，不走重试预算
	sshConfig, err := buildSSHConfig(node, timeout)
	if err != nil {
		return nil, err
	}
	session, err := newProbeSession(node, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("resource query failed: %w", err)
	}
	defer session.Close()

	sample := &health.Sample{}

	out, err := session.run(ctx, "free -b | awk '/^Mem:/ {print $7}'")
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}
	if bytes, err := strconv.ParseFloat(strings.TrimSpace(out), 64); err == nil {
		sample.FreeRAMGB = bytes / (1 << 30)
	}

	out, err = session.run(ctx, fmt.Sprintf("df -k %s | tail -1 | awk '{print $4}'", node.WorkDir))
	if err != nil {
		return nil, fmt.Errorf("disk query failed: %w", err)
	}
	if kb, err := strconv.ParseFloat(strings.TrimSpace(out), 64); err == nil {
		sample.DiskFreeGB = kb / (1 << 20)
	}

	return sample, nil
}

// newProbeSession 建立不走重试预算的一次性会话
func newProbeSession(node *cluster.Node, sshConfig *ssh.ClientConfig) (*Session, error) {
	client, err := ssh.Dial("tcp", node.Address, sshConfig)
	if err != nil {
		return nil, err
	}
	return &Session{
		node:   node,
		logger: common.ComponentLogger("ssh-prober").With(zap.String("node", node.Name)),
		client: client,
		procs:  make(map[string]*remoteProcess),
	}, nil
}
