package remote

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
)

// remoteProcess 会话跟踪的远程进程
type remoteProcess struct {
	pid           int
	logPath       string
	startedAt     time.Time
	stopRequested bool
}

// Session 单个节点的 SSH 控制会话
//
// 会话内的所有操作由互斥锁串行化：一个节点必须先完成部署才会被要求
// 启动实例，也不会并发收到两个竞争同一容量检查的启动请求。
type Session struct {
	mu     sync.Mutex
	node   *cluster.Node
	config common.RemoteConfig
	logger *zap.Logger

	client *ssh.Client
	sftpC  *sftp.Client
	closed bool

	procs map[string]*remoteProcess
}

// newSession 建立认证的 SSH 会话，带超时与指数退避的有限重试
func newSession(ctx context.Context, node *cluster.Node, config common.RemoteConfig) (*Session, error) {
	sshConfig, err := buildSSHConfig(node, config.ConnectTimeout)
	if err != nil {
		return nil, &common.ConnectionError{Node: node.Name, Attempts: 0, Cause: err}
	}

	var client *ssh.Client
	var lastErr error
	backoff := config.RetryBackoff
	attempts := 0

	for attempt := 0; attempt <= config.ConnectRetries; attempt++ {
		attempts++
		client, lastErr = ssh.Dial("tcp", node.Address, sshConfig)
		if lastErr == nil {
			break
		}
		if attempt == config.ConnectRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &common.ConnectionError{Node: node.Name, Attempts: attempts, Cause: ctx.Err()}
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	if lastErr != nil {
		return nil, &common.ConnectionError{Node: node.Name, Attempts: attempts, Cause: lastErr}
	}

	sftpC, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &common.ConnectionError{Node: node.Name, Attempts: attempts, Cause: err}
	}

	return &Session{
		node:   node,
		config: config,
		logger: common.ComponentLogger("remote-session").With(zap.String("node", node.Name)),
		client: client,
		sftpC:  sftpC,
		procs:  make(map[string]*remoteProcess),
	}, nil
}

// buildSSHConfig 从节点凭据构造 SSH 客户端配置
func buildSSHConfig(node *cluster.Node, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if node.KeyFile != "" {
		key, err := os.ReadFile(node.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", node.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", node.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if node.Password != "" {
		auth = append(auth, ssh.Password(node.Password))
	}

	return &ssh.ClientConfig{
		User:            node.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Node 会话对应的节点
func (s *Session) Node() *cluster.Node {
	return s.node
}

// alive 会话底层连接是否仍然可用
func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.client != nil
}

// Close 关闭会话
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sftpC != nil {
		_ = s.sftpC.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// run 在会话上执行单条命令并返回合并输出，受 ctx 超时约束
func (s *Session) run(ctx context.Context, cmd string) (string, error) {
	if s.closed {
		return "", common.ErrSessionClosed
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-done:
		return string(r.out), r.err
	}
}
