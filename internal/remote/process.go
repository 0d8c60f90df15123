package remote

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"flotilla/internal/common"
)

// Start 启动绑定到实例 ID 的受监管远程进程
//
// 配置载荷先落到远端文件再作为参数传给入口脚本，核心不解析其内容。
// 确认进程已拉起后立即返回，不等待实例结束。
func (s *Session) Start(ctx context.Context, instanceID, configRef string) (*ProcessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &common.StartError{Node: s.node.Name, Instance: instanceID, Cause: common.ErrSessionClosed}
	}
	if _, exists := s.procs[instanceID]; exists {
		return nil, &common.StartError{
			Node: s.node.Name, Instance: instanceID,
			Cause: fmt.Errorf("instance already started on this node"),
		}
	}

	configPath := path.Join(s.node.WorkDir, fmt.Sprintf("%s.config", instanceID))
	if err := s.writeRemoteFile(configPath, configRef); err != nil {
		return nil, &common.StartError{Node: s.node.Name, Instance: instanceID, Cause: err}
	}

	logPath := path.Join(s.node.WorkDir, "logs", fmt.Sprintf("%s.log", instanceID))
	cmd := fmt.Sprintf(
		"mkdir -p %s/logs && cd %s && INSTANCE_ID=%s nohup %s %s > %s 2>&1 & echo $!",
		s.node.WorkDir, s.node.WorkDir, instanceID, s.config.Entrypoint, configPath, logPath,
	)

	out, err := s.run(ctx, cmd)
	if err != nil {
		return nil, &common.StartError{Node: s.node.Name, Instance: instanceID, Cause: err}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil, &common.StartError{
			Node: s.node.Name, Instance: instanceID,
			Cause: fmt.Errorf("unexpected launch output %q", strings.TrimSpace(out)),
		}
	}

	// 确认进程确实拉起，launch 后立即退出的实例在这里暴露
	if _, err := s.run(ctx, fmt.Sprintf("kill -0 %d", pid)); err != nil {
		return nil, &common.StartError{
			Node: s.node.Name, Instance: instanceID,
			Cause: fmt.Errorf("process %d exited immediately", pid),
		}
	}

	s.procs[instanceID] = &remoteProcess{
		pid:       pid,
		logPath:   logPath,
		startedAt: time.Now(),
	}
	s.logger.Info("instance started",
		zap.String("instance", instanceID),
		zap.Int("pid", pid))

	return &ProcessStatus{
		InstanceID: instanceID,
		Node:       s.node.Name,
		State:      StateRunning,
		PID:        pid,
		CheckedAt:  time.Now(),
	}, nil
}

// Monitor 查询远程进程状态快照，对本会话未知的实例返回 nil
//
// 传输层错误意味着会话本身失效，归类为 UNREACHABLE：远端真实状态
// 未知，调用方不能假定实例已停止。
func (s *Session) Monitor(ctx context.Context, instanceID string) *ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[instanceID]
	if !ok {
		return nil
	}

	status := &ProcessStatus{
		InstanceID: instanceID,
		Node:       s.node.Name,
		PID:        proc.pid,
		CheckedAt:  time.Now(),
	}

	// `|| echo dead` 保证命令本身总是成功，错误只能来自传输层
	out, err := s.run(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null && echo alive || echo dead", proc.pid))
	if err != nil {
		status.State = StateUnreachable
		s.logger.Warn("monitor probe failed, session unreachable",
			zap.String("instance", instanceID), zap.Error(err))
		return status
	}

	if strings.TrimSpace(out) != "alive" {
		if proc.stopRequested {
			status.State = StateStopped
		} else {
			status.State = StateCrashed
		}
		return status
	}

	status.State = StateRunning
	// 尽力而为的常驻内存读数
	if rssOut, err := s.run(ctx, fmt.Sprintf("ps -o rss= -p %d", proc.pid)); err == nil {
		if rssKB, err := strconv.Atoi(strings.TrimSpace(rssOut)); err == nil {
			status.RSSMB = float64(rssKB) / 1024
		}
	}
	return status
}

// Stop 终止远程进程：先 TERM，宽限期内未退出则升级为 KILL
//
// 对未知实例和已退出的进程幂等。账本释放由协调器在调用返回后执行，
// 无论远端进程是否早已退出。
func (s *Session) Stop(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[instanceID]
	if !ok {
		return nil
	}
	proc.stopRequested = true

	if _, err := s.run(ctx, fmt.Sprintf("kill -TERM %d 2>/dev/null", proc.pid)); err != nil {
		return fmt.Errorf("failed to signal instance %s: %w", instanceID, err)
	}

	deadline := time.Now().Add(s.config.StopGracePeriod)
	for time.Now().Before(deadline) {
		out, err := s.run(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null && echo alive || echo dead", proc.pid))
		if err != nil {
			return fmt.Errorf("failed to confirm stop of instance %s: %w", instanceID, err)
		}
		if strings.TrimSpace(out) != "alive" {
			s.logger.Info("instance stopped gracefully", zap.String("instance", instanceID))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	s.logger.Warn("grace period expired, force killing",
		zap.String("instance", instanceID), zap.Int("pid", proc.pid))
	_, err := s.run(ctx, fmt.Sprintf("kill -KILL %d 2>/dev/null && echo killed || echo gone", proc.pid))
	return err
}

// LogPath 实例日志的远端路径，供结束后拉取
func (s *Session) LogPath(instanceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[instanceID]
	if !ok {
		return "", false
	}
	return proc.logPath, true
}
