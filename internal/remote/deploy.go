package remote

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"flotilla/internal/common"
)

// manifestName 部署清单文件名，最后写入，存在且匹配才算部署完成
const manifestName = ".flotilla_manifest"

// Deploy 同步本地目录到节点工作目录
//
// 先比对清单：本地树未变化时是无操作。传输开始前移除远端清单，全部
// 文件上传成功后才重新写入，因此部分传输的远端状态不会被认作已部署。
func (s *Session) Deploy(ctx context.Context, localDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeployTimeout)
	defer cancel()

	manifest, files, err := buildManifest(localDir)
	if err != nil {
		return &common.DeployError{Node: s.node.Name, Path: localDir, Cause: err}
	}

	remoteManifest := path.Join(s.node.WorkDir, manifestName)
	if existing, err := s.readRemoteFile(remoteManifest); err == nil && existing == manifest {
		s.logger.Info("deploy is a no-op, remote tree up to date",
			zap.String("work_dir", s.node.WorkDir))
		return nil
	}

	// 传输期间远端状态视为未知
	_ = s.sftpC.Remove(remoteManifest)

	for _, rel := range files {
		select {
		case <-ctx.Done():
			return &common.DeployError{Node: s.node.Name, Path: rel, Cause: ctx.Err()}
		default:
		}
		if err := s.uploadFile(filepath.Join(localDir, rel), path.Join(s.node.WorkDir, filepath.ToSlash(rel))); err != nil {
			return &common.DeployError{Node: s.node.Name, Path: rel, Cause: err}
		}
	}

	if err := s.writeRemoteFile(remoteManifest, manifest); err != nil {
		return &common.DeployError{Node: s.node.Name, Path: remoteManifest, Cause: err}
	}

	s.logger.Info("deploy complete",
		zap.String("work_dir", s.node.WorkDir),
		zap.Int("files", len(files)))
	return nil
}

// Fetch 拉取远程文件的即时副本，失败只报告不重试
func (s *Session) Fetch(ctx context.Context, remotePath, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return common.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := s.sftpC.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", remotePath, err)
	}
	return nil
}

// buildManifest 遍历本地树，生成按路径排序的校验和清单
func buildManifest(localDir string) (string, []string, error) {
	sums := make(map[string]string)

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == manifestName {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		sum, err := fileChecksum(p)
		if err != nil {
			return err
		}
		sums[rel] = sum
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	files := make([]string, 0, len(sums))
	for rel := range sums {
		files = append(files, rel)
	}
	sort.Strings(files)

	var b strings.Builder
	for _, rel := range files {
		fmt.Fprintf(&b, "%s  %s\n", sums[rel], filepath.ToSlash(rel))
	}
	return b.String(), files, nil
}

// fileChecksum 计算单个文件的 SHA-256
func fileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// uploadFile 上传单个文件，按需创建远端目录
func (s *Session) uploadFile(localPath, remotePath string) error {
	if err := s.sftpC.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := s.sftpC.Create(remotePath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// readRemoteFile 读取远端小文件内容
func (s *Session) readRemoteFile(remotePath string) (string, error) {
	f, err := s.sftpC.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeRemoteFile 写入远端小文件
func (s *Session) writeRemoteFile(remotePath, content string) error {
	if err := s.sftpC.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}
	f, err := s.sftpC.Create(remotePath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write([]byte(content))
	return err
}
