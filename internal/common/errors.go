package common

import (
	"errors"
	"fmt"
)

// 定义常见错误类型
var (
	ErrNotConnected   = errors.New("session not connected")
	ErrSessionClosed  = errors.New("session closed")
	ErrMaintenance    = errors.New("node in maintenance")
	ErrUnknownNode    = errors.New("unknown node")
	ErrUnknownProcess = errors.New("unknown remote process")
)

// ConfigError 配置错误，致命错误，在任何远程操作之前中止
type ConfigError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field '%s': %s", e.Field, e.Message)
}

// NewConfigError 创建配置错误
func NewConfigError(field, message string, value interface{}) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ConnectionError 节点连接错误
type ConnectionError struct {
	Node     string `json:"node"`
	Attempts int    `json:"attempts"`
	Cause    error  `json:"-"`
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to node %s failed after %d attempts: %v", e.Node, e.Attempts, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// DeployError 代码分发错误，远程目录状态视为未知
type DeployError struct {
	Node  string `json:"node"`
	Path  string `json:"path"`
	Cause error  `json:"-"`
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy to node %s failed at %s: %v", e.Node, e.Path, e.Cause)
}

func (e *DeployError) Unwrap() error {
	return e.Cause
}

// StartError 实例启动错误
type StartError struct {
	Node     string `json:"node"`
	Instance string `json:"instance"`
	Cause    error  `json:"-"`
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start of instance %s on node %s failed: %v", e.Instance, e.Node, e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// LedgerError 资源账本不变量被破坏，属于程序缺陷而非可恢复状态
type LedgerError struct {
	Node    string `json:"node"`
	Message string `json:"message"`
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger invariant violated on node %s: %s", e.Node, e.Message)
}
