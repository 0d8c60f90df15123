package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"flotilla/internal/common"
)

// HTTPServer 对外暴露状态报告的 HTTP 服务器
type HTTPServer struct {
	server *http.Server
	logger *zap.Logger
	orch   *Orchestrator
}

// NewHTTPServer 创建状态报告服务器
func NewHTTPServer(orch *Orchestrator) *HTTPServer {
	return &HTTPServer{
		orch:   orch,
		logger: common.ComponentLogger("http-server"),
	}
}

// Start 启动 HTTP 服务器
func (s *HTTPServer) Start(address string) error {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleLiveness).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/report", s.handleReport).Methods("GET")
	v1.HandleFunc("/nodes", s.handleNodes).Methods("GET")
	v1.HandleFunc("/instances", s.handleInstances).Methods("GET")
	v1.HandleFunc("/nodes/{name}/maintenance", s.handleMaintenance).Methods("PUT")

	s.server = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 在后台启动服务器
	go func() {
		s.logger.Info("Starting status HTTP server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop 停止 HTTP 服务器
func (s *HTTPServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Stopping status HTTP server")
	return s.server.Shutdown(ctx)
}

// handleLiveness 存活检查
func (s *HTTPServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, map[string]string{"status": "ok"})
}

// handleReport 返回完整状态报告
func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, s.orch.Report())
}

// handleNodes 返回报告中的节点部分
func (s *HTTPServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	report := s.orch.Report()
	s.writeJSONResponse(w, map[string]interface{}{"nodes": report.Nodes})
}

// handleInstances 返回报告中的实例部分
func (s *HTTPServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	report := s.orch.Report()
	s.writeJSONResponse(w, map[string]interface{}{"instances": report.Instances})
}

// handleMaintenance 设置或解除节点维护状态
func (s *HTTPServer) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "query parameter 'on' must be true or false", http.StatusBadRequest)
		return
	}

	if err := s.orch.SetMaintenance(name, on); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSONResponse(w, map[string]interface{}{"node": name, "maintenance": on})
}

// writeJSONResponse 写出 JSON 响应
func (s *HTTPServer) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// loggingMiddleware 请求日志中间件
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
