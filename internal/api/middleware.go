package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder 记录处理器写出的状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware 以 chi 匹配到的路由模板为维度记录请求数与耗时。
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.metrics.ObserveHTTPRequest(routePattern(r), r.Method, wrapped.status, time.Since(start))
	})
}

// routePattern 返回形如 /api/v1/agents/{id}/tasks 的路由模板，未匹配的请求统一记为 unmatched。
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}
