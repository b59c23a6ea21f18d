package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux wires the dashboard routes. /ws and /metrics stay public.
func NewMux(cfg types.WebConf, handler *Handler, hub *Hub, m *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	auth := func(f http.HandlerFunc) http.Handler { return basicAuthMiddleware(f, cfg.User, cfg.Password) }

	mux.Handle("GET /api/users", auth(handler.HandleUsers))
	mux.Handle("GET /api/users/{id}", auth(handler.HandleUser))
	mux.Handle("GET /api/stats", auth(handler.HandleStats))
	mux.HandleFunc("GET /api/status", handler.HandleStatus)

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return mux
}

// StartServer 在 cfg.Port 上启动仪表盘，ctx 结束时优雅关闭。端口为 0 时不启动。
func StartServer(ctx context.Context, wg *sync.WaitGroup, cfg types.WebConf, handler *Handler, hub *Hub, m *metrics.Registry) error {
	if cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Dashboard is disabled (web port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start dashboard on %s: %w", addr, err)
	}
	logger.Info().Msgf("SUCCESS: Dashboard is listening on http://%s", addr)

	srv := &http.Server{
		Handler:           NewMux(cfg, handler, hub, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		// Wrap the original listener with our logging listener
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}
