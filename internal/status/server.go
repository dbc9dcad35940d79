package status

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rforum/rforum-go/internal/observability"
	"github.com/rforum/rforum-go/internal/state"
	"github.com/rforum/rforum-go/internal/stream"
)

// ConnectionStater reports the current streaming connection state.
// Satisfied by *stream.Conn.
type ConnectionStater interface {
	State() stream.State
}

// Server exposes a read-only local HTTP surface over the reconciliation
// store: health, metrics, and the merged session snapshot.
type Server struct {
	node     string
	addr     string
	store    *state.Store
	conn     ConnectionStater
	router   *gin.Engine
	appeared time.Time
}

func New(node, addr string, corsOrigins []string, store *state.Store, conn ConnectionStater) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		node:     node,
		addr:     addr,
		store:    store,
		conn:     conn,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"node":   s.node,
			"uptime": time.Since(s.appeared).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/state", func(c *gin.Context) {
		snap := s.store.Snapshot()
		connState := "unknown"
		if s.conn != nil {
			connState = s.conn.State().String()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         snap.Status,
			"connection":     connState,
			"session":        snap.Session,
			"slides":         snap.Slides,
			"responses":      snap.Responses,
			"last_heartbeat": snap.LastHeartbeat,
		})
	})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		out = append(out, "http://localhost:5173")
	}
	return out
}
