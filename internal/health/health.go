// Package health serves liveness and worker counters over HTTP.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/next-trace/scg-parking-bus/servicebus"
)

// Worker is what the server reports on.
type Worker interface {
	Name() string
	Ready() <-chan struct{}
	Stats() servicebus.Stats
}

type Server struct {
	router    *gin.Engine
	workers   []Worker
	startedAt time.Time
}

func New(workers ...Worker) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{router: gin.New(), workers: workers, startedAt: time.Now()}
	s.router.Use(gin.Recovery())
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", s.metrics)

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// healthz answers 503 until every worker has subscribed all of its bindings.
func (s *Server) healthz(c *gin.Context) {
	waiting := []string{}

	for _, w := range s.workers {
		select {
		case <-w.Ready():
		default:
			waiting = append(waiting, w.Name())
		}
	}

	if len(waiting) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "waiting": waiting})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) metrics(c *gin.Context) {
	workers := make(map[string]servicebus.Stats, len(s.workers))
	for _, w := range s.workers {
		workers[w.Name()] = w.Stats()
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC(),
		"workers":        workers,
	})
}

// Run serves on addr until ctx is done, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)

	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
