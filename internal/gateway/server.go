package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
)

// DefaultListenAddr is the rotating gateway's default bind address: local
// loopback only, matching the original's operator-facing, non-public
// deployment model.
const DefaultListenAddr = "127.0.0.1:8888"

// RotationStrategy selects how the gateway picks a pool member per
// request.
type RotationStrategy string

const (
	RotationRandom     RotationStrategy = "random"
	RotationRoundRobin RotationStrategy = "round-robin"
)

// ServerConfig configures the rotating gateway's listener and hot pool.
type ServerConfig struct {
	ListenAddr string
	PoolSize   int
	Rotation   RotationStrategy
	Store      *catalog.Store
}

// Server bundles the hot pool, health monitor, and HTTP listener into the
// rotating gateway described by the operator-facing port contract.
type Server struct {
	Pool          *Pool
	HealthMonitor *HealthMonitor
	httpServer    *http.Server
}

// NewServer builds a Server; call Start to seed the pool, begin health
// monitoring, and accept connections.
func NewServer(cfg ServerConfig) *Server {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	pool := NewPool(cfg.Store, cfg.PoolSize)

	var picker Picker = pool
	if cfg.Rotation == RotationRoundRobin {
		picker = NewRoundRobinPicker(pool)
	}

	return &Server{
		Pool:          pool,
		HealthMonitor: NewHealthMonitor(pool, cfg.Store),
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewHandler(picker),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // CONNECT tunnels are long-lived
		},
	}
}

// Start seeds the hot pool from the catalog, launches the health-monitor
// loop, and begins serving. It blocks until ctx is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Pool.Refill(ctx); err != nil {
		return fmt.Errorf("gateway: initial pool refill: %w", err)
	}

	stopMonitor := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopMonitor)
	}()
	go s.HealthMonitor.Run(ctx, stopMonitor)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway: shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
