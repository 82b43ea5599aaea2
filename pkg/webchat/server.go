package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/askq/pkg/orchestrator"
	"github.com/go-go-golems/askq/pkg/persistence/reportstore"
	"github.com/go-go-golems/askq/pkg/stream"
	"github.com/go-go-golems/askq/pkg/summary"
)

const shutdownTimeout = 30 * time.Second

// Server owns the HTTP listener, the open websockets and the event bus backend.
type Server struct {
	orch     *orchestrator.Orchestrator
	backend  stream.Backend
	judge    summary.Judge
	reports  reportstore.Store
	pool     *ConnectionPool
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	baseCtx  context.Context
}

type ServerOption func(*Server)

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.pool = NewConnectionPool(d) }
}

func WithUpgrader(u websocket.Upgrader) ServerOption {
	return func(s *Server) { s.upgrader = u }
}

func NewServer(ctx context.Context, addr string, orch *orchestrator.Orchestrator, backend stream.Backend, judge summary.Judge, opts ...ServerOption) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if orch == nil || backend == nil {
		return nil, errors.New("orchestrator and backend are required")
	}
	s := &Server{
		orch:     orch,
		backend:  backend,
		judge:    judge,
		reports:  orch.Reports(),
		pool:     NewConnectionPool(defaultWriteTimeout),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		baseCtx:  ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler mounts the websocket endpoint and the JSON API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/meta-summary", s.handleMetaSummary)
	mux.HandleFunc("/api/reports/", s.handleReport)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.pool.Count()})
	})
	return mux
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is cancelled, a signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Str("component", "webchat").Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		return s.shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		log.Info().Str("component", "webchat").Str("addr", s.httpSrv.Addr).Msg("starting askq server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "webchat").Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Msg("server shutdown error")
	}
	s.pool.CloseAll()
	s.orch.Wait()
	if cerr := s.backend.Close(); cerr != nil {
		log.Error().Err(cerr).Str("component", "webchat").Msg("event bus close error")
	}
	if cerr := s.reports.Close(); cerr != nil {
		log.Error().Err(cerr).Str("component", "webchat").Msg("report store close error")
	}
	log.Info().Str("component", "webchat").Msg("server shutdown complete")
	return err
}
