package intake

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"sitegen/internal/genqueue"
	"sitegen/internal/overboard"
	"sitegen/internal/storage"
	"sitegen/internal/trigger"
	logx "sitegen/pkg/logx"
)

type Config struct {
	Addr       string
	RatePerSec float64
	Burst      int
	Pprof      bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8087"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
	return c
}

// Queue is the generation queue as seen by the endpoint.
type Queue interface {
	SubmitMessage(ctx context.Context, m genqueue.Message) (genqueue.Request, genqueue.Decision, error)
	Snapshot(ctx context.Context) (genqueue.Snapshot, error)
}

type Overboard interface {
	Reaggregate(ctx context.Context, b overboard.Bump) (overboard.Result, error)
}

type Generations interface {
	RecentGenerations(ctx context.Context, limit int) ([]storage.Generation, error)
}

type Triggers interface {
	Statuses() []trigger.Status
	Fire(ctx context.Context, name string) (genqueue.Decision, error)
}

// Deps wires the endpoint. Only Queue is required; routes for missing
// dependencies answer 404.
type Deps struct {
	Queue       Queue
	Overboard   Overboard
	Generations Generations
	Triggers    Triggers
	// Ping backs /healthz when set.
	Ping func(ctx context.Context) error
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	limiter *rate.Limiter
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log.With(logx.String("comp", "intake")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// SetRate updates the shared token bucket.
func (s *Server) SetRate(perSec float64, burst int) {
	if perSec <= 0 || burst <= 0 {
		return
	}
	s.limiter.SetLimit(rate.Limit(perSec))
	s.limiter.SetBurst(burst)
}

// Listen binds the configured address. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return nil
}

// Addr reports the bound address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("intake listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("intake shutdown error", logx.Err(err))
		return err
	}
	s.log.Info("intake stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.recoverer, s.accessLog, s.rateLimit)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.With(requireJSON).Post("/rebuild", s.handleRebuild)
		r.With(requireJSON).Post("/overboard", s.handleOverboard)
		r.Get("/status", s.handleStatus)
		r.Get("/generations", s.handleGenerations)
		r.Get("/triggers", s.handleTriggers)
		r.Post("/triggers/{name}/fire", s.handleFire)
	})
	if s.cfg.Pprof {
		mountProfiler(r, "/debug")
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
