package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"controlgastos/internal/core"
	"controlgastos/internal/log"
	"controlgastos/internal/middleware/ratelimit"
	"controlgastos/internal/middleware/security"
	"controlgastos/internal/middleware/trace"
	"controlgastos/internal/session"
	"controlgastos/internal/viewmodel"
)

// ExpenseReader reads single records for the session user.
type ExpenseReader interface {
	Get(ctx context.Context, id string) (core.Expense, error)
}

// OverviewReader computes monthly summaries.
type OverviewReader interface {
	MonthOverview(ctx context.Context, userID string, year int, month time.Month) (core.MonthOverview, error)
	Location() *time.Location
}

// Authenticator registers users and drives the session.
type Authenticator interface {
	Register(ctx context.Context, username, password string) (core.User, error)
	SignIn(ctx context.Context, username, password string) (core.User, error)
	SignOut(ctx context.Context)
}

// Deps are the collaborators the server exposes.
type Deps struct {
	ViewModel *viewmodel.ViewModel
	Expenses  ExpenseReader
	Overviews OverviewReader
	Auth      Authenticator
	Sessions  session.Provider
	// Ready reports backend health for /readyz; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *log.Logger

	RateLimitPerMinute int
	// TrustedProxies are extra CIDRs allowed to set forwarding headers.
	TrustedProxies []string
}

// Metrics summarizes request handling since the server was created.
type Metrics struct {
	Requests           int64
	RateLimited        int64
	ActiveClients      int64
	SuspiciousRequests int64
}

type Server struct {
	http.Server
	vm        *viewmodel.ViewModel
	expenses  ExpenseReader
	overviews OverviewReader
	auth      Authenticator
	sessions  session.Provider
	ready     func(ctx context.Context) error
	logger    *log.Logger
	limiter   *ratelimit.Limiter
	detector  *security.Detector
	tracer    *trace.Middleware
	now       func() time.Time
	heartbeat time.Duration

	// streams is cancelled on shutdown so event streams do not hold it open.
	streams       context.Context
	cancelStreams context.CancelFunc
	shutdownOnce  sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		vm:        deps.ViewModel,
		expenses:  deps.Expenses,
		overviews: deps.Overviews,
		auth:      deps.Auth,
		sessions:  deps.Sessions,
		ready:     deps.Ready,
		logger:    logger,
		limiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.RateLimitPerMinute}),
		now:       time.Now,
		heartbeat: 15 * time.Second,
	}

	s.streams, s.cancelStreams = context.WithCancel(context.Background())
	s.RegisterOnShutdown(s.cancelStreams)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/users", s.handleRegister)
	mux.HandleFunc("POST /api/session", s.handleSignIn)
	mux.HandleFunc("DELETE /api/session", s.handleSignOut)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/state/stream", s.handleStateStream)

	mux.HandleFunc("POST /api/expenses", s.handleCreateExpense)
	mux.HandleFunc("GET /api/expenses/{id}", s.handleGetExpense)
	mux.HandleFunc("PUT /api/expenses/{id}", s.handleUpdateExpense)
	mux.HandleFunc("DELETE /api/expenses/{id}", s.handleDeleteExpense)
	mux.HandleFunc("POST /api/operation/reset", s.handleResetOperation)

	mux.HandleFunc("GET /api/totals", s.handleTotals)
	mux.HandleFunc("GET /api/categories", handleCategories)

	detector := security.NewDetector(logger)
	for _, cidr := range deps.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", log.FieldError, err)
		}
	}
	s.detector = detector
	s.tracer = trace.NewMiddleware(detector.ExtractClientIP, logger)
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	limit := s.limiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		s.logger.WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, detector.ExtractClientIP(r),
			log.FieldPath, r.URL.Path)
		s.writeError(w, r, ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, try again later"))
	})

	requestLogger := log.Middleware(logger, trace.GetRequestID)
	s.Handler = s.tracer.Middleware(requestLogger(headers.Middleware(detector.Middleware(limit(mux)))))
	return s
}

// Shutdown stops background routines and gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
		s.cancelStreams()

		m := s.Metrics()
		s.logger.InfoContext(ctx, "HTTP server stopped",
			log.FieldRequests, m.Requests,
			log.FieldRateLimited, m.RateLimited,
			log.FieldSuspicious, m.SuspiciousRequests)
	})
	return err
}

// Metrics collects the counters of the middleware chain.
func (s *Server) Metrics() Metrics {
	limits := s.limiter.GetMetrics()
	return Metrics{
		Requests:           s.tracer.GetMetrics().TotalRequests,
		RateLimited:        limits.TotalHits,
		ActiveClients:      limits.ClientCount,
		SuspiciousRequests: s.detector.GetMetrics().SuspiciousRequests,
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, b *JSONResponseBuilder) {
	b.WithRequestID(trace.GetRequestID(r.Context())).Write(w)
}

// fail logs unexpected failures and writes the mapped error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if status := errorStatus(err); status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldOperation, op,
			log.FieldError, err)
	}
	s.writeError(w, r, ErrorFrom(err))
}

func (s *Server) location() *time.Location {
	if s.overviews != nil {
		return s.overviews.Location()
	}
	return time.Local
}
