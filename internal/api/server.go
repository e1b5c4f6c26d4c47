package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/vipyrsec/dragonfly-mainframe/internal/config"
	"github.com/vipyrsec/dragonfly-mainframe/internal/metrics"
	"github.com/vipyrsec/dragonfly-mainframe/internal/report"
	"github.com/vipyrsec/dragonfly-mainframe/internal/rules"
	"github.com/vipyrsec/dragonfly-mainframe/internal/store"
)

// rulesProvider is the slice of the ruleset provider the API needs.
// *rules.Provider satisfies it; tests inject fakes.
type rulesProvider interface {
	Current() *rules.Snapshot
	Refresh(ctx context.Context) (*rules.Snapshot, error)
}

type Server struct {
	cfg          *config.Config
	store        store.Store
	rules        rulesProvider
	reporter     report.Client
	verifier     Verifier
	serverCommit string

	// now is swappable so tests can pin the clock.
	now func() time.Time

	rateLimitMu  sync.Mutex
	rateLimiters map[string]*rateLimiterEntry
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(cfg *config.Config, st store.Store, provider rulesProvider, reporter report.Client, verifier Verifier, serverCommit string) *Server {
	srv := &Server{
		cfg:          cfg,
		store:        st,
		rules:        provider,
		reporter:     reporter,
		verifier:     verifier,
		serverCommit: serverCommit,
		now:          func() time.Time { return time.Now().UTC() },
		rateLimiters: make(map[string]*rateLimiterEntry),
	}
	metrics.Register(st)
	return srv
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/job", s.handleGetJob)
		r.Put("/package", s.handleSubmitResults)
		r.Post("/package/fail", s.handleFailPackage)
		r.Get("/package", s.handleLookupPackage)
		r.Get("/rules", s.handleGetRules)
		r.Post("/rules/update", s.handleUpdateRules)

		r.With(s.rateLimitMiddleware).Post("/package", s.handleQueuePackage)
		r.With(s.rateLimitMiddleware).Post("/batch/package", s.handleBatchQueuePackage)
		r.With(s.rateLimitMiddleware).Post("/report/{name}", s.handleReportPackage)
	})

	return r
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(actorFromContext(r.Context()))
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getRateLimiter(actor string) *rate.Limiter {
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	if entry, ok := s.rateLimiters[actor]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	perMinute := s.cfg.API.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	s.rateLimiters[actor] = &rateLimiterEntry{limiter: limiter, lastSeen: time.Now()}

	if len(s.rateLimiters) > 1000 {
		cutoff := time.Now().Add(-5 * time.Minute)
		for key, entry := range s.rateLimiters {
			if entry.lastSeen.Before(cutoff) {
				delete(s.rateLimiters, key)
			}
		}
	}

	return limiter
}
