// Package api implements the HTTP surface of the solver service.
package api

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"cvrpnav/internal/auth"
	"cvrpnav/internal/config"
	"cvrpnav/internal/events"
	"cvrpnav/internal/metrics"
	"cvrpnav/internal/runs"
	"cvrpnav/internal/store"
)

const defaultTenant = "t_demo"

type Server struct {
	Store    store.Store
	Broker   events.Broker
	Runner   *runs.Runner
	Progress *events.ProgressCache
	Config   config.Config
	Auth     *auth.Verifier
	Log      logrus.FieldLogger

	limits *tenantLimiter
}

func NewServer(cfg config.Config, st store.Store, br events.Broker, runner *runs.Runner, log logrus.FieldLogger) (*Server, error) {
	v, err := auth.NewVerifier(cfg.AuthMode, cfg.AuthHMACSecret, cfg.AuthTenantClaim)
	if err != nil {
		return nil, err
	}
	return &Server{
		Store:    st,
		Broker:   br,
		Runner:   runner,
		Progress: runner.Progress,
		Config:   cfg,
		Auth:     v,
		Log:      log,
		limits:   newTenantLimiter(cfg.RateRPS, cfg.RateBurst),
	}, nil
}

// Routes returns the full handler tree with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Instances
	mux.HandleFunc("/v1/instances", s.InstancesHandler)
	mux.HandleFunc("/v1/instances/", s.InstanceByIDHandler)

	// Solving
	mux.HandleFunc("/v1/verify", s.VerifyHandler)
	mux.HandleFunc("/v1/solve", s.SolveHandler)
	mux.HandleFunc("/v1/trials", s.TrialsHandler)
	mux.HandleFunc("/v1/solver/config", s.SolverConfigHandler)

	// Runs
	mux.HandleFunc("/v1/runs", s.RunsHandler)
	mux.HandleFunc("/v1/runs/", s.RunByIDHandler) // includes /events/stream and /ws

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/info", s.DebugJSON)

	return s.logMiddleware(s.authenticate(metricsMiddleware(s.rateLimit(mux))))
}

// withTenant returns the tenant resolved by authenticate, falling back to the
// header for handlers invoked directly.
func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	if tenant, ok := r.Context().Value(ctxKeyTenant{}).(string); ok {
		return r.Context(), tenant
	}
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = defaultTenant
	}
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
