package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
	"cvrpnav/internal/runs"
)

// InstancesHandler handles POST/GET /v1/instances
func (s *Server) InstancesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/instances" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	_, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var in opt.Instance
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, "Invalid JSON", err)
			return
		}
		if err := in.Validate(); err != nil {
			writeError(w, r, "Invalid instance", err)
			return
		}
		rec, err := s.Store.CreateInstance(r.Context(), tenant, in)
		if err != nil {
			writeError(w, r, "Create instance failed", err)
			return
		}
		w.Header().Set("Location", "/v1/instances/"+rec.ID)
		writeJSON(w, http.StatusCreated, rec.Summary())
	case http.MethodGet:
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			writeError(w, r, "Invalid query", err)
			return
		}
		recs, next, err := s.Store.ListInstances(r.Context(), tenant, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeError(w, r, "List instances failed", err)
			return
		}
		items := make([]model.InstanceSummary, 0, len(recs))
		for _, rec := range recs {
			items = append(items, rec.Summary())
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// InstanceByIDHandler handles GET /v1/instances/{id}
func (s *Server) InstanceByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, tenant := s.withTenant(r)
	rec, err := s.Store.GetInstance(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, "Instance not found", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// VerifyHandler handles POST /v1/verify
func (s *Server) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	_, tenant := s.withTenant(r)
	in, err := s.resolveInstance(r.Context(), tenant, req.InstanceID, req.Instance)
	if err != nil {
		writeError(w, r, "Invalid instance", err)
		return
	}
	writeJSON(w, http.StatusOK, model.VerifyResponseFrom(in, opt.Verify(in, req.Routes)))
}

// SolveHandler handles POST /v1/solve. The run is recorded like an async one
// but the response waits for it. ?format=sol or ?format=geojson change the body.
func (s *Server) SolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "sol" && format != "geojson" {
		writeProblem(w, http.StatusBadRequest, "Invalid format", "format must be json, sol or geojson", r.URL.Path)
		return
	}
	var req model.SolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	job, err := s.solveJob(r, req)
	if err != nil {
		writeError(w, r, "Invalid solve request", err)
		return
	}
	run, res, err := s.Runner.Execute(r.Context(), job)
	if err != nil {
		title := "Solve failed"
		if run.ID != "" {
			title = "Run " + run.ID + " failed"
		}
		writeError(w, r, title, err)
		return
	}
	switch format {
	case "sol":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, model.FormatSolution(res.Solution, res.Cost))
	case "geojson":
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		b, err := model.RoutesGeoJSON(job.Instance, res.Solution).MarshalJSON()
		if err == nil {
			_, _ = w.Write(b)
		}
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

// RunsHandler handles POST/GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/runs" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SolveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, "Invalid JSON", err)
			return
		}
		job, err := s.solveJob(r, req)
		if err != nil {
			writeError(w, r, "Invalid run request", err)
			return
		}
		run, err := s.Runner.Submit(r.Context(), job)
		if err != nil {
			writeError(w, r, "Submit run failed", err)
			return
		}
		w.Header().Set("Location", "/v1/runs/"+run.ID)
		writeJSON(w, http.StatusAccepted, run)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		q := r.URL.Query()
		status := q.Get("status")
		if status != "" && !validStatus(model.RunStatus(status)) {
			writeProblem(w, http.StatusBadRequest, "Invalid status", status, r.URL.Path)
			return
		}
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			writeError(w, r, "Invalid query", err)
			return
		}
		items, next, err := s.Store.ListRuns(r.Context(), tenant, q.Get("instanceId"), status, q.Get("cursor"), limit)
		if err != nil {
			writeError(w, r, "List runs failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// runView adds the live progress of an unfinished run.
type runView struct {
	model.Run
	Progress *opt.Progress `json:"progress,omitempty"`
}

// RunByIDHandler handles GET /v1/runs/{id}, /v1/runs/{id}/events/stream and /v1/runs/{id}/ws
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/runs/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, tenant := s.withTenant(r)
	run, err := s.Store.GetRun(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, "Run not found", err)
		return
	}
	switch {
	case len(parts) == 1:
		view := runView{Run: run}
		if !run.Status.Terminal() {
			if p, ok := s.Progress.Get(tenant, id); ok {
				view.Progress = &p
			}
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream":
		s.streamRunEvents(w, r, tenant, run)
	case len(parts) == 2 && parts[1] == "ws":
		s.RunWSHandler(w, r, tenant, run)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", path)
	}
}

// TrialsHandler handles POST /v1/trials
func (s *Server) TrialsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.TrialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	if err := validateTrialsRequest(&req); err != nil {
		writeError(w, r, "Invalid trials request", err)
		return
	}
	_, tenant := s.withTenant(r)
	in, err := s.resolveInstance(r.Context(), tenant, req.InstanceID, req.Instance)
	if err != nil {
		writeError(w, r, "Invalid instance", err)
		return
	}
	opts, err := s.Config.ResolveOptions(req.Profile, req.Options)
	if err != nil {
		writeError(w, r, "Invalid options", err)
		return
	}
	start := time.Now()
	trials, err := opt.RunTrials(r.Context(), in, opts, req.Trials, req.Parallelism)
	if err != nil {
		writeError(w, r, "Trials failed", err)
		return
	}
	s.logger().WithField("algorithm", opts.Algorithm).WithField("trials", len(trials)).WithField("elapsed_ms", time.Since(start).Milliseconds()).Info("trials completed")
	writeJSON(w, http.StatusOK, model.TrialsResponse{Algorithm: opts.Algorithm, Trials: trials})
}

// SolverConfigHandler returns the per-algorithm defaults and configured profiles
func (s *Server) SolverConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/solver/config" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	defaults := map[opt.Algorithm]opt.Options{}
	for _, a := range opt.Algorithms {
		defaults[a] = opt.DefaultOptions(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithms":    opt.Algorithms,
		"constructions": []opt.Construction{opt.ConstructionGreedy, opt.ConstructionRandomFill},
		"defaults":      defaults,
		"profiles":      s.Config.Profiles,
	})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "store: "+err.Error(), r.URL.Path)
		return
	}
	type pinger interface{ Ping(ctx context.Context) error }
	if b, ok := s.Broker.(pinger); ok {
		if err := b.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "broker: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// solveJob resolves instance, profile and callback of a solve request.
func (s *Server) solveJob(r *http.Request, req model.SolveRequest) (runs.Job, error) {
	_, tenant := s.withTenant(r)
	in, err := s.resolveInstance(r.Context(), tenant, req.InstanceID, req.Instance)
	if err != nil {
		return runs.Job{}, err
	}
	opts, err := s.Config.ResolveOptions(req.Profile, req.Options)
	if err != nil {
		return runs.Job{}, err
	}
	if err := validateCallback(req.CallbackURL); err != nil {
		return runs.Job{}, err
	}
	if req.CallbackSecret != "" && req.CallbackURL == "" {
		return runs.Job{}, fmt.Errorf("%w: callbackSecret without callbackUrl", errBadRequest)
	}
	return runs.Job{
		TenantID:       tenant,
		InstanceID:     req.InstanceID,
		Instance:       in,
		Options:        opts,
		CallbackURL:    req.CallbackURL,
		CallbackSecret: req.CallbackSecret,
	}, nil
}

func validStatus(s model.RunStatus) bool {
	switch s {
	case model.RunQueued, model.RunRunning, model.RunSucceeded, model.RunFailed:
		return true
	}
	return false
}
