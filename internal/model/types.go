package model

import (
	"time"

	"cvrpnav/internal/opt"
)

// Request/response types for the HTTP API plus persisted records.

type InstanceRecord struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenantId"`
	Name      string       `json:"name,omitempty"`
	Customers int          `json:"customers"`
	Instance  opt.Instance `json:"instance"`
	CreatedAt time.Time    `json:"createdAt"`
}

// InstanceSummary is the list view of an instance; it omits coordinates.
type InstanceSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Customers    int       `json:"customers"`
	Capacity     int       `json:"capacity"`
	Trucks       int       `json:"trucks,omitempty"`
	OptimalValue *float64  `json:"optimalValue,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (r InstanceRecord) Summary() InstanceSummary {
	return InstanceSummary{
		ID:           r.ID,
		Name:         r.Name,
		Customers:    r.Customers,
		Capacity:     r.Instance.Capacity,
		Trucks:       r.Instance.Trucks,
		OptimalValue: r.Instance.OptimalValue,
		CreatedAt:    r.CreatedAt,
	}
}

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions happen.
func (s RunStatus) Terminal() bool { return s == RunSucceeded || s == RunFailed }

type Run struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	InstanceID  string        `json:"instanceId,omitempty"`
	Algorithm   opt.Algorithm `json:"algorithm"`
	Status      RunStatus     `json:"status"`
	Options     opt.Options   `json:"options"`
	Cost        float64       `json:"cost"`
	Feasible    bool          `json:"feasible"`
	Message     string        `json:"message,omitempty"`
	Proximity   *float64      `json:"proximity,omitempty"`
	Routes      opt.Solution  `json:"routes,omitempty"`
	Metrics     *opt.Metrics  `json:"metrics,omitempty"`
	Error       string        `json:"error,omitempty"`
	CallbackURL string        `json:"callbackUrl,omitempty"`
	ElapsedMs   int64         `json:"elapsedMs"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	FinishedAt  *time.Time    `json:"finishedAt,omitempty"`
}

// SolveRequest starts a run over a stored instance (InstanceID) or an inline one.
type SolveRequest struct {
	InstanceID     string        `json:"instanceId,omitempty"`
	Instance       *opt.Instance `json:"instance,omitempty"`
	Profile        string        `json:"profile,omitempty"`
	Options        opt.Options   `json:"options"`
	CallbackURL    string        `json:"callbackUrl,omitempty"`
	CallbackSecret string        `json:"callbackSecret,omitempty"`
}

type VerifyRequest struct {
	InstanceID string        `json:"instanceId,omitempty"`
	Instance   *opt.Instance `json:"instance,omitempty"`
	Routes     opt.Solution  `json:"routes"`
}

type Violation struct {
	Kind     string `json:"kind"`
	Route    *int   `json:"route,omitempty"` // 1-based
	Node     *int   `json:"node,omitempty"`
	Load     int    `json:"load,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	Expected int    `json:"expected,omitempty"`
	Got      int    `json:"got,omitempty"`
	Missing  []int  `json:"missing,omitempty"`
}

type VerifyResponse struct {
	Feasible  bool       `json:"feasible"`
	Cost      float64    `json:"cost"`
	Message   string     `json:"message"`
	Proximity *float64   `json:"proximity,omitempty"`
	Violation *Violation `json:"violation,omitempty"`
}

type TrialsRequest struct {
	InstanceID  string        `json:"instanceId,omitempty"`
	Instance    *opt.Instance `json:"instance,omitempty"`
	Profile     string        `json:"profile,omitempty"`
	Options     opt.Options   `json:"options"`
	Trials      int           `json:"trials"`
	Parallelism int           `json:"parallelism,omitempty"`
}

type TrialsResponse struct {
	Algorithm opt.Algorithm `json:"algorithm"`
	Trials    []opt.Trial   `json:"trials"`
}

// RunEvent is published on a run's channel while it executes.
type RunEvent struct {
	Type     string        `json:"type"` // run.progress | run.completed | run.failed
	RunID    string        `json:"runId"`
	Progress *opt.Progress `json:"progress,omitempty"`
	Run      *Run          `json:"run,omitempty"`
	TS       string        `json:"ts"`
}

const (
	EventRunProgress  = "run.progress"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)
