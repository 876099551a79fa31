package store

import (
	"context"
	"errors"
	"time"

	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
)

// Store is the persistence interface used by the API server, the run
// executor and the callback worker.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, tenantID string, in opt.Instance) (model.InstanceRecord, error)
	GetInstance(ctx context.Context, tenantID, id string) (model.InstanceRecord, error)
	ListInstances(ctx context.Context, tenantID, cursor string, limit int) ([]model.InstanceRecord, string, error)

	// Runs
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	UpdateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, tenantID, id string) (model.Run, error)
	ListRuns(ctx context.Context, tenantID, instanceID, status, cursor string, limit int) ([]model.Run, string, error)

	// Callback deliveries
	EnqueueWebhook(ctx context.Context, tenantID, runID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]WebhookDelivery, error)

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}
