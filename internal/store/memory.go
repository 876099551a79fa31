package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	instances  map[string]model.InstanceRecord // id -> instance
	instTen    map[string][]string             // tenant -> instance ids
	runs       map[string]model.Run            // id -> run
	runsTen    map[string][]string             // tenant -> run ids
	deliveries map[string]*WebhookDelivery     // id -> delivery state
	delivOrder []string                        // enqueue order
}

func NewMemory() *Memory {
	return &Memory{
		instances:  map[string]model.InstanceRecord{},
		instTen:    map[string][]string{},
		runs:       map[string]model.Run{},
		runsTen:    map[string][]string{},
		deliveries: map[string]*WebhookDelivery{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateInstance(ctx context.Context, tenantID string, in opt.Instance) (model.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := model.InstanceRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      in.Name,
		Customers: len(in.Customers()),
		Instance:  in,
		CreatedAt: time.Now().UTC(),
	}
	m.instances[rec.ID] = rec
	m.instTen[tenantID] = append(m.instTen[tenantID], rec.ID)
	return rec, nil
}

func (m *Memory) GetInstance(ctx context.Context, tenantID, id string) (model.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[id]
	if !ok || rec.TenantID != tenantID {
		return model.InstanceRecord{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) ListInstances(ctx context.Context, tenantID, cursor string, limit int) ([]model.InstanceRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = pageSize(limit)
	out := []model.InstanceRecord{}
	for _, id := range afterCursor(m.instTen[tenantID], cursor) {
		out = append(out, m.instances[id])
		if len(out) == limit {
			return out, id, nil
		}
	}
	return out, "", nil
}

func (m *Memory) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	m.runs[run.ID] = run
	m.runsTen[run.TenantID] = append(m.runsTen[run.TenantID], run.ID)
	return run, nil
}

func (m *Memory) UpdateRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok || cur.TenantID != run.TenantID {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.TenantID != tenantID {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

func (m *Memory) ListRuns(ctx context.Context, tenantID, instanceID, status, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = pageSize(limit)
	out := []model.Run{}
	for _, id := range afterCursor(m.runsTen[tenantID], cursor) {
		run := m.runs[id]
		if instanceID != "" && run.InstanceID != instanceID {
			continue
		}
		if status != "" && string(run.Status) != status {
			continue
		}
		out = append(out, run)
		if len(out) == limit {
			return out, id, nil
		}
	}
	return out, "", nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, runID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &WebhookDelivery{
		ID:            id,
		TenantID:      tenantID,
		RunID:         runID,
		EventType:     eventType,
		URL:           url,
		Secret:        secret,
		Payload:       payload,
		Status:        DeliveryPending,
		NextAttemptAt: time.Now(),
	}
	m.delivOrder = append(m.delivOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = pageSize(limit)
	out := []WebhookDelivery{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if d.TenantID != tenantID || (status != "" && d.Status != status) {
			continue
		}
		out = append(out, *d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// afterCursor returns the ids following cursor, or all ids for an empty or
// unknown cursor.
func afterCursor(ids []string, cursor string) []string {
	if cursor == "" {
		return ids
	}
	for i, id := range ids {
		if id == cursor {
			return ids[i+1:]
		}
	}
	return ids
}
