package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) CreateInstance(ctx context.Context, tenantID string, in opt.Instance) (model.InstanceRecord, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return model.InstanceRecord{}, err
	}
	rec := model.InstanceRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      in.Name,
		Customers: len(in.Customers()),
		Instance:  in,
	}
	err = p.db.QueryRowContext(ctx, `INSERT INTO instances (id, tenant_id, name, customers, data) VALUES ($1,$2,$3,$4,$5) RETURNING created_at`,
		rec.ID, tenantID, nullIfEmpty(in.Name), rec.Customers, data).Scan(&rec.CreatedAt)
	if err != nil {
		return model.InstanceRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) GetInstance(ctx context.Context, tenantID, id string) (model.InstanceRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, tenant_id, COALESCE(name,''), customers, data, created_at FROM instances WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	rec, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (p *Postgres) ListInstances(ctx context.Context, tenantID, cursor string, limit int) ([]model.InstanceRecord, string, error) {
	limit = pageSize(limit)
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(name,''), customers, data, created_at FROM instances WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(name,''), customers, data, created_at FROM instances WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.InstanceRecord{}
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (model.InstanceRecord, error) {
	var rec model.InstanceRecord
	var data []byte
	if err := s.Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.Customers, &data, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec.Instance); err != nil {
		return rec, fmt.Errorf("decode instance %s: %w", rec.ID, err)
	}
	return rec, nil
}

const runColumns = `id::text, tenant_id, COALESCE(instance_id,''), algorithm, status, options, cost, feasible, COALESCE(message,''), proximity, routes, metrics, COALESCE(error,''), COALESCE(callback_url,''), elapsed_ms, created_at, started_at, finished_at`

func (p *Postgres) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	options, routes, metrics, err := encodeRun(run)
	if err != nil {
		return model.Run{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO runs (id, tenant_id, instance_id, algorithm, status, options, cost, feasible, message, proximity, routes, metrics, error, callback_url, elapsed_ms, created_at, started_at, finished_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		run.ID, run.TenantID, nullIfEmpty(run.InstanceID), string(run.Algorithm), string(run.Status), options, run.Cost, run.Feasible,
		nullIfEmpty(run.Message), run.Proximity, routes, metrics, nullIfEmpty(run.Error), nullIfEmpty(run.CallbackURL), run.ElapsedMs,
		run.CreatedAt, run.StartedAt, run.FinishedAt)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, run model.Run) error {
	options, routes, metrics, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status=$3, options=$4, cost=$5, feasible=$6, message=$7, proximity=$8, routes=$9, metrics=$10, error=$11, elapsed_ms=$12, started_at=$13, finished_at=$14
        WHERE tenant_id=$1 AND id::text=$2`,
		run.TenantID, run.ID, string(run.Status), options, run.Cost, run.Feasible, nullIfEmpty(run.Message), run.Proximity,
		routes, metrics, nullIfEmpty(run.Error), run.ElapsedMs, run.StartedAt, run.FinishedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

func (p *Postgres) ListRuns(ctx context.Context, tenantID, instanceID, status, cursor string, limit int) ([]model.Run, string, error) {
	limit = pageSize(limit)
	q := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id=$1`
	args := []any{tenantID}
	if instanceID != "" {
		args = append(args, instanceID)
		q += fmt.Sprintf(` AND instance_id=$%d`, len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func encodeRun(run model.Run) (options, routes, metrics []byte, err error) {
	if options, err = json.Marshal(run.Options); err != nil {
		return nil, nil, nil, err
	}
	if run.Routes != nil {
		if routes, err = json.Marshal(run.Routes); err != nil {
			return nil, nil, nil, err
		}
	}
	if run.Metrics != nil {
		if metrics, err = json.Marshal(run.Metrics); err != nil {
			return nil, nil, nil, err
		}
	}
	return options, routes, metrics, nil
}

func scanRun(s scanner) (model.Run, error) {
	var run model.Run
	var algo, status string
	var options, routes, metrics []byte
	var proximity sql.NullFloat64
	var started, finished sql.NullTime
	err := s.Scan(&run.ID, &run.TenantID, &run.InstanceID, &algo, &status, &options, &run.Cost, &run.Feasible, &run.Message,
		&proximity, &routes, &metrics, &run.Error, &run.CallbackURL, &run.ElapsedMs, &run.CreatedAt, &started, &finished)
	if err != nil {
		return run, err
	}
	run.Algorithm = opt.Algorithm(algo)
	run.Status = model.RunStatus(status)
	if proximity.Valid {
		v := proximity.Float64
		run.Proximity = &v
	}
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &run.Options); err != nil {
			return run, fmt.Errorf("decode run options: %w", err)
		}
	}
	if len(routes) > 0 {
		if err := json.Unmarshal(routes, &run.Routes); err != nil {
			return run, fmt.Errorf("decode run routes: %w", err)
		}
	}
	if len(metrics) > 0 {
		var m opt.Metrics
		if err := json.Unmarshal(metrics, &m); err != nil {
			return run, fmt.Errorf("decode run metrics: %w", err)
		}
		run.Metrics = &m
	}
	return run, nil
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, runID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, run_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, nullIfEmpty(runID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(run_id,''), event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id::text=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id::text=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]WebhookDelivery, error) {
	limit = pageSize(limit)
	q := `SELECT id::text, tenant_id, COALESCE(run_id,''), event_type, url, status, attempts, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), delivered_at
        FROM webhook_deliveries WHERE tenant_id=$1`
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, q+` AND status=$2 ORDER BY created_at LIMIT $3`, tenantID, status, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY created_at LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var delivered sql.NullTime
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.EventType, &d.URL, &d.Status, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			d.DeliveredAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// computeDedupKey uses the payload's "id" when present so that re-enqueueing
// the same event is a no-op, and a short content hash otherwise.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
