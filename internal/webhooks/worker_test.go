package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"cvrpnav/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
	Next          *time.Time
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError, Next: nextAttemptAt})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func newTestWorker(s store.Store, maxAttempts int, client *http.Client) *Worker {
	log, _ := test.NewNullLogger()
	w := NewWorker(s, maxAttempts, log)
	w.HTTP = client
	return w
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, 3, srv.Client())
	pub := NewPublisher(rs)
	id, err := pub.Enqueue(context.Background(), "t1", "run1", "run.completed", srv.URL, "secret", map[string]any{"cost": 8})
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != "run.completed" {
		t.Fatalf("missing event type header: %q", gotType)
	}
	if err := Verify("secret", gotSig, gotBody, time.Minute, time.Now()); err != nil {
		t.Fatalf("signature %q does not verify: %v", gotSig, err)
	}
	var evt Event
	if err := json.Unmarshal(gotBody, &evt); err != nil || evt.Type != "run.completed" || evt.TenantID != "t1" {
		t.Fatalf("bad envelope: %s (%v)", gotBody, err)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, 3, srv.Client())
	id, _ := rs.Memory.EnqueueWebhook(context.Background(), "t1", "run1", "run.completed", srv.URL, "", []byte(`{}`))

	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].Code != 500 || rs.marks[0].Next == nil {
		t.Fatalf("expected one scheduled retry, got %+v", rs.marks)
	}

	// make the retry due now; this direct mark counts as the second attempt
	now := time.Now().Add(-time.Second)
	_ = rs.Memory.MarkWebhookDelivery(context.Background(), id, false, &now, "", 500, 0)
	w.processOnce()
	if len(rs.fails) != 1 || rs.fails[0].ID != id {
		t.Fatalf("expected permanent failure, got %+v", rs.fails)
	}
}

func TestWorkerUnreachable(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, 1, &http.Client{Timeout: 200 * time.Millisecond})
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "t1", "", "run.completed", "http://127.0.0.1:1/hook", "", []byte(`{}`))
	w.processOnce()
	if len(rs.fails) != 1 || rs.fails[0].LastErr == "" {
		t.Fatalf("expected failure with error text, got %+v", rs.fails)
	}
}

func TestNextBackoff(t *testing.T) {
	if nextBackoff(-1) != time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatalf("unexpected backoff progression")
	}
	if nextBackoff(50) != 1024*time.Second {
		t.Fatalf("backoff should cap at 2^10 seconds")
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	ts := time.Unix(1700000000, 0)
	h := Sign("k", ts, body)
	if !strings.HasPrefix(h, "t=1700000000,v1=") {
		t.Fatalf("unexpected header %q", h)
	}
	if err := Verify("k", h, body, time.Minute, ts.Add(30*time.Second)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify("other", h, body, 0, ts); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong secret: got %v", err)
	}
	if err := Verify("k", h, []byte(`{}`), 0, ts); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body: got %v", err)
	}
	if err := Verify("k", h, body, time.Minute, ts.Add(time.Hour)); !errors.Is(err, ErrStaleSignature) {
		t.Fatalf("stale: got %v", err)
	}
	if err := Verify("k", "v1=abc", body, 0, ts); !errors.Is(err, ErrMalformedSigHead) {
		t.Fatalf("malformed: got %v", err)
	}
}
