package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus/hooks/test"

	"cvrpnav/internal/events"
	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
	"cvrpnav/internal/store"
	"cvrpnav/internal/webhooks"
)

// recordingBroker keeps every published event.
type recordingBroker struct {
	*events.Memory
	mu     sync.Mutex
	events []model.RunEvent
}

func (b *recordingBroker) Publish(runID string, evt model.RunEvent) {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
	b.Memory.Publish(runID, evt)
}

func (b *recordingBroker) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func square() opt.Instance {
	optimal := 8.0
	return opt.Instance{
		Name:         "square",
		Nodes:        map[int]orb.Point{0: {0, 0}, 1: {1, 0}, 2: {2, 0}, 3: {0, 1}, 4: {0, 2}},
		Demands:      map[int]int{1: 10, 2: 10, 3: 10, 4: 10},
		Capacity:     20,
		Trucks:       2,
		OptimalValue: &optimal,
	}
}

func newTestRunner(t *testing.T, maxConcurrent int) (*Runner, *store.Memory, *recordingBroker) {
	t.Helper()
	st := store.NewMemory()
	br := &recordingBroker{Memory: events.NewMemory()}
	log, _ := test.NewNullLogger()
	r := New(st, br, events.NewProgressCache(), webhooks.NewPublisher(st), maxConcurrent, log)
	t.Cleanup(r.Close)
	return r, st, br
}

func TestExecuteSucceeds(t *testing.T) {
	r, st, br := newTestRunner(t, 1)
	job := Job{TenantID: "t1", Instance: square(), Options: opt.Options{Algorithm: opt.AlgorithmLocalSearch}}

	run, res, err := r.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != model.RunSucceeded || !run.Feasible || run.Cost != 8 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if res.Cost != run.Cost || len(run.Routes) != 2 {
		t.Fatalf("result and run disagree: %+v vs %+v", res, run)
	}
	if run.Proximity == nil || *run.Proximity != 0 {
		t.Fatalf("expected proximity 0, got %v", run.Proximity)
	}
	stored, err := st.GetRun(context.Background(), "t1", run.ID)
	if err != nil || stored.Status != model.RunSucceeded || stored.FinishedAt == nil {
		t.Fatalf("stored run not terminal: %+v (%v)", stored, err)
	}
	types := br.types()
	if len(types) == 0 || types[len(types)-1] != model.EventRunCompleted {
		t.Fatalf("expected run.completed last, got %v", types)
	}
	if _, ok := r.Progress.Get("t1", run.ID); ok {
		t.Fatal("progress should be dropped once the run finishes")
	}
}

func TestExecuteRecordsSolverError(t *testing.T) {
	r, _, br := newTestRunner(t, 1)
	in := square()
	in.Trucks = 1 // total demand needs two trucks, so annealing has no feasible start
	job := Job{TenantID: "t1", Instance: in, Options: opt.Options{Algorithm: opt.AlgorithmAnnealing}}

	run, _, err := r.Execute(context.Background(), job)
	if !errors.Is(err, opt.ErrInfeasibleStart) {
		t.Fatalf("expected ErrInfeasibleStart, got %v", err)
	}
	if run.Status != model.RunFailed || run.Error == "" {
		t.Fatalf("expected failed run, got %+v", run)
	}
	types := br.types()
	if types[len(types)-1] != model.EventRunFailed {
		t.Fatalf("expected run.failed last, got %v", types)
	}
}

func TestSubmitEnqueuesCallback(t *testing.T) {
	r, st, _ := newTestRunner(t, 2)
	job := Job{
		TenantID:       "t1",
		Instance:       square(),
		Options:        opt.Options{Algorithm: opt.AlgorithmTabu, MaxIterations: 20},
		CallbackURL:    "http://example.invalid/hook",
		CallbackSecret: "s3cret",
	}
	run, err := r.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != model.RunQueued {
		t.Fatalf("submitted run should be queued, got %s", run.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.GetRun(context.Background(), "t1", run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != model.RunSucceeded {
				t.Fatalf("run failed: %s", got.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ds, err := st.ListWebhookDeliveries(context.Background(), "t1", "", 10)
	if err != nil || len(ds) != 1 {
		t.Fatalf("expected one delivery, got %d (%v)", len(ds), err)
	}
	if ds[0].EventType != model.EventRunCompleted || ds[0].RunID != run.ID || ds[0].Secret != "s3cret" {
		t.Fatalf("unexpected delivery: %+v", ds[0])
	}
}

func TestSubmitAfterClose(t *testing.T) {
	r, _, _ := newTestRunner(t, 1)
	r.Close()
	_, err := r.Submit(context.Background(), Job{TenantID: "t1", Instance: square()})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExecuteCancelledWhileQueued(t *testing.T) {
	r, _, _ := newTestRunner(t, 1)
	r.sem <- struct{}{} // occupy the only slot
	defer func() { <-r.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, _, err := r.Execute(ctx, Job{TenantID: "t1", Instance: square(), Options: opt.Options{Algorithm: opt.AlgorithmLocalSearch}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.Status != model.RunFailed || run.StartedAt != nil {
		t.Fatalf("expected failure before start, got %+v", run)
	}
}
