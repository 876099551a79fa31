// Package runs executes solver runs on a bounded pool and carries their
// lifecycle: persistence, progress fan-out, metrics and completion callbacks.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cvrpnav/internal/events"
	"cvrpnav/internal/metrics"
	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
	"cvrpnav/internal/store"
	"cvrpnav/internal/webhooks"
)

// progressInterval bounds how often progress is pushed to subscribers.
const progressInterval = 100 * time.Millisecond

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("runner closed")

// Job is one solve request with fully resolved options.
type Job struct {
	TenantID       string
	InstanceID     string
	Instance       opt.Instance
	Options        opt.Options
	CallbackURL    string
	CallbackSecret string
}

type Runner struct {
	Store    store.Store
	Broker   events.Broker
	Progress *events.ProgressCache
	Pub      *webhooks.Publisher
	Log      logrus.FieldLogger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Runner that executes at most maxConcurrent solves at once.
func New(s store.Store, b events.Broker, pc *events.ProgressCache, pub *webhooks.Publisher, maxConcurrent int, log logrus.FieldLogger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		Store:    s,
		Broker:   b,
		Progress: pc,
		Pub:      pub,
		Log:      log,
		sem:      make(chan struct{}, maxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Execute persists a run and solves it on the caller's goroutine. The returned
// run is terminal even when the solve error is non-nil.
func (r *Runner) Execute(ctx context.Context, job Job) (model.Run, opt.Result, error) {
	run, err := r.create(ctx, job)
	if err != nil {
		return model.Run{}, opt.Result{}, err
	}
	return r.execute(ctx, run, job)
}

// Submit persists a queued run and solves it in the background.
func (r *Runner) Submit(ctx context.Context, job Job) (model.Run, error) {
	if r.ctx.Err() != nil {
		return model.Run{}, ErrClosed
	}
	run, err := r.create(ctx, job)
	if err != nil {
		return model.Run{}, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _, _ = r.execute(r.ctx, run, job)
	}()
	return run, nil
}

// Close cancels background runs and waits for them to be recorded.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) create(ctx context.Context, job Job) (model.Run, error) {
	opts := job.Options.WithDefaults()
	opts.OnProgress = nil
	run, err := r.Store.CreateRun(ctx, model.Run{
		TenantID:    job.TenantID,
		InstanceID:  job.InstanceID,
		Algorithm:   opts.Algorithm,
		Status:      model.RunQueued,
		Options:     opts,
		CallbackURL: job.CallbackURL,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (r *Runner) execute(ctx context.Context, run model.Run, job Job) (model.Run, opt.Result, error) {
	log := r.logger().WithFields(logrus.Fields{"run_id": run.ID, "tenant": run.TenantID, "algorithm": run.Algorithm})
	// bookkeeping must survive a cancelled solve
	bg := context.WithoutCancel(ctx)

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return r.fail(bg, log, run, job.CallbackSecret, ctx.Err()), opt.Result{}, ctx.Err()
	}

	now := time.Now().UTC()
	run.Status = model.RunRunning
	run.StartedAt = &now
	if err := r.Store.UpdateRun(bg, run); err != nil {
		log.WithError(err).Warn("persist running state")
	}
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()
	log.Debug("run started")

	opts := job.Options
	every := rate.Sometimes{Interval: progressInterval}
	opts.OnProgress = func(p opt.Progress) {
		r.Progress.Upsert(run.TenantID, run.ID, p)
		every.Do(func() {
			r.Broker.Publish(run.ID, model.RunEvent{Type: model.EventRunProgress, RunID: run.ID, Progress: &p, TS: stamp()})
		})
	}
	defer r.Progress.Delete(run.TenantID, run.ID)

	res, err := opt.Solve(ctx, job.Instance, opts)
	if err != nil {
		return r.fail(bg, log, run, job.CallbackSecret, err), res, err
	}

	finished := time.Now().UTC()
	m := res.Metrics
	run.Status = model.RunSucceeded
	run.Cost = res.Cost
	run.Feasible = res.Verdict.Feasible
	run.Message = res.Verdict.Message
	run.Routes = res.Solution
	run.Metrics = &m
	run.ElapsedMs = res.Elapsed.Milliseconds()
	run.FinishedAt = &finished
	if job.Instance.OptimalValue != nil && run.Feasible {
		p := opt.Proximity(*job.Instance.OptimalValue, run.Cost)
		run.Proximity = &p
	}

	outcome := "feasible"
	if !run.Feasible {
		outcome = "infeasible"
	}
	algo := string(run.Algorithm)
	metrics.Runs.WithLabelValues(algo, outcome).Inc()
	metrics.SolveDuration.WithLabelValues(algo).Observe(res.Elapsed.Seconds())
	metrics.Iterations.WithLabelValues(algo).Add(float64(m.Iterations))
	metrics.RejectedCandidates.WithLabelValues(algo).Add(float64(m.Rejected))
	metrics.BestCost.WithLabelValues(algo).Set(m.BestCost)

	r.finish(bg, log, run, model.EventRunCompleted, job.CallbackSecret)
	log.WithFields(logrus.Fields{"cost": run.Cost, "feasible": run.Feasible, "iterations": m.Iterations, "elapsed_ms": run.ElapsedMs}).Info("run completed")
	return run, res, nil
}

func (r *Runner) fail(ctx context.Context, log logrus.FieldLogger, run model.Run, secret string, cause error) model.Run {
	now := time.Now().UTC()
	run.Status = model.RunFailed
	run.Error = cause.Error()
	run.FinishedAt = &now
	if run.StartedAt != nil {
		run.ElapsedMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	metrics.Runs.WithLabelValues(string(run.Algorithm), "error").Inc()
	r.finish(ctx, log, run, model.EventRunFailed, secret)
	log.WithError(cause).Warn("run failed")
	return run
}

// finish persists a terminal run, announces it and queues the callback.
func (r *Runner) finish(ctx context.Context, log logrus.FieldLogger, run model.Run, eventType, secret string) {
	if err := r.Store.UpdateRun(ctx, run); err != nil {
		log.WithError(err).Error("persist finished run")
	}
	r.Broker.Publish(run.ID, model.RunEvent{Type: eventType, RunID: run.ID, Run: &run, TS: stamp()})
	if run.CallbackURL == "" || r.Pub == nil {
		return
	}
	if _, err := r.Pub.Enqueue(ctx, run.TenantID, run.ID, eventType, run.CallbackURL, secret, run); err != nil {
		log.WithError(err).Error("enqueue run callback")
	}
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func stamp() string { return time.Now().UTC().Format(time.RFC3339) }
