package opt

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Algorithm names a search engine.
type Algorithm string

const (
	AlgorithmLocalSearch Algorithm = "local-search"
	AlgorithmTabu        Algorithm = "tabu"
	AlgorithmAnnealing   Algorithm = "annealing"
)

// Algorithms lists every engine Solve accepts.
var Algorithms = []Algorithm{AlgorithmLocalSearch, AlgorithmTabu, AlgorithmAnnealing}

// Options tunes one solve. Fields an engine does not use are ignored.
type Options struct {
	Algorithm        Algorithm    `json:"algorithm" yaml:"algorithm"`
	Seed             int64        `json:"seed,omitempty" yaml:"seed"`
	MaxIterations    int          `json:"maxIterations,omitempty" yaml:"maxIterations"`
	NeighborhoodSize int          `json:"neighborhoodSize,omitempty" yaml:"neighborhoodSize"`
	TabuTenure       int          `json:"tabuTenure,omitempty" yaml:"tabuTenure"`
	TabuBatch        int          `json:"tabuBatch,omitempty" yaml:"tabuBatch"`
	InitialTemp      float64      `json:"initialTemp,omitempty" yaml:"initialTemp"`
	FinalTemp        float64      `json:"finalTemp,omitempty" yaml:"finalTemp"`
	Alpha            float64      `json:"alpha,omitempty" yaml:"alpha"`
	Construction     Construction `json:"construction,omitempty" yaml:"construction"`
	Workers          int          `json:"workers,omitempty" yaml:"workers"`
	TwoOpt           bool         `json:"twoOpt,omitempty" yaml:"twoOpt"`

	OnProgress func(Progress) `json:"-" yaml:"-"`
}

// DefaultOptions returns the stock tuning for an algorithm. Simulated
// annealing starts from a random fill; the other engines start greedy.
func DefaultOptions(algo Algorithm) Options {
	o := Options{
		Algorithm:        algo,
		Seed:             defaultSeed,
		NeighborhoodSize: 30,
		TabuTenure:       20,
		TabuBatch:        10,
		InitialTemp:      1000,
		FinalTemp:        5,
		Alpha:            0.99,
		Construction:     ConstructionGreedy,
		Workers:          1,
	}
	switch algo {
	case AlgorithmTabu:
		o.MaxIterations = 1000
	case AlgorithmAnnealing:
		o.MaxIterations = 100
		o.Construction = ConstructionRandomFill
	default:
		o.MaxIterations = 100
	}
	return o
}

// WithDefaults fills zero fields from DefaultOptions(o.Algorithm).
func (o Options) WithDefaults() Options {
	d := DefaultOptions(o.Algorithm)
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.NeighborhoodSize == 0 {
		o.NeighborhoodSize = d.NeighborhoodSize
	}
	if o.TabuTenure == 0 {
		o.TabuTenure = d.TabuTenure
	}
	if o.TabuBatch == 0 {
		o.TabuBatch = d.TabuBatch
	}
	if o.InitialTemp == 0 {
		o.InitialTemp = d.InitialTemp
	}
	if o.FinalTemp == 0 {
		o.FinalTemp = d.FinalTemp
	}
	if o.Alpha == 0 {
		o.Alpha = d.Alpha
	}
	if o.Construction == "" {
		o.Construction = d.Construction
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	return o
}

// Validate rejects option sets no engine can run with. Every error wraps ErrInvalidOptions.
func (o Options) Validate() error {
	switch o.Algorithm {
	case AlgorithmLocalSearch, AlgorithmTabu, AlgorithmAnnealing:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidOptions, o.Algorithm)
	}
	switch o.Construction {
	case ConstructionGreedy, ConstructionRandomFill:
	default:
		return fmt.Errorf("%w: unknown construction %q", ErrInvalidOptions, o.Construction)
	}
	if o.MaxIterations < 1 {
		return fmt.Errorf("%w: maxIterations must be >= 1", ErrInvalidOptions)
	}
	if o.NeighborhoodSize < 1 || o.TabuBatch < 1 {
		return fmt.Errorf("%w: batch sizes must be >= 1", ErrInvalidOptions)
	}
	if o.TabuTenure < 0 {
		return fmt.Errorf("%w: tabuTenure must be >= 0", ErrInvalidOptions)
	}
	if o.Algorithm == AlgorithmAnnealing {
		if o.Alpha <= 0 || o.Alpha >= 1 {
			return fmt.Errorf("%w: alpha must be in (0,1), got %v", ErrInvalidOptions, o.Alpha)
		}
		if o.FinalTemp <= 0 || o.InitialTemp < o.FinalTemp {
			return fmt.Errorf("%w: need 0 < finalTemp <= initialTemp", ErrInvalidOptions)
		}
	}
	if o.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1", ErrInvalidOptions)
	}
	return nil
}

// Progress is reported once per iteration (per temperature level for annealing).
type Progress struct {
	Iteration   int     `json:"iteration"`
	CurrentCost float64 `json:"currentCost"`
	BestCost    float64 `json:"bestCost"`
	Temperature float64 `json:"temperature,omitempty"`
}

type Metrics struct {
	Iterations       int     `json:"iterations"`
	Evaluations      int     `json:"evaluations"`
	Improvements     int     `json:"improvements"`
	AcceptedWorse    int     `json:"acceptedWorse"`
	Rejected         int     `json:"rejected"`
	InitialCost      float64 `json:"initialCost"`
	BestCost         float64 `json:"bestCost"`
	FinalTemperature float64 `json:"finalTemperature,omitempty"`
}

// Result is the outcome of Solve. Verdict is the verifier's judgement of
// Solution; an infeasible verdict is a result, not an error.
type Result struct {
	Algorithm Algorithm     `json:"algorithm"`
	Solution  Solution      `json:"solution"`
	Cost      float64       `json:"cost"`
	Verdict   Verdict       `json:"-"`
	Metrics   Metrics       `json:"metrics"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Solve constructs a seed solution, improves it with the selected engine and
// verifies the outcome. Only configuration problems and cancellation are
// returned as errors.
func Solve(ctx context.Context, in Instance, opts Options) (Result, error) {
	start := time.Now()
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	s := &search{
		in:   in,
		dm:   NewDistanceMatrix(in),
		opts: opts,
		rng:  newRNG(opts.Seed),
	}
	initial, err := s.start()
	if err != nil {
		return Result{}, err
	}

	var best Solution
	switch opts.Algorithm {
	case AlgorithmLocalSearch:
		best, err = s.localSearch(ctx, initial)
	case AlgorithmTabu:
		best, err = s.tabu(ctx, initial)
	case AlgorithmAnnealing:
		best, err = s.anneal(ctx, initial)
	}
	if err != nil {
		return Result{}, err
	}
	if opts.TwoOpt {
		best = PolishRoutes(best, s.dm)
	}

	v := Verify(in, best)
	s.metrics.BestCost = s.dm.Cost(best)
	return Result{
		Algorithm: opts.Algorithm,
		Solution:  best,
		Cost:      v.Cost,
		Verdict:   v,
		Metrics:   s.metrics,
		Elapsed:   time.Since(start),
	}, nil
}

// search is the per-solve state shared by the engines.
type search struct {
	in      Instance
	dm      *DistanceMatrix
	opts    Options
	rng     *rand.Rand
	metrics Metrics

	adopted func(iter int, sig Signature) // called on each tabu adoption when set
}

// maxStartShuffles bounds how many random fills are drawn before falling back
// to the greedy constructor.
const maxStartShuffles = 32

// start builds the seed solution. A random fill that opens more routes than
// Trucks is redrawn from the same stream, then greedy is tried; the last
// construction is returned as is when none verifies, and the engine decides
// whether that is fatal.
func (s *search) start() (Solution, error) {
	sol, err := Construct(s.in, s.opts.Construction, s.rng)
	if err != nil || Verify(s.in, sol).Feasible {
		return sol, err
	}
	if s.opts.Construction == ConstructionRandomFill {
		for i := 1; i < maxStartShuffles; i++ {
			next, err := ConstructRandomFill(s.in, s.rng)
			if err != nil {
				return nil, err
			}
			if Verify(s.in, next).Feasible {
				return next, nil
			}
		}
		greedy, err := ConstructGreedy(s.in)
		if err != nil {
			return nil, err
		}
		sol = greedy
	}
	return sol, nil
}

// costs evaluates candidates on up to opts.Workers goroutines. Each worker
// writes only its own slot; Wait is the barrier.
func (s *search) costs(ctx context.Context, cands []Candidate) ([]float64, error) {
	out := make([]float64, len(cands))
	s.metrics.Evaluations += len(cands)
	if s.opts.Workers <= 1 || len(cands) < 2 {
		for i, c := range cands {
			out[i] = s.dm.Cost(c.Solution)
		}
		return out, nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(min(s.opts.Workers, runtime.GOMAXPROCS(0)))
	for i, c := range cands {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = s.dm.Cost(c.Solution)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *search) report(p Progress) {
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
}
