package opt

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Trial is one independent solve of a trial batch.
type Trial struct {
	Index     int           `json:"index"`
	Seed      int64         `json:"seed"`
	Cost      float64       `json:"cost"`
	Feasible  bool          `json:"feasible"`
	Message   string        `json:"message"`
	Proximity *float64      `json:"proximity,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RunTrials solves the instance n times with seeds derived from opts.Seed and
// re-verifies every result on its own. Trial i always gets the same seed, so
// results do not depend on parallelism. Proximity is set when the instance
// carries an optimal value.
func RunTrials(ctx context.Context, in Instance, opts Options, n, parallelism int) ([]Trial, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: trials must be >= 1", ErrInvalidOptions)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	opts = opts.WithDefaults()
	opts.OnProgress = nil

	out := make([]Trial, n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			o := opts
			o.Seed = DeriveSeed(opts.Seed, uint64(i))
			res, err := Solve(ctx, in, o)
			if err != nil {
				return fmt.Errorf("trial %d: %w", i, err)
			}
			v := Verify(in, res.Solution)
			t := Trial{
				Index:    i,
				Seed:     o.Seed,
				Cost:     v.Cost,
				Feasible: v.Feasible,
				Message:  v.Message,
				Elapsed:  res.Elapsed,
			}
			if in.OptimalValue != nil && v.Feasible {
				p := Proximity(*in.OptimalValue, v.Cost)
				t.Proximity = &p
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
