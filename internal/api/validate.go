package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"

	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
)

const maxTrials = 1000

var errBadRequest = errors.New("bad request")

// resolveInstance returns the stored instance named by id or the inline one.
// Exactly one must be given; the result is validated.
func (s *Server) resolveInstance(ctx context.Context, tenant, id string, inline *opt.Instance) (opt.Instance, error) {
	var in opt.Instance
	switch {
	case id != "" && inline != nil:
		return in, fmt.Errorf("%w: give either instanceId or instance, not both", errBadRequest)
	case id != "":
		rec, err := s.Store.GetInstance(ctx, tenant, id)
		if err != nil {
			return in, err
		}
		in = rec.Instance
	case inline != nil:
		in = *inline
	default:
		return in, fmt.Errorf("%w: instanceId or instance is required", errBadRequest)
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

func validateCallback(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: callbackUrl must be an absolute http(s) URL", errBadRequest)
	}
	return nil
}

// validateTrialsRequest checks bounds and fills in the parallelism default.
func validateTrialsRequest(req *model.TrialsRequest) error {
	if req.Trials < 1 || req.Trials > maxTrials {
		return fmt.Errorf("%w: trials must be in [1,%d]", errBadRequest, maxTrials)
	}
	if req.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must be >= 0", errBadRequest)
	}
	if req.Parallelism == 0 {
		req.Parallelism = 1
	}
	req.Parallelism = min(req.Parallelism, req.Trials, runtime.GOMAXPROCS(0))
	return nil
}
