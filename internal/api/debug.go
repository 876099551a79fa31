package api

import (
	"net/http"
	"sort"
	"time"

	"cvrpnav/internal/buildinfo"
)

// DebugJSON reports build info and the effective, non-secret configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	profiles := make([]string, 0, len(s.Config.Profiles))
	for name := range s.Config.Profiles {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                  s.Config.Port,
			"RATE_RPS":              s.Config.RateRPS,
			"RATE_BURST":            s.Config.RateBurst,
			"MAX_CONCURRENT_RUNS":   s.Config.MaxConcurrentRuns,
			"CALLBACK_MAX_ATTEMPTS": s.Config.CallbackMaxAttempts,
			"LOG_LEVEL":             s.Config.LogLevel,
			"HAS_DATABASE_URL":      s.Config.DatabaseURL != "",
			"HAS_REDIS_URL":         s.Config.RedisURL != "",
			"PROFILES":              profiles,
		},
	})
}
