// Package config reads process configuration from the environment, an
// optional .env file and an optional YAML file of named solver profiles.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cvrpnav/internal/opt"
)

var ErrUnknownProfile = errors.New("unknown solver profile")

type Config struct {
	Port                string
	DatabaseURL         string
	DBMigrate           bool
	RedisURL            string
	RateRPS             float64 // 0 disables rate limiting
	RateBurst           int
	MaxConcurrentRuns   int
	CallbackMaxAttempts int
	LogLevel            string
	LogFormat           string
	ProfilesPath        string
	AuthMode            string // dev or hmac
	AuthHMACSecret      string
	AuthTenantClaim     string

	Profiles map[string]opt.Options
}

// Load reads .env from the working directory when present, then the
// environment, then the profiles file named by SOLVER_PROFILES.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a getenv function.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Config{
		Port:                "8080",
		DBMigrate:           true,
		RateBurst:           20,
		MaxConcurrentRuns:   4,
		CallbackMaxAttempts: 10,
		LogLevel:            "info",
		LogFormat:           "text",
		AuthMode:            "dev",
		AuthTenantClaim:     "tenant",
		Profiles:            map[string]opt.Options{},
	}
	if v := getenv("PORT"); v != "" {
		c.Port = v
	}
	c.DatabaseURL = strings.TrimSpace(getenv("DATABASE_URL"))
	c.RedisURL = strings.TrimSpace(getenv("REDIS_URL"))
	if v := getenv("DB_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("DB_MIGRATE: %w", err)
		}
		c.DBMigrate = b
	}
	if v := getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return c, fmt.Errorf("RATE_RPS: want a non-negative number, got %q", v)
		}
		c.RateRPS = f
	}
	for _, iv := range []struct {
		name string
		dst  *int
	}{
		{"RATE_BURST", &c.RateBurst},
		{"MAX_CONCURRENT_RUNS", &c.MaxConcurrentRuns},
		{"CALLBACK_MAX_ATTEMPTS", &c.CallbackMaxAttempts},
	} {
		v := getenv(iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, fmt.Errorf("%s: want a positive integer, got %q", iv.name, v)
		}
		*iv.dst = n
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := getenv("AUTH_MODE"); v != "" {
		c.AuthMode = strings.ToLower(v)
	}
	c.AuthHMACSecret = getenv("AUTH_HMAC_SECRET")
	if v := getenv("AUTH_TENANT_CLAIM"); v != "" {
		c.AuthTenantClaim = v
	}
	if c.ProfilesPath = getenv("SOLVER_PROFILES"); c.ProfilesPath != "" {
		profiles, err := LoadProfiles(c.ProfilesPath)
		if err != nil {
			return c, err
		}
		c.Profiles = profiles
	}
	return c, nil
}

type profilesFile struct {
	Profiles map[string]opt.Options `yaml:"profiles"`
}

// LoadProfiles parses a YAML document of the form
//
//	profiles:
//	  quick-tabu:
//	    algorithm: tabu
//	    maxIterations: 200
//
// Each profile is completed with the defaults of its algorithm and validated.
func LoadProfiles(path string) (map[string]opt.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(b)
}

func ParseProfiles(b []byte) (map[string]opt.Options, error) {
	var f profilesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	out := make(map[string]opt.Options, len(f.Profiles))
	for name, o := range f.Profiles {
		o = o.WithDefaults()
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		out[name] = o
	}
	return out, nil
}

// ResolveOptions starts from the named profile (or the algorithm defaults when
// profile is empty) and applies every non-zero field of o on top.
func (c Config) ResolveOptions(profile string, o opt.Options) (opt.Options, error) {
	var base opt.Options
	if profile != "" {
		p, ok := c.Profiles[profile]
		if !ok {
			return opt.Options{}, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
		}
		base = p
	} else {
		algo := o.Algorithm
		if algo == "" {
			algo = opt.AlgorithmLocalSearch
		}
		base = opt.DefaultOptions(algo)
	}
	merged := overlay(base, o)
	if err := merged.Validate(); err != nil {
		return opt.Options{}, err
	}
	return merged, nil
}

func overlay(base, o opt.Options) opt.Options {
	if o.Algorithm != "" && o.Algorithm != base.Algorithm {
		// switching engine drops the engine-specific profile tuning
		base = opt.DefaultOptions(o.Algorithm)
	}
	if o.Seed != 0 {
		base.Seed = o.Seed
	}
	if o.MaxIterations != 0 {
		base.MaxIterations = o.MaxIterations
	}
	if o.NeighborhoodSize != 0 {
		base.NeighborhoodSize = o.NeighborhoodSize
	}
	if o.TabuTenure != 0 {
		base.TabuTenure = o.TabuTenure
	}
	if o.TabuBatch != 0 {
		base.TabuBatch = o.TabuBatch
	}
	if o.InitialTemp != 0 {
		base.InitialTemp = o.InitialTemp
	}
	if o.FinalTemp != 0 {
		base.FinalTemp = o.FinalTemp
	}
	if o.Alpha != 0 {
		base.Alpha = o.Alpha
	}
	if o.Construction != "" {
		base.Construction = o.Construction
	}
	if o.Workers != 0 {
		base.Workers = o.Workers
	}
	if o.TwoOpt {
		base.TwoOpt = true
	}
	return base
}
