// Package config loads process configuration from the environment, after
// reading an optional .env file.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/vijaythecoder/fintool-sub003/internal/storage"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
)

const (
	DefaultHTTPPort      = "8080"
	DefaultSweepSchedule = "*/5 * * * *"
	DefaultAlertExchange = "reconflow.alerts"
)

type Config struct {
	// DBConnStr is empty when the DB_* variables are incomplete.
	DBConnStr     string
	LogLevel      string
	HTTPPort      string
	Threshold     float64
	Workflow      service.Config
	StallAfter    time.Duration
	SweepSchedule string
	RedisAddr     string
	RabbitURL     string
	AlertExchange string
	Workers       int
}

// Load reads .env if present, then the environment. Malformed values are
// errors; unset values take their defaults.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrap(err, "failed to load .env")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which has the shape of os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		LogLevel:      "INFO",
		HTTPPort:      DefaultHTTPPort,
		Threshold:     service.DefaultConfidenceThreshold,
		Workflow:      service.DefaultConfig(),
		StallAfter:    service.DefaultStallThreshold,
		SweepSchedule: DefaultSweepSchedule,
		AlertExchange: DefaultAlertExchange,
		Workers:       runtime.NumCPU(),
	}
	if connStr, err := storage.ConnStringFromLookup(lookup); err == nil {
		cfg.DBConnStr = connStr
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &cfg.LogLevel)
	str("HTTP_PORT", &cfg.HTTPPort)
	str("SWEEP_SCHEDULE", &cfg.SweepSchedule)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("RABBITMQ_URL", &cfg.RabbitURL)
	str("ALERT_EXCHANGE", &cfg.AlertExchange)

	var err error
	if v, ok := lookup("CONFIDENCE_THRESHOLD"); ok && v != "" {
		if cfg.Threshold, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, errors.Wrapf(err, "invalid CONFIDENCE_THRESHOLD %q", v)
		}
		if cfg.Threshold <= 0 || cfg.Threshold > 1 {
			return Config{}, errors.Errorf("CONFIDENCE_THRESHOLD must be in (0, 1], got %v", cfg.Threshold)
		}
	}
	if v, ok := lookup("FAILURE_RATE_THRESHOLD"); ok && v != "" {
		if cfg.Workflow.FailureRateThreshold, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, errors.Wrapf(err, "invalid FAILURE_RATE_THRESHOLD %q", v)
		}
	}
	if v, ok := lookup("HUMAN_REVIEW_BYPASS"); ok && v != "" {
		if cfg.Workflow.HumanReviewBypass, err = strconv.ParseBool(v); err != nil {
			return Config{}, errors.Wrapf(err, "invalid HUMAN_REVIEW_BYPASS %q", v)
		}
	}
	if v, ok := lookup("STEP_TIMEOUT"); ok && v != "" {
		if cfg.Workflow.StepTimeout, err = positiveDuration(v); err != nil {
			return Config{}, errors.Wrap(err, "invalid STEP_TIMEOUT")
		}
	}
	if v, ok := lookup("STALL_THRESHOLD"); ok && v != "" {
		if cfg.StallAfter, err = positiveDuration(v); err != nil {
			return Config{}, errors.Wrap(err, "invalid STALL_THRESHOLD")
		}
	}
	if v, ok := lookup("RUNNER_WORKERS"); ok && v != "" {
		if cfg.Workers, err = strconv.Atoi(v); err != nil || cfg.Workers <= 0 {
			return Config{}, errors.Errorf("invalid RUNNER_WORKERS %q", v)
		}
	}
	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return Config{}, errors.Wrapf(err, "invalid SWEEP_SCHEDULE %q", cfg.SweepSchedule)
	}
	return cfg, nil
}

func positiveDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.Errorf("%q is not positive", v)
	}
	return d, nil
}
