package reliability

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config bundles the activity retry policy with the breaker and limiter
// settings used around outbound calls.
type Config struct {
	Activity            RetryPolicy
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadConfigFromEnv reads ORDER_* overrides on top of DefaultActivityPolicy.
// Unset variables keep their defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Activity:            DefaultActivityPolicy(),
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 2 * time.Second,
	}
	var err error

	if err = parseDuration("ORDER_RETRY_INITIAL_INTERVAL", &cfg.Activity.InitialInterval); err != nil {
		return cfg, err
	}
	if err = parseFloat("ORDER_RETRY_BACKOFF_COEFFICIENT", &cfg.Activity.BackoffCoefficient); err != nil {
		return cfg, err
	}
	if cfg.Activity.BackoffCoefficient < 1 {
		return cfg, errors.New("ORDER_RETRY_BACKOFF_COEFFICIENT must be >= 1")
	}
	if err = parseDuration("ORDER_RETRY_MAX_INTERVAL", &cfg.Activity.MaxInterval); err != nil {
		return cfg, err
	}
	if err = parseInt("ORDER_RETRY_MAX_ATTEMPTS", &cfg.Activity.MaxAttempts); err != nil {
		return cfg, err
	}
	if err = parseDuration("ORDER_ACTIVITY_START_TO_CLOSE", &cfg.Activity.StartToCloseTimeout); err != nil {
		return cfg, err
	}
	if err = parseDuration("ORDER_ACTIVITY_SCHEDULE_TO_CLOSE", &cfg.Activity.ScheduleToCloseTimeout); err != nil {
		return cfg, err
	}
	if err = parseInt("ORDER_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if err = parseDuration("ORDER_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if err = parseDuration("ORDER_RATE_LIMIT_INTERVAL", &cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if err = parseInt("ORDER_RATE_LIMIT_BURST", &cfg.RateLimitBurst); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseDuration(name string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return errors.New(name + " must be >= 0")
	}
	*dst = val
	return nil
}

func parseInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return errors.New(name + " must be >= 0")
	}
	*dst = val
	return nil
}

func parseFloat(name string, dst *float64) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = val
	return nil
}
