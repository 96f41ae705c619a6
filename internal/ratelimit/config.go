package ratelimit

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

// Default quota values.
const (
	DefaultMaxConcurrent         = 3
	DefaultMaxPerHour            = 10
	DefaultMaxPerDay             = 50
	DefaultConcurrencyRetryAfter = 30 * time.Second

	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

// Limits are the quotas for one (user, project) pair. Zero disables a limit.
type Limits struct {
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"max_concurrent" validate:"gte=0"`
	MaxPerHour    int `mapstructure:"max_per_hour" yaml:"max_per_hour" json:"max_per_hour" validate:"gte=0"`
	MaxPerDay     int `mapstructure:"max_per_day" yaml:"max_per_day" json:"max_per_day" validate:"gte=0"`
}

type Config struct {
	Defaults Limits `mapstructure:"defaults" yaml:"defaults"`

	// Overrides replace Defaults for the given user ids.
	Overrides map[string]Limits `mapstructure:"overrides" yaml:"overrides" validate:"dive"`

	// ConcurrencyRetryAfter is the retry hint returned with concurrency
	// rejections, which have no window to count down.
	ConcurrencyRetryAfter time.Duration `mapstructure:"concurrency_retry_after" yaml:"concurrency_retry_after" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Defaults: Limits{
			MaxConcurrent: DefaultMaxConcurrent,
			MaxPerHour:    DefaultMaxPerHour,
			MaxPerDay:     DefaultMaxPerDay,
		},
		ConcurrencyRetryAfter: DefaultConcurrencyRetryAfter,
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid rate limit config")
	}
	return nil
}
