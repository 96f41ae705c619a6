// Package config loads service configuration from config.yaml, LAUNCHPAD_*
// environment variables and command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/notification"
	"github.com/rxtech-lab/launchpad-deployer/internal/ratelimit"
	"github.com/rxtech-lab/launchpad-deployer/internal/secrets"
	"github.com/rxtech-lab/launchpad-deployer/internal/verifier"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "LAUNCHPAD"

type Config struct {
	Logger        logging.Config            `mapstructure:"logger"`
	HTTP          HTTPConfig                `mapstructure:"http"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Redis         RedisConfig               `mapstructure:"redis"`
	Kafka         KafkaConfig               `mapstructure:"kafka"`
	Keys          KeysConfig                `mapstructure:"keys"`
	NetworksFile  string                    `mapstructure:"networks_file"`
	RateLimit     ratelimit.Config          `mapstructure:"rate_limit"`
	Deployer      deployer.Config           `mapstructure:"deployer"`
	Reconciler    deployer.ReconcilerConfig `mapstructure:"reconciler"`
	Watcher       watcher.Config            `mapstructure:"watcher"`
	LogPoller     watcher.LogPollerConfig   `mapstructure:"log_poller"`
	Verifier      verifier.EtherscanConfig  `mapstructure:"verifier"`
	Notifications notification.Config       `mapstructure:"notifications"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
	// JWKSURL enables bearer-token authentication. Without it requests
	// identify the user with the X-User-ID header.
	JWKSURL    string `mapstructure:"jwks_url" validate:"omitempty,url"`
	ResourceID string `mapstructure:"resource_id"`
	// RequestsPerMinute throttles each caller; zero disables throttling.
	RequestsPerMinute int64 `mapstructure:"requests_per_minute" validate:"gte=0"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// RedisConfig switches usage accounting to Redis when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type KeysConfig struct {
	EnvPrefix string `mapstructure:"env_prefix"`
	// Default is the key reference used when a request names none.
	Default string `mapstructure:"default"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "logfmt")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.jwks_url", "")
	v.SetDefault("http.resource_id", "")
	v.SetDefault("http.requests_per_minute", 120)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "launchpad.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("networks_file", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", notification.DeploymentEventsTopic)
	v.SetDefault("keys.env_prefix", secrets.DefaultEnvPrefix)
	v.SetDefault("keys.default", "default")
	v.SetDefault("rate_limit.defaults.max_concurrent", ratelimit.DefaultMaxConcurrent)
	v.SetDefault("rate_limit.defaults.max_per_hour", ratelimit.DefaultMaxPerHour)
	v.SetDefault("rate_limit.defaults.max_per_day", ratelimit.DefaultMaxPerDay)
	v.SetDefault("rate_limit.concurrency_retry_after", ratelimit.DefaultConcurrencyRetryAfter)
	v.SetDefault("deployer.verification_workers", deployer.DefaultVerificationWorkers)
	v.SetDefault("deployer.disable_verification", false)
	v.SetDefault("reconciler.interval", deployer.DefaultReconcileInterval)
	v.SetDefault("reconciler.stale_after", deployer.DefaultStaleAfter)
	v.SetDefault("watcher.poll_interval", watcher.DefaultPollInterval)
	v.SetDefault("log_poller.interval", watcher.DefaultLogPollInterval)
	v.SetDefault("notifications.confirmation_every", notification.DefaultConfirmationEvery)
	v.SetDefault("notifications.dedupe_window", notification.DefaultDedupeWindow)
	return v
}

// BindFlags binds the serve flags to their config keys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"http.port":     "port",
		"database.dsn":  "database",
		"networks_file": "networks",
		"logger.level":  "log-level",
	}
	for key, flag := range bindings {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "failed to bind flag %s", flag)
		}
	}
	return nil
}

// Parse reads configFile, or config.yaml in the working directory when
// configFile is empty, and validates the result. A missing default file is
// not an error.
func Parse(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath("./")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "invalid config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if c.Reconciler.Interval < 0 || c.Reconciler.StaleAfter < 0 {
		return errors.New("reconciler durations must not be negative")
	}
	if c.Notifications.DedupeWindow > 24*time.Hour {
		return errors.New("notifications.dedupe_window must be at most 24h")
	}
	return nil
}

// splitList accepts both yaml lists and a comma-separated environment value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
