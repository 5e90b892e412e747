package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string         `mapstructure:"environment"` // "dev" or "prod"
	Server      ServerConfig   `mapstructure:"server"`
	Log         LogConfig      `mapstructure:"log"`
	Feed        FeedConfig     `mapstructure:"feed"`
	Profile     ProfileConfig  `mapstructure:"profile"`
	Session     SessionConfig  `mapstructure:"session"`
	Range       RangeConfig    `mapstructure:"range"`
	Health      HealthConfig   `mapstructure:"health"`
	History     HistoryConfig  `mapstructure:"history"`
	Venues      []VenueConfig  `mapstructure:"venues"`
	Bybit       BybitConfig    `mapstructure:"bybit"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Redis       RedisConfig    `mapstructure:"redis"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	Debug             bool          `mapstructure:"debug"`
}

// FeedConfig drives the client side of the feed and the upstream request pacing.
type FeedConfig struct {
	URL                 string        `mapstructure:"url"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	FlushSpacing        time.Duration `mapstructure:"flush_spacing"`
	SnapshotTimeout     time.Duration `mapstructure:"snapshot_timeout"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	DefaultLookbackDays int           `mapstructure:"lookback_days"`
}

type ProfileConfig struct {
	Ceiling       int           `mapstructure:"ceiling"`
	DefaultBucket string        `mapstructure:"default_bucket"`
	Classes       []ClassConfig `mapstructure:"classes"`
}

// ClassConfig assigns a bucket size to symbols by exact name, prefix or suffix.
type ClassConfig struct {
	Name     string   `mapstructure:"name"`
	Bucket   string   `mapstructure:"bucket"`
	Symbols  []string `mapstructure:"symbols"`
	Prefixes []string `mapstructure:"prefixes"`
	Suffixes []string `mapstructure:"suffixes"`
}

type SessionConfig struct {
	Timezone string `mapstructure:"timezone"`
	RollHour int    `mapstructure:"roll_hour"`
}

type RangeConfig struct {
	Lookback int `mapstructure:"lookback"`
}

type HealthConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
	// MIC selects market hours: "fx" (default), "24x7" or an exchange code such as "XNYS".
	MIC string `mapstructure:"mic"`
}

type HistoryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Period  string        `mapstructure:"period"` // bar period read from postgres, e.g. "30m"
}

// VenueConfig declares one source. Kind is "synthetic", "memory" or "bybit";
// History is "memory", "postgres" or "bybit".
type VenueConfig struct {
	Name    string   `mapstructure:"name"`
	Kind    string   `mapstructure:"kind"`
	History string   `mapstructure:"history"`
	Symbols []string `mapstructure:"symbols"`
}

type BybitConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}
type WSConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval string        `mapstructure:"interval"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type RedisConfig struct {
	Addr     string   `mapstructure:"addr"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
	Keys     []string `mapstructure:"keys"` // SYMBOL/source keys mirrored to pub/sub
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.heartbeat_interval", 30*time.Second)
	v.SetDefault("server.grace_period", 30*time.Second)
	v.SetDefault("server.debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("feed.url", "ws://localhost:8080/ws")
	v.SetDefault("feed.base_delay", time.Second)
	v.SetDefault("feed.max_delay", 30*time.Second)
	v.SetDefault("feed.max_attempts", 5)
	v.SetDefault("feed.flush_spacing", 250*time.Millisecond)
	v.SetDefault("feed.snapshot_timeout", 5*time.Second)
	v.SetDefault("feed.handshake_timeout", 10*time.Second)
	v.SetDefault("feed.write_timeout", 5*time.Second)
	v.SetDefault("feed.lookback_days", 14)

	v.SetDefault("profile.ceiling", 2000)
	v.SetDefault("profile.default_bucket", "0.0005")

	v.SetDefault("session.timezone", "America/New_York")
	v.SetDefault("session.roll_hour", 17)

	v.SetDefault("range.lookback", 14)

	v.SetDefault("health.interval", 10*time.Second)
	v.SetDefault("health.threshold", 2*time.Minute)
	v.SetDefault("health.mic", "fx")

	v.SetDefault("history.timeout", 30*time.Second)
	v.SetDefault("history.period", "30m")

	v.SetDefault("bybit.rest.base_url", "https://api.bybit.com")
	v.SetDefault("bybit.rest.timeout", 10*time.Second)
	v.SetDefault("bybit.ws.url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("bybit.ws.timeout", 10*time.Second)
	v.SetDefault("bybit.ws.interval", "30")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "profilefeed")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("postgres.create_db", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "profilefeed")
}

// Load reads config.yaml and overrides it with environment variables, after loading
// an optional .env file. With an empty path the file is looked up next to the binary;
// a missing file there leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	dir := defaultConfigDir()
	if path != "" {
		dir = filepath.Dir(path)
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
	}

	for _, env := range []string{filepath.Join(dir, ".env"), ".env"} {
		if err := godotenv.Load(env); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", env, err)
		}
	}

	// Support environment variables with dot notation (e.g., FEED_MAX_ATTEMPTS)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfigDir() string {
	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		return filepath.Join(pwd, "../../config")
	}
	return filepath.Join(filepath.Dir(ex), "../config")
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Profile.Ceiling <= 0 {
		errs = append(errs, fmt.Errorf("profile.ceiling must be positive, got %d", c.Profile.Ceiling))
	}
	if c.Feed.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("feed.max_attempts must be at least 1, got %d", c.Feed.MaxAttempts))
	}
	if c.Feed.BaseDelay <= 0 || c.Feed.MaxDelay < c.Feed.BaseDelay {
		errs = append(errs, fmt.Errorf("feed delays invalid: base %s, max %s", c.Feed.BaseDelay, c.Feed.MaxDelay))
	}
	if c.Feed.DefaultLookbackDays < 1 {
		errs = append(errs, fmt.Errorf("feed.lookback_days must be at least 1, got %d", c.Feed.DefaultLookbackDays))
	}
	if c.Session.RollHour < 0 || c.Session.RollHour > 23 {
		errs = append(errs, fmt.Errorf("session.roll_hour out of range: %d", c.Session.RollHour))
	}
	if c.Range.Lookback < 1 {
		errs = append(errs, fmt.Errorf("range.lookback must be at least 1, got %d", c.Range.Lookback))
	}
	if c.Health.Threshold <= 0 || c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.threshold and health.interval must be positive"))
	}
	seen := make(map[string]bool)
	for _, vc := range c.Venues {
		if vc.Name == "" {
			errs = append(errs, errors.New("venue without a name"))
			continue
		}
		name := strings.ToLower(vc.Name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate venue %q", vc.Name))
		}
		seen[name] = true
		switch vc.Kind {
		case "synthetic", "memory", "bybit":
		default:
			errs = append(errs, fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind))
		}
		switch vc.History {
		case "", "memory", "postgres", "bybit":
		default:
			errs = append(errs, fmt.Errorf("venue %s: unknown history %q", vc.Name, vc.History))
		}
	}
	return errors.Join(errs...)
}
