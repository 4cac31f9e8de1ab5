package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database selects and parameterizes the persistence backend.
type Database struct {
	// Driver is one of postgres, sqlite, csv.
	Driver string `mapstructure:"driver"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
	// Path is the sqlite file or csv directory.
	Path string `mapstructure:"path"`
}

// Proxy holds residential proxy credentials. An empty host disables
// proxying.
type Proxy struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Country  string `mapstructure:"country"`
}

// Fetch tunes the HTTP layer.
type Fetch struct {
	Concurrency        int           `mapstructure:"concurrency"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	MinDelay           time.Duration `mapstructure:"min_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	ReadingPauseChance float64       `mapstructure:"reading_pause_chance"`
	LongPauseEvery     int           `mapstructure:"long_pause_every"`
	Fingerprint        string        `mapstructure:"fingerprint"`
	CookieJar          bool          `mapstructure:"cookie_jar"`
}

// Scan tunes the id-range strategy.
type Scan struct {
	StartID     int64 `mapstructure:"start_id"`
	EndID       int64 `mapstructure:"end_id"`
	BatchSize   int   `mapstructure:"batch_size"`
	TargetFound int64 `mapstructure:"target_found"`
}

// Walk tunes the category-graph strategy.
type Walk struct {
	MaxPagesPerCategory int    `mapstructure:"max_pages_per_category"`
	EmptyPageLimit      int    `mapstructure:"empty_page_limit"`
	CheckpointEvery     int    `mapstructure:"checkpoint_every"`
	MaxDepth            int    `mapstructure:"max_depth"`
	SitemapURL          string `mapstructure:"sitemap_url"`
}

// Loop tunes the continuous supervisor.
type Loop struct {
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	CyclePause           time.Duration `mapstructure:"cycle_pause"`
}

// Sink tunes buffering and flush retries.
type Sink struct {
	FlushThreshold int           `mapstructure:"flush_threshold"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Config is the full runtime configuration. Values come from an optional
// YAML file overridden by BAZAAR_* environment variables, so a container
// deploy needs no file at all.
type Config struct {
	Source        string   `mapstructure:"source"`
	Database      Database `mapstructure:"database"`
	Proxy         Proxy    `mapstructure:"proxy"`
	Fetch         Fetch    `mapstructure:"fetch"`
	Scan          Scan     `mapstructure:"scan"`
	Walk          Walk     `mapstructure:"walk"`
	Loop          Loop     `mapstructure:"loop"`
	Sink          Sink     `mapstructure:"sink"`
	CheckpointDir string   `mapstructure:"checkpoint_dir"`
	ArchivePath   string   `mapstructure:"archive_path"`
	MetricsPort   int      `mapstructure:"metrics_port"`
	LogLevel      string   `mapstructure:"log_level"`
}

// Load reads configuration from path (optional; "" searches the working
// directory for bazaar.yaml) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("bazaar")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("bazaar")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key gets a default so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("source", "uzum")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "data")
	v.SetDefault("archive_path", "")
	v.SetDefault("checkpoint_dir", "checkpoints")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("log_level", "info")

	v.SetDefault("fetch.concurrency", 10)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.min_delay", 500*time.Millisecond)
	v.SetDefault("fetch.max_delay", 2*time.Second)
	v.SetDefault("fetch.reading_pause_chance", 0.1)
	v.SetDefault("fetch.long_pause_every", 10)
	v.SetDefault("fetch.fingerprint", "chrome")
	v.SetDefault("fetch.cookie_jar", true)

	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port", 10000)
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.country", "uz")

	v.SetDefault("scan.start_id", 0)
	v.SetDefault("scan.end_id", 0)
	v.SetDefault("scan.batch_size", 100)
	v.SetDefault("scan.target_found", 0)

	v.SetDefault("walk.max_pages_per_category", 400)
	v.SetDefault("walk.empty_page_limit", 3)
	v.SetDefault("walk.checkpoint_every", 100)
	v.SetDefault("walk.max_depth", 0)
	v.SetDefault("walk.sitemap_url", "")

	v.SetDefault("loop.max_consecutive_errors", 10)
	v.SetDefault("loop.backoff_base", 5*time.Second)
	v.SetDefault("loop.backoff_max", 2*time.Minute)
	v.SetDefault("loop.cooldown", 5*time.Minute)
	v.SetDefault("loop.cycle_pause", time.Minute)

	v.SetDefault("sink.flush_threshold", 50)
	v.SetDefault("sink.max_retries", 5)
	v.SetDefault("sink.initial_backoff", 500*time.Millisecond)
	v.SetDefault("sink.max_backoff", 30*time.Second)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite", "csv":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Scan.EndID > 0 && c.Scan.EndID < c.Scan.StartID {
		return fmt.Errorf("scan.end_id %d is below scan.start_id %d", c.Scan.EndID, c.Scan.StartID)
	}
	return nil
}
