package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every externally supplied knob. Batch sizes have no baked
// in defaults: a run started with a non-positive size is rejected before any
// attempt is opened.
type Config struct {
	Environment string `mapstructure:"environment"`
	HTTPAddr    string `mapstructure:"http_addr"`

	Database DatabaseConfig `mapstructure:"database"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BatchConfig bounds memory for one chunk of settlement work.
type BatchConfig struct {
	// ChunkSize is the number of customers read, computed, and committed
	// together.
	ChunkSize int `mapstructure:"chunk_size"`
	// DetailBatchSize caps one detail flush.
	DetailBatchSize int `mapstructure:"detail_batch_size"`
	// MicroPageSize caps one micro-payment keyset page.
	MicroPageSize int `mapstructure:"micro_page_size"`
}

func (b BatchConfig) Valid() bool {
	return b.ChunkSize > 0 && b.DetailBatchSize > 0 && b.MicroPageSize > 0
}

type WatchdogConfig struct {
	// StaleAfter is how long a STARTED attempt may go without finishing
	// before it is marked INTERRUPTED.
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ScheduleConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RunDay/RunHour place the monthly kick-off, e.g. day 3 at 07:00.
	RunDay       int           `mapstructure:"run_day"`
	RunHour      int           `mapstructure:"run_hour"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ServiceName      string  `mapstructure:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	ExporterProtocol string  `mapstructure:"exporter_protocol"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
}

// Load reads settle.yaml from the working directory (or /etc/settle) and
// overlays SETTLE_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("settle")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/settle")

	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("watchdog.stale_after", 3*time.Hour)
	v.SetDefault("watchdog.poll_interval", time.Minute)
	v.SetDefault("schedule.poll_interval", time.Minute)
	v.SetDefault("tracing.service_name", "settle")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
