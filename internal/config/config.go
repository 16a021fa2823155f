// Package config loads runtime tuning knobs — region GC threshold, coeio
// pool sizing, default coio timeouts — from an optional file and the
// environment via viper, the way a production cord host would rather than
// hardcoding them.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the module's tunables. Of these, only CoeioWorkers and
// CoeioQueueCapacity are read elsewhere in the module (by
// coeio.NewPoolFromConfig).
type Config struct {
	// RegionGCThresholdBytes mirrors fiber.regionGCThreshold's default.
	// fiber.Region uses its own fixed constant and does not read this value.
	RegionGCThresholdBytes int `mapstructure:"region_gc_threshold_bytes"`

	// CoeioWorkers/CoeioQueueCapacity size the offload pool.
	CoeioWorkers       int `mapstructure:"coeio_workers"`
	CoeioQueueCapacity int `mapstructure:"coeio_queue_capacity"`

	// DefaultIOTimeout is a default timeout for coio calls. coio does not
	// read it; every coio call takes an explicit timeout.
	DefaultIOTimeout time.Duration `mapstructure:"default_io_timeout"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
	LogFile  string `mapstructure:"log_file"`
}

// Defaults returns the configuration used when no file or environment
// variable overrides anything.
func Defaults() Config {
	return Config{
		RegionGCThresholdBytes: 128 * 1024,
		CoeioWorkers:           4,
		CoeioQueueCapacity:     64,
		DefaultIOTimeout:       30 * time.Second,
		LogLevel:               "info",
		LogJSON:                false,
	}
}

// Load reads configuration from an optional file at path (if nonempty),
// then environment variables prefixed CORDKIT_, overlaying Defaults().
// Missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	v := viper.New()
	cfg := Defaults()

	v.SetDefault("region_gc_threshold_bytes", cfg.RegionGCThresholdBytes)
	v.SetDefault("coeio_workers", cfg.CoeioWorkers)
	v.SetDefault("coeio_queue_capacity", cfg.CoeioQueueCapacity)
	v.SetDefault("default_io_timeout", cfg.DefaultIOTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("log_file", cfg.LogFile)

	v.SetEnvPrefix("CORDKIT")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
