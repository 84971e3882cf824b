// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/quantfold/jgb-regime/internal/pipeline"
	"github.com/quantfold/jgb-regime/internal/regime"
)

// Config is the root configuration for both binaries.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Detectors DetectorConfigs `mapstructure:"detectors"`
	Pipeline  pipeline.Config `mapstructure:"pipeline"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimit      float64  `mapstructure:"rate_limit"`  // requests per second per client
	RateBurst      int      `mapstructure:"rate_burst"`
}

// DataConfig configures series inputs and run storage.
type DataConfig struct {
	YieldCSV     string `mapstructure:"yield_csv"`
	EventsFile   string `mapstructure:"events_file"`
	DatabasePath string `mapstructure:"database_path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DetectorConfigs groups per-detector settings.
type DetectorConfigs struct {
	Markov  regime.MarkovConfig  `mapstructure:"markov"`
	HMM     regime.HMMConfig     `mapstructure:"hmm"`
	Entropy regime.EntropyConfig `mapstructure:"entropy"`
	GARCH   regime.GARCHConfig   `mapstructure:"garch"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8090,
			AllowedOrigins: []string{"*"},
			RateLimit:      10,
			RateBurst:      20,
		},
		Data: DataConfig{
			YieldCSV:     "data/jgb_10y.csv",
			EventsFile:   "config/boj_events.yaml",
			DatabasePath: "data/regime.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Detectors: DetectorConfigs{
			Markov:  regime.DefaultMarkovConfig(),
			HMM:     regime.DefaultHMMConfig(),
			Entropy: regime.DefaultEntropyConfig(),
			GARCH:   regime.DefaultGARCHConfig(),
		},
		Pipeline: pipeline.DefaultConfig(),
	}
}

// Load reads configuration from the given file (optional) and from
// REGIME_* environment variables, layered over defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("config: server.rate_limit must be positive")
	}
	if c.Detectors.Entropy.Window < 2*c.Detectors.Entropy.Order {
		return fmt.Errorf("config: entropy window %d too small for order %d",
			c.Detectors.Entropy.Window, c.Detectors.Entropy.Order)
	}
	for name, w := range c.Pipeline.Ensemble.Weights {
		if w < 0 {
			return fmt.Errorf("config: negative ensemble weight for %s", name)
		}
	}
	return nil
}

// setDefaults registers every configuration key with viper. AutomaticEnv
// only surfaces environment values for keys viper knows about, so a key
// missing here would silently ignore its REGIME_* override.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.rate_limit", cfg.Server.RateLimit)
	v.SetDefault("server.rate_burst", cfg.Server.RateBurst)
	v.SetDefault("data.yield_csv", cfg.Data.YieldCSV)
	v.SetDefault("data.events_file", cfg.Data.EventsFile)
	v.SetDefault("data.database_path", cfg.Data.DatabasePath)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.development", cfg.Logging.Development)

	v.SetDefault("detectors.markov.min_observations", cfg.Detectors.Markov.MinObservations)
	v.SetDefault("detectors.markov.max_iterations", cfg.Detectors.Markov.MaxIterations)
	v.SetDefault("detectors.markov.tolerance", cfg.Detectors.Markov.Tolerance)
	v.SetDefault("detectors.markov.min_variance_ratio", cfg.Detectors.Markov.MinVarianceRatio)
	v.SetDefault("detectors.hmm.num_states", cfg.Detectors.HMM.NumStates)
	v.SetDefault("detectors.hmm.min_observations", cfg.Detectors.HMM.MinObservations)
	v.SetDefault("detectors.hmm.max_iterations", cfg.Detectors.HMM.MaxIterations)
	v.SetDefault("detectors.hmm.tolerance", cfg.Detectors.HMM.Tolerance)
	v.SetDefault("detectors.hmm.vol_feature", cfg.Detectors.HMM.VolFeature)
	v.SetDefault("detectors.entropy.window", cfg.Detectors.Entropy.Window)
	v.SetDefault("detectors.entropy.order", cfg.Detectors.Entropy.Order)
	v.SetDefault("detectors.entropy.delay", cfg.Detectors.Entropy.Delay)
	v.SetDefault("detectors.entropy.statistic", cfg.Detectors.Entropy.Statistic)
	v.SetDefault("detectors.entropy.baseline_window", cfg.Detectors.Entropy.BaselineWindow)
	v.SetDefault("detectors.entropy.min_baseline", cfg.Detectors.Entropy.MinBaseline)
	v.SetDefault("detectors.garch.min_observations", cfg.Detectors.GARCH.MinObservations)
	v.SetDefault("detectors.garch.max_iterations", cfg.Detectors.GARCH.MaxIterations)
	v.SetDefault("detectors.garch.min_segment", cfg.Detectors.GARCH.MinSegment)
	v.SetDefault("detectors.garch.penalty_factor", cfg.Detectors.GARCH.PenaltyFactor)
	v.SetDefault("detectors.garch.ramp_days", cfg.Detectors.GARCH.RampDays)

	v.SetDefault("pipeline.workers.name", cfg.Pipeline.Workers.Name)
	v.SetDefault("pipeline.workers.numworkers", cfg.Pipeline.Workers.NumWorkers)
	for name, w := range cfg.Pipeline.Ensemble.Weights {
		v.SetDefault("pipeline.ensemble.weights."+name, w)
	}
	v.SetDefault("pipeline.validation.window_days", cfg.Pipeline.Validation.WindowDays)
	v.SetDefault("pipeline.validation.threshold", cfg.Pipeline.Validation.Threshold)
}
