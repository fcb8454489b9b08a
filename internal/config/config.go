// Package config loads service settings from the environment.
package config

import (
	"os"

	"github.com/spf13/viper"
)

// Settings holds the environment-driven configuration for the service.
type Settings struct {
	ModelDir      string `mapstructure:"MODEL_DIR"`
	CheckpointDir string `mapstructure:"CHECKPOINT_DIR"`

	DefaultTimesteps    int64   `mapstructure:"DEFAULT_TIMESTEPS"`
	DefaultLearningRate float64 `mapstructure:"DEFAULT_LEARNING_RATE"`
	DefaultBatchSize    int     `mapstructure:"DEFAULT_BATCH_SIZE"`
	DefaultNSteps       int     `mapstructure:"DEFAULT_N_STEPS"`

	DefaultLookbackWindow int     `mapstructure:"DEFAULT_LOOKBACK_WINDOW"`
	DefaultInitialBalance float64 `mapstructure:"DEFAULT_INITIAL_BALANCE"`

	UseCUDA bool `mapstructure:"USE_CUDA"`

	MLServiceURL string `mapstructure:"ML_SERVICE_URL"`
	BackendURL   string `mapstructure:"BACKEND_URL"`
}

// Load reads settings from the environment with defaults applied and makes
// sure the artifact directories exist.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetDefault("MODEL_DIR", "./models")
	v.SetDefault("CHECKPOINT_DIR", "./checkpoints")
	v.SetDefault("DEFAULT_TIMESTEPS", 100000)
	v.SetDefault("DEFAULT_LEARNING_RATE", 0.0003)
	v.SetDefault("DEFAULT_BATCH_SIZE", 64)
	v.SetDefault("DEFAULT_N_STEPS", 2048)
	v.SetDefault("DEFAULT_LOOKBACK_WINDOW", 60)
	v.SetDefault("DEFAULT_INITIAL_BALANCE", 100000)
	v.SetDefault("USE_CUDA", true)
	v.SetDefault("ML_SERVICE_URL", "http://ml-service:8000")
	v.SetDefault("BACKEND_URL", "http://backend:3001")
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, err
	}

	for _, dir := range []string{s.ModelDir, s.CheckpointDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return &s, nil
}

// Device reports the compute device. CUDA is accepted for config
// compatibility but this build always computes on the CPU.
func (s *Settings) Device() string {
	return "cpu"
}
