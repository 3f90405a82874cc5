package config

import (
	"time"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"` // 0 disables the gRPC health server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig describes the model artifact and decision threshold.
type ModelConfig struct {
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	RemoteBucket        string   `yaml:"remote_bucket"`
	RemotePath          string   `yaml:"remote_path"`
	LocalPath           string   `yaml:"local_path"`
	Version             string   `yaml:"version"`
	InputName           string   `yaml:"input_name"`
	OutputName          string   `yaml:"output_name"`
	ApplySoftmax        *bool    `yaml:"apply_softmax"`
	RuntimeLibrary      string   `yaml:"runtime_library"`
	CredentialsFile     string   `yaml:"credentials_file"`
}

// RedisConfig enables the result cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DatabaseConfig enables the prediction log when DSN is set.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SoftmaxEnabled reports whether model outputs are logits.
func (m ModelConfig) SoftmaxEnabled() bool {
	return m.ApplySoftmax == nil || *m.ApplySoftmax
}

// Threshold returns the configured confidence threshold, or the default
// when unset. An explicit 0 disables flagging.
func (m ModelConfig) Threshold() float64 {
	if m.ConfidenceThreshold == nil {
		return DefaultThreshold
	}
	return *m.ConfidenceThreshold
}
