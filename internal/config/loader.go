package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults mirror the original deployment.
const (
	DefaultPort            = 8080
	DefaultThreshold       = 0.7
	DefaultBucket          = "bps-model"
	DefaultRemotePath      = "best_model.onnx"
	DefaultLocalPath       = "models/best_model.onnx"
	DefaultModelVersion    = "1.0.0"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultCacheTTL        = 10 * time.Minute
)

// Load reads the optional YAML file at path, applies environment overrides
// and defaults, and validates the result. An empty path skips the file.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Expand environment variables in the YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CONFIDENCE_THRESHOLD %q: %w", v, err)
		}
		cfg.Model.ConfidenceThreshold = &f
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GRPC_PORT %q: %w", v, err)
		}
		cfg.Server.GRPCPort = p
	}

	cfg.Model.RemoteBucket = getEnv("GCS_BUCKET_NAME", cfg.Model.RemoteBucket)
	cfg.Model.RemotePath = getEnv("GCS_MODEL_PATH", cfg.Model.RemotePath)
	cfg.Model.LocalPath = getEnv("MODEL_LOCAL_PATH", cfg.Model.LocalPath)
	cfg.Model.Version = getEnv("MODEL_VERSION", cfg.Model.Version)
	cfg.Model.RuntimeLibrary = getEnv("ONNXRUNTIME_LIB", cfg.Model.RuntimeLibrary)
	cfg.Model.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", cfg.Model.CredentialsFile)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Model.ConfidenceThreshold == nil {
		t := DefaultThreshold
		cfg.Model.ConfidenceThreshold = &t
	}
	if cfg.Model.RemoteBucket == "" {
		cfg.Model.RemoteBucket = DefaultBucket
	}
	if cfg.Model.RemotePath == "" {
		cfg.Model.RemotePath = DefaultRemotePath
	}
	if cfg.Model.LocalPath == "" {
		cfg.Model.LocalPath = DefaultLocalPath
	}
	if cfg.Model.Version == "" {
		cfg.Model.Version = DefaultModelVersion
	}
	if cfg.Model.InputName == "" {
		cfg.Model.InputName = "input"
	}
	if cfg.Model.OutputName == "" {
		cfg.Model.OutputName = "output"
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = DefaultCacheTTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks ranges and required values.
func (c *AppConfig) Validate() error {
	var errs []error
	if t := c.Model.Threshold(); t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("model.confidence_threshold %v outside [0,1]", t))
	}
	if c.Model.RemoteBucket == "" || c.Model.RemotePath == "" || c.Model.LocalPath == "" {
		errs = append(errs, errors.New("model.remote_bucket, model.remote_path and model.local_path are required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
