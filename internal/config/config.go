// Package config loads service settings from config.yaml, with environment
// variables taking precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/plantid-api/internal/retrain"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Engine   EngineConfig   `yaml:"engine"`
	Sessions SessionsConfig `yaml:"sessions"`
	Retrain  RetrainConfig  `yaml:"retrain"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port" validate:"required,numeric"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" validate:"gte=1024"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
}

type ModelConfig struct {
	Path              string `yaml:"path" validate:"required"`
	MetadataPath      string `yaml:"metadata_path" validate:"required"`
	SharedLibraryPath string `yaml:"shared_library_path"`
}

type EngineConfig struct {
	DefaultTopK int `yaml:"default_top_k" validate:"gte=1,lte=50"`
}

type SessionsConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	Expiry      time.Duration `yaml:"expiry" validate:"gt=0"`
	Capacity    int           `yaml:"capacity" validate:"gte=1"`
}

type RetrainConfig struct {
	Criteria retrain.Criteria `yaml:",inline"`
	Schedule string           `yaml:"schedule" validate:"required"`
}

type StorageConfig struct {
	DBPath     string `yaml:"db_path" validate:"required"`
	DatasetDir string `yaml:"dataset_dir" validate:"required"`
	HistoryMax int    `yaml:"history_max" validate:"gte=1"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

var validate = validator.New()

// Load reads CONFIG_PATH (default config.yaml). A missing file is not an
// error: defaults and environment variables are enough to start.
func Load() (Config, error) {
	path := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		path = envPath
	}
	return LoadFile(path)
}

func LoadFile(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.Server.Port, "PORT")
	envOverride(&cfg.Server.AllowedOrigin, "ALLOWED_ORIGIN")
	envOverride(&cfg.Model.Path, "MODEL_PATH")
	envOverride(&cfg.Model.MetadataPath, "MODEL_METADATA_PATH")
	envOverride(&cfg.Model.SharedLibraryPath, "ONNXRUNTIME_LIB")
	envOverride(&cfg.Retrain.Schedule, "RETRAIN_SCHEDULE")
	envOverride(&cfg.Storage.DBPath, "DB_PATH")
	envOverride(&cfg.Storage.DatasetDir, "DATASET_DIR")
	envOverride(&cfg.Log.Level, "LOG_LEVEL")

	ints := []struct {
		field *int
		key   string
	}{
		{&cfg.Engine.DefaultTopK, "DEFAULT_TOP_K"},
		{&cfg.Sessions.MaxAttempts, "MAX_ATTEMPTS"},
		{&cfg.Sessions.Capacity, "SESSION_CAPACITY"},
		{&cfg.Retrain.Criteria.MinTotalNewImages, "RETRAIN_MIN_TOTAL_NEW_IMAGES"},
		{&cfg.Retrain.Criteria.MinSpeciesWithNewImages, "RETRAIN_MIN_SPECIES_WITH_NEW_IMAGES"},
		{&cfg.Storage.HistoryMax, "HISTORY_MAX"},
	}
	for _, o := range ints {
		if err := envOverrideInt(o.field, o.key); err != nil {
			return err
		}
	}
	if err := envOverrideDuration(&cfg.Sessions.Expiry, "SESSION_EXPIRY"); err != nil {
		return err
	}
	return envOverrideBool(&cfg.Log.Development, "LOG_DEVELOPMENT")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 10 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.AllowedOrigin == "" {
		cfg.Server.AllowedOrigin = "*"
	}
	if cfg.Model.Path == "" {
		cfg.Model.Path = "models/plant_classifier.onnx"
	}
	if cfg.Model.MetadataPath == "" {
		cfg.Model.MetadataPath = "models/model_metadata.json"
	}
	if cfg.Engine.DefaultTopK == 0 {
		cfg.Engine.DefaultTopK = 5
	}
	if cfg.Sessions.MaxAttempts == 0 {
		cfg.Sessions.MaxAttempts = 3
	}
	if cfg.Sessions.Expiry == 0 {
		cfg.Sessions.Expiry = time.Hour
	}
	if cfg.Sessions.Capacity == 0 {
		cfg.Sessions.Capacity = 1000
	}
	if cfg.Retrain.Criteria.MinTotalNewImages == 0 {
		cfg.Retrain.Criteria.MinTotalNewImages = 50
	}
	if cfg.Retrain.Criteria.MinSpeciesWithNewImages == 0 {
		cfg.Retrain.Criteria.MinSpeciesWithNewImages = 5
	}
	if cfg.Retrain.Schedule == "" {
		cfg.Retrain.Schedule = "0 * * * *"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./plantid.db"
	}
	if cfg.Storage.DatasetDir == "" {
		cfg.Storage.DatasetDir = "./dataset"
	}
	if cfg.Storage.HistoryMax == 0 {
		cfg.Storage.HistoryMax = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", envKey, err)
	}
	*field = parsed
	return nil
}

func envOverrideDuration(field *time.Duration, envKey string) error {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", envKey, err)
	}
	*field = parsed
	return nil
}

func envOverrideBool(field *bool, envKey string) error {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%s: %w", envKey, err)
	}
	*field = parsed
	return nil
}
