package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full server configuration, sourced from the environment
// with sensible defaults. A .env file in the working directory is loaded
// when present.
type Config struct {
	Port           string
	ModelDir       string
	CORSOrigins    string
	MaxUploadBytes int64
	MangoThreshold float64
	HistoryDB      string
	OnnxLibPath    string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// optional; real deployments set plain env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("MODEL_DIR", "./models")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_BYTES", int64(10<<20)) // 10MB
	v.SetDefault("MANGO_THRESHOLD", 0.50)
	v.SetDefault("HISTORY_DB", "") // empty disables the history store
	v.SetDefault("ONNX_RUNTIME_LIB", "")
	v.AutomaticEnv()

	cfg := &Config{
		Port:           v.GetString("PORT"),
		ModelDir:       v.GetString("MODEL_DIR"),
		CORSOrigins:    v.GetString("CORS_ORIGINS"),
		MaxUploadBytes: v.GetInt64("MAX_UPLOAD_BYTES"),
		MangoThreshold: v.GetFloat64("MANGO_THRESHOLD"),
		HistoryDB:      v.GetString("HISTORY_DB"),
		OnnxLibPath:    v.GetString("ONNX_RUNTIME_LIB"),
	}

	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", cfg.MaxUploadBytes)
	}
	if cfg.MangoThreshold <= 0 || cfg.MangoThreshold > 1 {
		return nil, fmt.Errorf("MANGO_THRESHOLD must be in (0, 1], got %v", cfg.MangoThreshold)
	}
	return cfg, nil
}
