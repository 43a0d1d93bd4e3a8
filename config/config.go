package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config carries all daemon settings, loaded from environment variables
// (godotenv in main loads a .env file first). Components receive values
// from here at construction; nothing reads the environment afterwards.
type Config struct {
	Port    string
	DataDir string

	PostgresURI string
	RedisAddr   string // optional; empty disables the cache and analytics sink

	// Capture
	SegmentSeconds int
	FrameRate      int
	TargetHeight   int
	DisplayID      string

	// Analysis pipeline
	AnalysisInterval   time.Duration
	ChunkSettleSeconds int           // a chunk must be this old before batching
	ObservationWindow  time.Duration // rolling window fed to card generation

	// LLM
	LLMProvider   string
	PrimaryModel  string
	FallbackModel string
	MaxAttempts   int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8687"),
		PostgresURI:        os.Getenv("POSTGRES_URI"),
		RedisAddr:          firstEnv("REDIS_ADDR", "REDIS_URI", "REDIS_URL"),
		DisplayID:          os.Getenv("CAPTURE_DISPLAY"),
		SegmentSeconds:     getEnvInt("SEGMENT_SECONDS", 60),
		FrameRate:          getEnvInt("CAPTURE_FPS", 1),
		TargetHeight:       getEnvInt("CAPTURE_HEIGHT", 1080),
		AnalysisInterval:   getEnvDuration("ANALYSIS_INTERVAL", 5*time.Minute),
		ChunkSettleSeconds: getEnvInt("CHUNK_SETTLE_SECONDS", 30),
		ObservationWindow:  getEnvDuration("OBSERVATION_WINDOW", time.Hour),
		LLMProvider:        getEnv("LLM_PROVIDER", "gemini"),
		PrimaryModel:       getEnv("LLM_PRIMARY_MODEL", "gemini-2.5-pro"),
		FallbackModel:      getEnv("LLM_FALLBACK_MODEL", "gemini-2.5-flash"),
		MaxAttempts:        getEnvInt("LLM_MAX_ATTEMPTS", 5),
	}

	if cfg.PostgresURI == "" {
		return nil, fmt.Errorf("POSTGRES_URI environment variable is not set")
	}

	dataDir := os.Getenv("RETRACE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".retrace")
	}
	for _, sub := range []string{"segments", "videos"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	cfg.DataDir = dataDir

	return cfg, nil
}

// SegmentsDir is where the recorder writes chunk files.
func (c *Config) SegmentsDir() string { return filepath.Join(c.DataDir, "segments") }

// VideosDir holds stitched per-batch summary videos.
func (c *Config) VideosDir() string { return filepath.Join(c.DataDir, "videos") }

// SecretsDir holds per-provider API key files.
func (c *Config) SecretsDir() string { return filepath.Join(c.DataDir, "secrets") }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
