package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds the application's configuration
type Config struct {
	LogLevel                string  `mapstructure:"LOG_LEVEL"`
	WebPort                 string  `mapstructure:"WEB_PORT"`
	ModelClient             string  `mapstructure:"MODEL_CLIENT"`
	MLCEndpoint             string  `mapstructure:"MLC_ENDPOINT"`
	StoreBackend            string  `mapstructure:"STORE_BACKEND"`
	StoreDSN                string  `mapstructure:"STORE_DSN"`
	StoreTable              string  `mapstructure:"STORE_TABLE"`
	RedisAddr               string  `mapstructure:"REDIS_ADDR"`
	RedisPassword           string  `mapstructure:"REDIS_PASSWORD"`
	RedisDB                 int     `mapstructure:"REDIS_DB"`
	MaxRetries              int     `mapstructure:"MAX_RETRIES"`
	LLMBackoffJitterRatio   float64 `mapstructure:"LLM_BACKOFF_JITTER_RATIO"`
	RateLimitMessagesPerMin int     `mapstructure:"RATE_LIMIT_MESSAGES_PER_MIN"`
	RateLimitBurstSize      int     `mapstructure:"RATE_LIMIT_BURST_SIZE"`
	LRUTokenCacheSize       int     `mapstructure:"LRU_TOKEN_CACHE_SIZE"`
	EngineLogLevel          string  `mapstructure:"ENGINE_LOG_LEVEL"`

	// Durations are configured in seconds.
	LLMRequestTimeout    time.Duration `mapstructure:"-"`
	RetryDelaySeconds    time.Duration `mapstructure:"-"`
	LLMBackoffMaxSeconds time.Duration `mapstructure:"-"`
	EngineProbeTimeout   time.Duration `mapstructure:"-"`
	StreamStaleTimeout   time.Duration `mapstructure:"-"`
	StaleSweepInterval   time.Duration `mapstructure:"-"`
	UndoDeleteWindow     time.Duration `mapstructure:"-"`
}

var durationKeys = map[string]float64{
	"LLM_REQUEST_TIMEOUT":     300,
	"RETRY_DELAY_SECONDS":     2,
	"LLM_BACKOFF_MAX_SECONDS": 30,
	"ENGINE_PROBE_TIMEOUT":    2,
	"STREAM_STALE_TIMEOUT":    60,
	"STALE_SWEEP_INTERVAL":    30,
	"UNDO_DELETE_SECONDS":     5,
}

func Load(logger *zap.Logger) *Config {
	var config Config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")        // For running locally
	viper.AddConfigPath("../")      // For running from docker subdir
	viper.AddConfigPath("./config") // Common config folder
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("WEB_PORT", "8080")
	viper.SetDefault("MODEL_CLIENT", "webllm")
	viper.SetDefault("MLC_ENDPOINT", "http://localhost:8000")
	viper.SetDefault("STORE_BACKEND", StoreMemory)
	viper.SetDefault("STORE_DSN", "")
	viper.SetDefault("STORE_TABLE", "webllm_store")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("MAX_RETRIES", 5)
	viper.SetDefault("LLM_BACKOFF_JITTER_RATIO", 0.1)
	viper.SetDefault("RATE_LIMIT_MESSAGES_PER_MIN", 20)
	viper.SetDefault("RATE_LIMIT_BURST_SIZE", 5)
	viper.SetDefault("LRU_TOKEN_CACHE_SIZE", 4096)
	viper.SetDefault("ENGINE_LOG_LEVEL", "WARN")
	for key, seconds := range durationKeys {
		viper.SetDefault(key, seconds)
	}

	if err := viper.ReadInConfig(); err != nil {
		if logger != nil {
			logger.Warn("Could not read config file, using defaults/env vars", zap.Error(err))
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		// Config unmarshaling is critical - fail fast during bootstrap
		if logger != nil {
			logger.Fatal("Unable to decode config into struct", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: Unable to decode config into struct: %v\n", err)
			os.Exit(1)
		}
	}

	// Convert seconds to proper time.Duration
	config.LLMRequestTimeout = seconds("LLM_REQUEST_TIMEOUT")
	config.RetryDelaySeconds = seconds("RETRY_DELAY_SECONDS")
	config.LLMBackoffMaxSeconds = seconds("LLM_BACKOFF_MAX_SECONDS")
	config.EngineProbeTimeout = seconds("ENGINE_PROBE_TIMEOUT")
	config.StreamStaleTimeout = seconds("STREAM_STALE_TIMEOUT")
	config.StaleSweepInterval = seconds("STALE_SWEEP_INTERVAL")
	config.UndoDeleteWindow = seconds("UNDO_DELETE_SECONDS")

	config.ModelClient = strings.ToLower(strings.TrimSpace(config.ModelClient))
	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))
	config.MLCEndpoint = strings.TrimRight(config.MLCEndpoint, "/")

	return &config
}

func seconds(key string) time.Duration {
	return time.Duration(viper.GetFloat64(key) * float64(time.Second))
}
