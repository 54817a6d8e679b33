// Package config provides application configuration management.
package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oremus-labs/aip-weave/internal/theme"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string
	APIToken   string
	LogLevel   string

	// Operator configuration
	OperatorURL     string
	OperatorAPIKey  string
	OperatorTimeout time.Duration
	PlatformID      string
	SessionID       string
	DefaultLocale   string
	DefaultGeo      string

	// Presentation
	Theme     map[string]interface{}
	ThemeFile string

	// Persistence configuration
	StatePath    string
	DataStoreDSN string

	// Redis / events configuration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventsChannel    string
	BillingStream    string
	BillingGroup     string
	WorkerBatchSize  int
	WorkerBlock      time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" {
		dataStoreDSN = filepath.Join(statePath, "aip-weave.db")
	}
	themeFile := getEnv("THEME_FILE", "")
	return &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		APIToken:         os.Getenv("GATEWAY_API_TOKEN"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		OperatorURL:      strings.TrimRight(getEnv("OPERATOR_URL", ""), "/"),
		OperatorAPIKey:   os.Getenv("OPERATOR_API_KEY"),
		OperatorTimeout:  getEnvDuration("OPERATOR_TIMEOUT", 15*time.Second),
		PlatformID:       getEnv("PLATFORM_ID", ""),
		SessionID:        getEnv("SESSION_ID", ""),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en-US"),
		DefaultGeo:       getEnv("DEFAULT_GEO", "unknown"),
		Theme:            loadTheme(themeFile, os.Getenv("THEME")),
		ThemeFile:        themeFile,
		StatePath:        statePath,
		DataStoreDSN:     dataStoreDSN,
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisUsername:    getEnv("REDIS_USERNAME", ""),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:  getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure: getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:    getEnv("EVENTS_CHANNEL", "aip-weave-signals"),
		BillingStream:    getEnv("BILLING_STREAM", "aip-weave:billing"),
		BillingGroup:     getEnv("BILLING_GROUP", "billing-journal"),
		WorkerBatchSize:  getEnvInt("WORKER_BATCH_SIZE", 16),
		WorkerBlock:      getEnvDuration("WORKER_BLOCK", 5*time.Second),
	}
}

// Validate reports missing operator settings.
func (c *Config) Validate() error {
	var missing []string
	if c.OperatorURL == "" {
		missing = append(missing, "OPERATOR_URL")
	}
	if c.PlatformID == "" {
		missing = append(missing, "PLATFORM_ID")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	return nil
}

// loadTheme reads THEME_FILE first, then layers the THEME JSON on top.
func loadTheme(path, inline string) map[string]interface{} {
	out := map[string]interface{}{}
	if path != "" {
		overrides, err := theme.LoadFile(path)
		if err != nil {
			log.Printf("Ignoring THEME_FILE %s: %v", path, err)
		}
		for k, v := range overrides {
			out[k] = v
		}
	}
	if inline != "" {
		overrides, err := theme.Parse([]byte(inline))
		if err != nil {
			log.Printf("Ignoring THEME: %v", err)
		}
		for k, v := range overrides {
			out[k] = v
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Printf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			log.Printf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
