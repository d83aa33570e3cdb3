package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Emporia     EmporiaConfig
	Store       StoreConfig
	RabbitMQ    RabbitMQConfig
}

// EmporiaConfig holds Emporia cloud credentials and HTTP policy settings
type EmporiaConfig struct {
	Username string
	Password string
	ClientID string

	MaxAttempts       int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
}

// StoreConfig holds local usage store settings
type StoreConfig struct {
	BaseURL string
}

// RabbitMQConfig holds event publishing settings.
// Publishing is disabled when URL is empty.
type RabbitMQConfig struct {
	URL           string
	EventExchange string
	RoutingKey    string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "emporia-collector"),
		Emporia: EmporiaConfig{
			Username:          getEnv("EMPORIA_USERNAME", ""),
			Password:          getEnv("EMPORIA_PASSWORD", ""),
			ClientID:          getEnv("EMPORIA_CLIENT_ID", ""),
			MaxAttempts:       getEnvAsInt("EMPORIA_MAX_ATTEMPTS", 5),
			InitialRetryDelay: getEnvAsDuration("EMPORIA_INITIAL_RETRY_DELAY", 500*time.Millisecond),
			MaxRetryDelay:     getEnvAsDuration("EMPORIA_MAX_RETRY_DELAY", 30*time.Second),
			ConnectTimeout:    getEnvAsDuration("EMPORIA_CONNECT_TIMEOUT", 6*time.Second),
			ReadTimeout:       getEnvAsDuration("EMPORIA_READ_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			BaseURL: getEnv("STORE_BASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:           getEnv("RABBITMQ_URL", ""),
			EventExchange: getEnv("RABBITMQ_EVENT_EXCHANGE", "emporia-collector.events.exchange"),
			RoutingKey:    getEnv("RABBITMQ_EVENT_ROUTING_KEY", "usage.window.reconciled"),
		},
	}

	// Validate required fields
	if cfg.Emporia.Username == "" {
		return nil, fmt.Errorf("EMPORIA_USERNAME is required but not set in environment variables")
	}
	if cfg.Emporia.Password == "" {
		return nil, fmt.Errorf("EMPORIA_PASSWORD is required but not set in environment variables")
	}
	if cfg.Emporia.ClientID == "" {
		return nil, fmt.Errorf("EMPORIA_CLIENT_ID is required but not set in environment variables")
	}
	if cfg.Store.BaseURL == "" {
		return nil, fmt.Errorf("STORE_BASE_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
