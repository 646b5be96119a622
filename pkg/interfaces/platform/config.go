package platform

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ErrMissingCredentials indicates the stats API key is not configured.
// This is fatal: no scraping run may start without it.
var ErrMissingCredentials = errors.New("missing stats API credentials")

// Config holds the configuration for the external stats API client
type Config struct {
	// API Authentication
	APIKey string

	// API Endpoints
	BaseURL           string
	InstagramEndpoint string
	TiktokEndpoint    string
	TwitterEndpoint   string

	// Rate Limiting
	RequestsPerMinute int

	// Request timeout applied when the caller's context has no deadline
	Timeout time.Duration

	// General Config
	Logger *logrus.Logger
}

// NewConfig loads the client configuration from the environment
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	rpm, _ := strconv.Atoi(getEnvOrDefault("STATS_API_RATE_LIMIT", "60"))

	config := &Config{
		APIKey:            os.Getenv("STATS_API_KEY"),
		BaseURL:           getEnvOrDefault("STATS_API_BASE_URL", "https://api.statsprovider.io/v1"),
		InstagramEndpoint: "/instagram/web_profile_info",
		TiktokEndpoint:    "/tiktok/user",
		TwitterEndpoint:   "/twitter/user_by_screen_name",
		RequestsPerMinute: rpm,
		Timeout:           30 * time.Second,
		Logger: func() *logrus.Logger {
			log := logrus.New()
			if level := os.Getenv("LOG_LEVEL"); level != "" {
				if parsedLevel, err := logrus.ParseLevel(level); err == nil {
					log.SetLevel(parsedLevel)
				}
			}
			return log
		}(),
	}

	config.Logger.WithFields(logrus.Fields{
		"api_key_exists": config.APIKey != "",
		"base_url":       config.BaseURL,
		"rate_limit":     config.RequestsPerMinute,
	}).Debug("Stats API config initialized")

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration before a client is constructed
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.APIKey == "" {
		return ErrMissingCredentials
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.statsprovider.io/v1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Helper function to get environment variable with default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
