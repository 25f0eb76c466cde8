package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

const (
	DefaultGHLBaseURL      = "https://services.leadconnectorhq.com"
	DefaultGHLAPIVersion   = "2021-07-28"
	DefaultGreenAPIBaseURL = "https://api.green-api.com"
)

// S3Config holds the optional media mirror settings.
type S3Config struct {
	Enabled       bool
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PublicURL     string
	RetentionDays int
}

// RabbitConfig holds the optional event publisher settings.
type RabbitConfig struct {
	URL            string
	Queue          string
	QueuePrefix    string
	SpecificEvents []string
}

// Config holds all configuration fields for the application.
type Config struct {
	Port                    string
	AppURL                  string
	DatabaseURL             string
	GHLClientID             string
	GHLClientSecret         string
	GHLConversationProvider string
	GHLWorkflowToken        string
	GHLSharedSecret         string
	GHLBaseURL              string
	GHLAPIVersion           string
	GreenAPIBaseURL         string
	HTTPTimeout             time.Duration
	RoutingStrict           bool
	StatusMaxRetries        int
	StatusRetryBackoff      time.Duration
	EncryptionSecret        string
	LogLevel                string
	LogFormat               string
	Rabbit                  RabbitConfig
	S3                      S3Config
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	// Environment variables already set take precedence over the .env file.
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		AppURL:                  strings.TrimRight(os.Getenv("APP_URL"), "/"),
		DatabaseURL:             getEnv("DATABASE_URL", "file:bridge.db"),
		GHLClientID:             os.Getenv("GHL_CLIENT_ID"),
		GHLClientSecret:         os.Getenv("GHL_CLIENT_SECRET"),
		GHLConversationProvider: os.Getenv("GHL_CONVERSATION_PROVIDER_ID"),
		GHLWorkflowToken:        os.Getenv("GHL_WORKFLOW_TOKEN"),
		GHLSharedSecret:         os.Getenv("GHL_SHARED_SECRET"),
		GHLBaseURL:              getEnv("GHL_API_BASE_URL", DefaultGHLBaseURL),
		GHLAPIVersion:           getEnv("GHL_API_VERSION", DefaultGHLAPIVersion),
		GreenAPIBaseURL:         getEnv("GREEN_API_BASE_URL", DefaultGreenAPIBaseURL),
		EncryptionSecret:        os.Getenv("ENCRYPTION_SECRET"),
		LogLevel:                os.Getenv("LOG_LEVEL"),
		LogFormat:               os.Getenv("LOG_FORMAT"),
		Rabbit: RabbitConfig{
			URL:            os.Getenv("RABBITMQ_URL"),
			Queue:          getEnv("RABBITMQ_QUEUE", "bridge_events"),
			QueuePrefix:    getEnv("RABBITMQ_QUEUE_PREFIX", "ghlbridge"),
			SpecificEvents: splitList(os.Getenv("AMQP_SPECIFIC_EVENTS")),
		},
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
	}

	var err error
	if cfg.HTTPTimeout, err = getDuration("HTTP_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatusRetryBackoff, err = getDuration("STATUS_RETRY_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatusMaxRetries, err = getInt("STATUS_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.RoutingStrict, err = getBool("ROUTING_STRICT", false); err != nil {
		return nil, err
	}
	if cfg.S3.Enabled, err = getBool("S3_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.S3.PathStyle, err = getBool("S3_PATH_STYLE", false); err != nil {
		return nil, err
	}
	if cfg.S3.RetentionDays, err = getInt("S3_RETENTION_DAYS", 0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("port", cfg.Port).
		Str("appURL", cfg.AppURL).
		Bool("rabbitmq", cfg.Rabbit.URL != "").
		Bool("s3", cfg.S3.Enabled).
		Bool("encryption", cfg.EncryptionSecret != "").
		Msg("Configuration loaded")
	return cfg, nil
}

// Validate checks that required values are present and consistent.
func (c *Config) Validate() error {
	var missing []string
	if c.AppURL == "" {
		missing = append(missing, "APP_URL")
	}
	if c.GHLClientID == "" {
		missing = append(missing, "GHL_CLIENT_ID")
	}
	if c.GHLClientSecret == "" {
		missing = append(missing, "GHL_CLIENT_SECRET")
	}
	if c.GHLConversationProvider == "" {
		missing = append(missing, "GHL_CONVERSATION_PROVIDER_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.EncryptionSecret != "" && len(c.EncryptionSecret) < 32 {
		return fmt.Errorf("ENCRYPTION_SECRET must be at least 32 characters long")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENABLED is true")
	}
	if c.StatusMaxRetries < 1 {
		return fmt.Errorf("STATUS_MAX_RETRIES must be at least 1")
	}
	return nil
}

// GreenAPIWebhookURL is the URL registered on every provisioned instance.
func (c *Config) GreenAPIWebhookURL() string {
	return c.AppURL + "/webhooks/green-api"
}

// OAuthRedirectURL is the redirect_uri used for the authorization code grant.
func (c *Config) OAuthRedirectURL() string {
	return c.AppURL + "/oauth/callback"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
