// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Client ClientConfig
	Server ServerConfig
}

// ClientConfig configures the chat client (`chatbot chat`).
type ClientConfig struct {
	APIBaseURL        string
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	MaxMessages       int
	StoragePath       string // empty keeps the session in memory only
	HeartbeatInterval time.Duration
	UserAgent         string
}

// ServerConfig configures the development chat API (`chatbot serve`).
type ServerConfig struct {
	Port              string
	DBPath            string
	KnowledgePath     string // empty uses the embedded knowledge base
	AllowedOrigins    []string
	MaxMessageLength  int
	ConversationTTL   time.Duration
	CleanupInterval   time.Duration
	ResponseThreshold float64
	OpenAI            OpenAIConfig
	RateLimit         RateLimitConfig
	Transcript        TranscriptConfig
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// OpenAIConfig controls the optional LLM fallback responder.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Enabled reports whether an API key was provided.
func (o OpenAIConfig) Enabled() bool {
	return o.APIKey != ""
}

// RateLimitConfig controls per-session message rate limiting.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Client: ClientConfig{
			APIBaseURL:        getEnv("CHAT_API_BASE_URL", "http://localhost:8080"),
			RetryAttempts:     getEnvInt("CHAT_RETRY_ATTEMPTS", 3),
			RetryDelay:        getEnvDuration("CHAT_RETRY_DELAY", time.Second),
			RequestTimeout:    getEnvDuration("CHAT_REQUEST_TIMEOUT", 30*time.Second),
			MaxMessages:       getEnvInt("CHAT_MAX_MESSAGES", 100),
			StoragePath:       getEnv("CHAT_STORAGE_PATH", "./data/client.db"),
			HeartbeatInterval: getEnvDuration("CHAT_HEARTBEAT_INTERVAL", 30*time.Second),
			UserAgent:         getEnv("CHAT_USER_AGENT", "christ-community-chat/1.0"),
		},
		Server: ServerConfig{
			Port:              getEnv("PORT", "8080"),
			DBPath:            getEnv("DB_PATH", "./data/chat.db"),
			KnowledgePath:     getEnv("KNOWLEDGE_PATH", ""),
			AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
			MaxMessageLength:  getEnvInt("MAX_MESSAGE_LENGTH", 1000),
			ConversationTTL:   getEnvDuration("CONVERSATION_TTL", 24*time.Hour),
			CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute),
			ResponseThreshold: getEnvFloat("KNOWLEDGE_MATCH_THRESHOLD", 0.35),
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: getEnv("OPENAI_BASE_URL", ""),
			},
			RateLimit: RateLimitConfig{
				Enabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
				Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
				Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			},
			Transcript: TranscriptConfig{
				Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
				Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
				QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	return c.Server.Validate()
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CHAT_API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("CHAT_RETRY_ATTEMPTS must be > 0")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("CHAT_RETRY_DELAY cannot be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CHAT_REQUEST_TIMEOUT must be > 0")
	}
	if c.MaxMessages <= 0 {
		return fmt.Errorf("CHAT_MAX_MESSAGES must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("CHAT_HEARTBEAT_INTERVAL must be > 0")
	}
	return nil
}

// Validate checks the dev server settings.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL must be > 0")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0 when rate limiting is enabled")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty when conversation logging is enabled")
	}
	if c.Transcript.Enabled && c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if every allowed origin is local.
func (c *ServerConfig) IsDevelopment() bool {
	for _, o := range c.AllowedOrigins {
		if !strings.Contains(o, "localhost") && !strings.Contains(o, "127.0.0.1") {
			return false
		}
	}
	return true
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("1500ms") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
