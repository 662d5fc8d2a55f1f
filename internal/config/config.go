// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/hearthly/internal/quota"
	"github.com/ashureev/hearthly/internal/session"
	"github.com/ashureev/hearthly/internal/sweeper"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	RedisURL    string

	Session         SessionConfig
	Speech          SpeechConfig
	Sweep           SweepConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// SessionConfig controls the session lifecycle.
type SessionConfig struct {
	Limit         int
	MaxDuration   time.Duration
	TimerTick     time.Duration
	ReplyTimeout  time.Duration
	StartPolicy   session.StartPolicy
	SummaryPolicy session.SummaryPolicy
	PromptsPath   string
}

// SpeechConfig selects and tunes the speech backend.
type SpeechConfig struct {
	BackendURL string
	GRPCAddr   string
	Timeout    time.Duration
}

// SweepConfig controls the orphaned session sweeper.
type SweepConfig struct {
	Schedule string
	Grace    time.Duration
}

// RateLimitConfig bounds backend-bound requests per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	startPolicy, err := session.ParseStartPolicy(getEnv("SESSION_START_POLICY", string(session.StartPolicyIgnore)))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: SESSION_START_POLICY: %w", err)
	}
	summaryPolicy, err := session.ParseSummaryPolicy(getEnv("SESSION_SUMMARY_POLICY", string(session.SummaryNone)))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: SESSION_SUMMARY_POLICY: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/hearthly.db"),
		RedisURL:    getEnv("REDIS_URL", ""),
		Session: SessionConfig{
			Limit:         getEnvInt("SESSION_LIMIT", quota.DefaultLimit),
			MaxDuration:   getEnvDuration("MAX_SESSION_DURATION", 10*time.Minute),
			TimerTick:     getEnvDuration("SESSION_TIMER_TICK", time.Second),
			ReplyTimeout:  getEnvDuration("REPLY_TIMEOUT", 45*time.Second),
			StartPolicy:   startPolicy,
			SummaryPolicy: summaryPolicy,
			PromptsPath:   getEnv("PROMPTS_PATH", ""),
		},
		Speech: SpeechConfig{
			BackendURL: getEnv("SPEECH_BACKEND_URL", "http://localhost:5000"),
			GRPCAddr:   getEnv("SPEECH_GRPC_ADDR", ""),
			Timeout:    getEnvDuration("SPEECH_TIMEOUT", 40*time.Second),
		},
		Sweep: SweepConfig{
			Schedule: getEnv("SWEEP_SCHEDULE", "*/5 * * * *"),
			Grace:    getEnvDuration("SWEEP_GRACE", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Session.Limit <= 0 {
		return fmt.Errorf("SESSION_LIMIT must be > 0")
	}
	if c.Session.MaxDuration <= 0 {
		return fmt.Errorf("MAX_SESSION_DURATION must be > 0")
	}
	if c.Session.TimerTick <= 0 || c.Session.TimerTick > c.Session.MaxDuration {
		return fmt.Errorf("SESSION_TIMER_TICK must be > 0 and no longer than MAX_SESSION_DURATION")
	}
	if c.Session.ReplyTimeout <= 0 {
		return fmt.Errorf("REPLY_TIMEOUT must be > 0")
	}
	if c.Speech.BackendURL == "" && c.Speech.GRPCAddr == "" {
		return fmt.Errorf("one of SPEECH_BACKEND_URL or SPEECH_GRPC_ADDR must be set")
	}
	if c.Speech.Timeout <= 0 {
		return fmt.Errorf("SPEECH_TIMEOUT must be > 0")
	}
	if err := sweeper.ValidateSchedule(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE: %w", err)
	}
	if c.Sweep.Grace < 0 {
		return fmt.Errorf("SWEEP_GRACE cannot be negative")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SessionOptions converts the session settings into controller options.
// msgs is the prompt catalog, usually from LoadMessages.
func (c *Config) SessionOptions(msgs session.Messages) session.Options {
	return session.Options{
		MaxDuration:   c.Session.MaxDuration,
		TimerTick:     c.Session.TimerTick,
		ReplyTimeout:  c.Session.ReplyTimeout,
		StartPolicy:   c.Session.StartPolicy,
		SummaryPolicy: c.Session.SummaryPolicy,
		Messages:      msgs,
	}
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

// getEnvDuration accepts Go durations ("10m") or plain milliseconds ("600000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
