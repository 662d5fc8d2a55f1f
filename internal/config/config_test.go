package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/hearthly/internal/session"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.Limit != 3 {
		t.Errorf("expected session limit 3, got %d", cfg.Session.Limit)
	}
	if cfg.Session.MaxDuration != 10*time.Minute {
		t.Errorf("expected 10m max duration, got %v", cfg.Session.MaxDuration)
	}
	if cfg.Session.StartPolicy != session.StartPolicyIgnore {
		t.Errorf("expected ignore start policy, got %q", cfg.Session.StartPolicy)
	}
	if cfg.Session.SummaryPolicy != session.SummaryNone {
		t.Errorf("expected none summary policy, got %q", cfg.Session.SummaryPolicy)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without FRONTEND_URL")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MAX_SESSION_DURATION", "600000")
	t.Setenv("REPLY_TIMEOUT", "30s")
	t.Setenv("SESSION_LIMIT", "5")
	t.Setenv("SESSION_START_POLICY", "restart")
	t.Setenv("SESSION_SUMMARY_POLICY", "last_agent_message")
	t.Setenv("SWEEP_SCHEDULE", "@every 1m")
	t.Setenv("FRONTEND_URL", "https://hearthly.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.MaxDuration != 10*time.Minute {
		t.Errorf("expected millisecond value to parse as 10m, got %v", cfg.Session.MaxDuration)
	}
	if cfg.Session.ReplyTimeout != 30*time.Second {
		t.Errorf("expected 30s reply timeout, got %v", cfg.Session.ReplyTimeout)
	}
	if cfg.Session.Limit != 5 {
		t.Errorf("expected limit 5, got %d", cfg.Session.Limit)
	}
	if cfg.Session.StartPolicy != session.StartPolicyRestart {
		t.Errorf("unexpected start policy %q", cfg.Session.StartPolicy)
	}
	if cfg.Session.SummaryPolicy != session.SummaryLastAgentMessage {
		t.Errorf("unexpected summary policy %q", cfg.Session.SummaryPolicy)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production mode")
	}

	opts := cfg.SessionOptions(session.DefaultMessages())
	if opts.MaxDuration != cfg.Session.MaxDuration || opts.StartPolicy != session.StartPolicyRestart {
		t.Errorf("unexpected session options %+v", opts)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"SESSION_START_POLICY", "toggle", "SESSION_START_POLICY"},
		{"SESSION_SUMMARY_POLICY", "llm", "SESSION_SUMMARY_POLICY"},
		{"SESSION_LIMIT", "0", "SESSION_LIMIT"},
		{"SWEEP_SCHEDULE", "whenever", "SWEEP_SCHEDULE"},
		{"DB_PATH", "", "DB_PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %s, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRequiresSomeSpeechBackend(t *testing.T) {
	t.Setenv("SPEECH_BACKEND_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without any speech backend")
	}

	t.Setenv("SPEECH_GRPC_ADDR", "localhost:50051")
	if _, err := Load(); err != nil {
		t.Fatalf("expected gRPC backend alone to be accepted: %v", err)
	}
}

func TestLoadMessages(t *testing.T) {
	msgs, err := LoadMessages("")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if msgs != session.DefaultMessages() {
		t.Errorf("expected defaults, got %+v", msgs)
	}

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	content := "prompts:\n  greeting: \"hi again, how are you holding up?\"\n  apology: \"sorry, say that once more?\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	msgs, err = LoadMessages(path)
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if msgs.Greeting != "hi again, how are you holding up?" || msgs.Apology != "sorry, say that once more?" {
		t.Errorf("overrides not applied: %+v", msgs)
	}
	if msgs.Listening != session.DefaultMessages().Listening {
		t.Errorf("expected missing prompt to keep default, got %q", msgs.Listening)
	}

	if _, err := LoadMessages(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "garbage")
	if got := getEnvDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("expected fallback, got %v", got)
	}
	t.Setenv("TEST_DURATION", "1500")
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", got)
	}
}
