// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
  key_ttl: "720h"

sessions:
  heartbeat_interval: "10s"
  idle_timeout: "30s"
  close_timeout: "90s"

broker:
  queue_bound: 128

meetings:
  max_rounds: 7
  absence_threshold: 3
  consensus_policy: "majority"
  round_timeout: "1m"

topics:
  min_cluster_size: 4
  window: "12h"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}
	if cfg.Auth.KeyTTL != 720*time.Hour {
		t.Errorf("Auth.KeyTTL = %v, want %v", cfg.Auth.KeyTTL, 720*time.Hour)
	}
	if cfg.Sessions.HeartbeatInterval != 10*time.Second {
		t.Errorf("Sessions.HeartbeatInterval = %v, want 10s", cfg.Sessions.HeartbeatInterval)
	}
	if cfg.Sessions.IdleTimeout != 30*time.Second {
		t.Errorf("Sessions.IdleTimeout = %v, want 30s", cfg.Sessions.IdleTimeout)
	}
	if cfg.Sessions.CloseTimeout != 90*time.Second {
		t.Errorf("Sessions.CloseTimeout = %v, want 90s", cfg.Sessions.CloseTimeout)
	}
	if cfg.Broker.QueueBound != 128 {
		t.Errorf("Broker.QueueBound = %d, want 128", cfg.Broker.QueueBound)
	}
	if cfg.Meetings.MaxRounds != 7 {
		t.Errorf("Meetings.MaxRounds = %d, want 7", cfg.Meetings.MaxRounds)
	}
	if cfg.Meetings.AbsenceThreshold != 3 {
		t.Errorf("Meetings.AbsenceThreshold = %d, want 3", cfg.Meetings.AbsenceThreshold)
	}
	if cfg.Meetings.ConsensusPolicy != "majority" {
		t.Errorf("Meetings.ConsensusPolicy = %q, want %q", cfg.Meetings.ConsensusPolicy, "majority")
	}
	if cfg.Meetings.RoundTimeout != time.Minute {
		t.Errorf("Meetings.RoundTimeout = %v, want 1m", cfg.Meetings.RoundTimeout)
	}
	if cfg.Topics.MinClusterSize != 4 {
		t.Errorf("Topics.MinClusterSize = %d, want 4", cfg.Topics.MinClusterSize)
	}
	if cfg.Topics.Window != 12*time.Hour {
		t.Errorf("Topics.Window = %v, want 12h", cfg.Topics.Window)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sessions.HeartbeatInterval != 15*time.Second {
		t.Errorf("default HeartbeatInterval = %v, want 15s", cfg.Sessions.HeartbeatInterval)
	}
	if cfg.Sessions.IdleTimeout != 45*time.Second {
		t.Errorf("default IdleTimeout = %v, want 45s", cfg.Sessions.IdleTimeout)
	}
	if cfg.Sessions.CloseTimeout != 2*time.Minute {
		t.Errorf("default CloseTimeout = %v, want 2m", cfg.Sessions.CloseTimeout)
	}
	if cfg.Broker.QueueBound != DefaultQueueBound {
		t.Errorf("default QueueBound = %d, want %d", cfg.Broker.QueueBound, DefaultQueueBound)
	}
	if cfg.Meetings.MaxRounds != DefaultMaxRounds {
		t.Errorf("default MaxRounds = %d, want %d", cfg.Meetings.MaxRounds, DefaultMaxRounds)
	}
	if cfg.Meetings.AbsenceThreshold != DefaultAbsenceThreshold {
		t.Errorf("default AbsenceThreshold = %d, want %d", cfg.Meetings.AbsenceThreshold, DefaultAbsenceThreshold)
	}
	if cfg.Meetings.ConsensusPolicy != DefaultConsensusPolicy {
		t.Errorf("default ConsensusPolicy = %q, want %q", cfg.Meetings.ConsensusPolicy, DefaultConsensusPolicy)
	}
	if cfg.Meetings.RoundTimeout != 2*time.Minute {
		t.Errorf("default RoundTimeout = %v, want 2m", cfg.Meetings.RoundTimeout)
	}
	if cfg.Topics.MinClusterSize != DefaultMinClusterSize {
		t.Errorf("default MinClusterSize = %d, want %d", cfg.Topics.MinClusterSize, DefaultMinClusterSize)
	}
	if cfg.Topics.Window != 24*time.Hour {
		t.Errorf("default Window = %v, want 24h", cfg.Topics.Window)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Auth.KeyTTL != 0 {
		t.Errorf("default KeyTTL = %v, want 0 (no expiry)", cfg.Auth.KeyTTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "expanded-secret")
	t.Setenv("TEST_DB_PATH", "/tmp/expanded.db")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: "${TEST_DB_PATH}"

auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [invalid yaml{")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "secret"

sessions:
  heartbeat_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("error should name the offending field, got: %v", err)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./test.db"
auth:
  jwt_secret: "secret"
`,
			wantErr: "http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8080"
auth:
  jwt_secret: "secret"
`,
			wantErr: "database.path",
		},
		{
			name: "missing jwt secret",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
`,
			wantErr: "jwt_secret",
		},
		{
			name: "unknown consensus policy",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "secret"
meetings:
  consensus_policy: "plurality"
`,
			wantErr: "consensus_policy",
		},
		{
			name: "idle timeout below heartbeat interval",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "secret"
sessions:
  heartbeat_interval: "30s"
  idle_timeout: "10s"
`,
			wantErr: "idle_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
