package quantumfed

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	content := `
[coordinator]
experiment_id = "exp-1"
client_id = "coordinator-1"
client_key = "secret"
channel_id = "chan-1"
payload_key = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

[participant]
experiment_id = "exp-1"
client_id = "agent-1"
channel_id = "chan-1"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Coordinator.ExperimentID != "exp-1" {
		t.Errorf("unexpected experiment ID: %s", cfg.Coordinator.ExperimentID)
	}
	if cfg.Coordinator.PayloadKey == "" {
		t.Error("payload key not parsed")
	}
	if cfg.Participant.ClientID != "agent-1" {
		t.Errorf("unexpected participant client ID: %s", cfg.Participant.ClientID)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("does-not-exist.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
