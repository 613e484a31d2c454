package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func TestSettingsDefaults(t *testing.T) {
	s, err := NewSettings("")
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	tests := []struct {
		priority protocol.Priority
		want     time.Duration
	}{
		{protocol.PriorityCritical, 0},
		{protocol.PriorityUrgent, 5 * time.Second},
		{protocol.PriorityHigh, 30 * time.Second},
		{protocol.PriorityNormal, 2 * time.Minute},
		{protocol.PriorityLow, 5 * time.Minute},
		{protocol.Priority("bogus"), 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := s.PriorityDelay(tt.priority); got != tt.want {
			t.Errorf("PriorityDelay(%s) = %s, want %s", tt.priority, got, tt.want)
		}
	}
	if s.MaxConcurrentTasks() != 2 {
		t.Errorf("MaxConcurrentTasks = %d, want 2", s.MaxConcurrentTasks())
	}
	if s.InitiativeCooldown() != time.Hour {
		t.Errorf("InitiativeCooldown = %s, want 1h", s.InitiativeCooldown())
	}
}

func TestSettingsFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json5")
	// json5: comments and trailing commas are allowed.
	content := `{
		// operator overrides
		priority_delays_ms: {urgent: 1000},
		max_concurrent_tasks: 5,
		worker_timeout_sec: 120,
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewSettings(path)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	if got := s.PriorityDelay(protocol.PriorityUrgent); got != time.Second {
		t.Errorf("urgent delay = %s, want 1s", got)
	}
	if got := s.PriorityDelay(protocol.PriorityHigh); got != 30*time.Second {
		t.Errorf("high delay = %s, want default 30s", got)
	}
	if s.MaxConcurrentTasks() != 5 {
		t.Errorf("MaxConcurrentTasks = %d, want 5", s.MaxConcurrentTasks())
	}
	if s.WorkerTimeout() != 2*time.Minute {
		t.Errorf("WorkerTimeout = %s, want 2m", s.WorkerTimeout())
	}
}

func TestSettingsMissingFileIsNotFatal(t *testing.T) {
	s, err := NewSettings(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	if s.MaxConcurrentTasks() != 2 {
		t.Errorf("MaxConcurrentTasks = %d, want default 2", s.MaxConcurrentTasks())
	}
}

func TestSettingsEnvSeedPrecedence(t *testing.T) {
	// Env seed alone overrides the built-in default.
	s, err := NewSettingsWithDefaults("", Defaults{MaxConcurrentTasks: 6})
	if err != nil {
		t.Fatalf("NewSettingsWithDefaults: %v", err)
	}
	if s.MaxConcurrentTasks() != 6 {
		t.Errorf("MaxConcurrentTasks = %d, want env seed 6", s.MaxConcurrentTasks())
	}

	// The file wins over the env seed, the stored table over both.
	path := filepath.Join(t.TempDir(), "settings.json5")
	if err := os.WriteFile(path, []byte(`{max_concurrent_tasks: 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err = NewSettingsWithDefaults(path, Defaults{MaxConcurrentTasks: 6})
	if err != nil {
		t.Fatalf("NewSettingsWithDefaults: %v", err)
	}
	if s.MaxConcurrentTasks() != 3 {
		t.Errorf("MaxConcurrentTasks = %d, want file value 3", s.MaxConcurrentTasks())
	}
	s.ApplyStored(map[string]string{"max_concurrent_tasks": "8"})
	if s.MaxConcurrentTasks() != 8 {
		t.Errorf("MaxConcurrentTasks = %d, want stored value 8", s.MaxConcurrentTasks())
	}
}

func TestSettingsApplyStored(t *testing.T) {
	s, _ := NewSettings("")
	s.ApplyStored(map[string]string{
		"priority_delay_ms:normal": "15000",
		"max_concurrent_tasks":     "4",
		"initiative_cooldown_sec":  "7200",
		"unknown_key":              "ignored",
		"max_concurrent_tasks:bad": "9",
	})
	if got := s.PriorityDelay(protocol.PriorityNormal); got != 15*time.Second {
		t.Errorf("normal delay = %s, want 15s", got)
	}
	if s.MaxConcurrentTasks() != 4 {
		t.Errorf("MaxConcurrentTasks = %d, want 4", s.MaxConcurrentTasks())
	}
	if s.InitiativeCooldown() != 2*time.Hour {
		t.Errorf("InitiativeCooldown = %s, want 2h", s.InitiativeCooldown())
	}
}

func TestSettingsWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json5")
	if err := os.WriteFile(path, []byte(`{max_concurrent_tasks: 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewSettings(path)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	defer s.Close()
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{max_concurrent_tasks: 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.MaxConcurrentTasks() == 7 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("MaxConcurrentTasks = %d after write, want 7", s.MaxConcurrentTasks())
}
