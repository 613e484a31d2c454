package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// defaultPriorityDelays is the delay before the next loop when the head of
// the pending queue carries the given priority.
var defaultPriorityDelays = map[string]time.Duration{
	"critical":    0,
	"urgent":      5 * time.Second,
	"high":        30 * time.Second,
	"normal":      2 * time.Minute,
	"low":         5 * time.Minute,
	"operational": 10 * time.Minute,
}

// SettingsFile is the on-disk shape of the optional settings.json5 file.
type SettingsFile struct {
	PriorityDelaysMS   map[string]int64 `json:"priority_delays_ms,omitempty"`
	MaxConcurrentTasks int              `json:"max_concurrent_tasks,omitempty"`
	InitiativeCooldown int              `json:"initiative_cooldown_sec,omitempty"`
	WorkerTimeoutSec   int              `json:"worker_timeout_sec,omitempty"`
}

// Settings is the typed runtime-settings object loaded once at startup and
// mutable only through Reload. Safe for concurrent readers.
type Settings struct {
	mu sync.RWMutex

	priorityDelays     map[string]time.Duration
	maxConcurrentTasks int
	initiativeCooldown time.Duration
	workerTimeout      time.Duration

	path    string
	watcher *fsnotify.Watcher
}

// Defaults seeds Settings from the environment before the file and stored
// overlays apply. Zero fields keep the built-in defaults, so precedence is
// built-in < env < file < stored table.
type Defaults struct {
	MaxConcurrentTasks int
}

// NewSettings returns Settings with built-in defaults, optionally overlaid
// from the json5 file at path (missing file is not an error).
func NewSettings(path string) (*Settings, error) {
	return NewSettingsWithDefaults(path, Defaults{})
}

// NewSettingsWithDefaults is NewSettings with env-derived seed values.
func NewSettingsWithDefaults(path string, d Defaults) (*Settings, error) {
	s := &Settings{
		priorityDelays:     make(map[string]time.Duration, len(defaultPriorityDelays)),
		maxConcurrentTasks: 2,
		initiativeCooldown: time.Hour,
		workerTimeout:      60 * time.Second,
		path:               path,
	}
	for k, v := range defaultPriorityDelays {
		s.priorityDelays[k] = v
	}
	if d.MaxConcurrentTasks > 0 {
		s.maxConcurrentTasks = d.MaxConcurrentTasks
	}
	if path != "" {
		if err := s.Reload("startup"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Reload re-reads the settings file. reason labels the reload in the log so
// mutation of the settings object is always attributable.
func (s *Settings) Reload(reason string) error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}
	var file SettingsFile
	if err := json5.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse settings %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ms := range file.PriorityDelaysMS {
		s.priorityDelays[k] = time.Duration(ms) * time.Millisecond
	}
	if file.MaxConcurrentTasks > 0 {
		s.maxConcurrentTasks = file.MaxConcurrentTasks
	}
	if file.InitiativeCooldown > 0 {
		s.initiativeCooldown = time.Duration(file.InitiativeCooldown) * time.Second
	}
	if file.WorkerTimeoutSec > 0 {
		s.workerTimeout = time.Duration(file.WorkerTimeoutSec) * time.Second
	}
	slog.Info("settings_reloaded", "path", s.path, "reason", reason)
	return nil
}

// ApplyStored overlays key/value rows from the relational settings table.
// Recognised keys: priority_delay_ms:<priority>, max_concurrent_tasks,
// initiative_cooldown_sec. Unknown keys are ignored.
func (s *Settings) ApplyStored(kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		switch {
		case len(k) > len("priority_delay_ms:") && k[:len("priority_delay_ms:")] == "priority_delay_ms:":
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				s.priorityDelays[k[len("priority_delay_ms:"):]] = time.Duration(ms) * time.Millisecond
			}
		case k == "max_concurrent_tasks":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				s.maxConcurrentTasks = n
			}
		case k == "initiative_cooldown_sec":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				s.initiativeCooldown = time.Duration(n) * time.Second
			}
		}
	}
}

// Watch starts an fsnotify watcher on the settings file; every write event
// triggers a labelled reload. No-op when no path is configured.
func (s *Settings) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := s.Reload("file_changed"); err != nil {
						slog.Warn("settings reload failed", "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("settings watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (s *Settings) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// PriorityDelay returns the next-loop delay for a priority. Unknown
// priorities fall back to the normal delay.
func (s *Settings) PriorityDelay(p protocol.Priority) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.priorityDelays[string(p)]; ok {
		return d
	}
	return s.priorityDelays["normal"]
}

// MaxConcurrentTasks is the cap compared against in-progress tracker items.
func (s *Settings) MaxConcurrentTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxConcurrentTasks
}

// InitiativeCooldown is the idle time required between initiatives.
func (s *Settings) InitiativeCooldown() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initiativeCooldown
}

// WorkerTimeout is the base per-task timeout for spawned workers.
func (s *Settings) WorkerTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerTimeout
}
