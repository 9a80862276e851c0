// Package storage persists per-channel off-delay values as a small JSON
// file and serves them to the state hub. The hub re-reads through
// OffDelay on every timer arm, so saved changes apply immediately.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/trymwestin/hikd/internal/core/state"
)

// fileFormat is the on-disk JSON shape. Channel ids are string keys to
// keep the file diff-friendly and hand-editable.
type fileFormat struct {
	ChannelTimeouts map[string]int `json:"channel_timeouts"`
}

// Store holds per-channel off-delays with a configured default fallback.
// It implements state.DelaySource.
type Store struct {
	path         string
	defaultDelay int
	log          *slog.Logger

	mu       sync.Mutex
	timeouts map[int]int
}

// Open loads the store file at path, creating state in memory if the file
// does not exist yet. Unparseable entries are dropped, not fatal.
func Open(path string, defaultDelay int, log *slog.Logger) (*Store, error) {
	s := &Store{
		path:         path,
		defaultDelay: state.ClampOffDelay(defaultDelay),
		log:          log,
		timeouts:     make(map[int]int),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("storage: parse %s: %w", path, err)
	}
	for key, seconds := range file.ChannelTimeouts {
		channelID, err := strconv.Atoi(key)
		if err != nil || channelID <= 0 {
			log.Warn("storage: dropping invalid channel key", "key", key)
			continue
		}
		s.timeouts[channelID] = state.ClampOffDelay(seconds)
	}
	return s, nil
}

// OffDelay returns the configured delay for a channel, falling back to
// the default. Implements state.DelaySource.
func (s *Store) OffDelay(channelID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seconds, ok := s.timeouts[channelID]; ok {
		return seconds
	}
	return s.defaultDelay
}

// SetOffDelay clamps, stores, and persists a per-channel delay.
func (s *Store) SetOffDelay(channelID, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[channelID] = state.ClampOffDelay(seconds)
	return s.save()
}

// HasOverrides reports whether any per-channel value is stored.
func (s *Store) HasOverrides() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timeouts) > 0
}

// MigrateLegacyOverrides parses the old "channel=seconds" lines format and
// merges it into an empty store. A store that already has entries wins;
// the legacy text is then ignored. Run once at startup.
func (s *Store) MigrateLegacyOverrides(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timeouts) > 0 {
		return nil
	}

	migrated := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "=") {
			continue
		}
		left, right, _ := strings.Cut(line, "=")
		channelID, err1 := strconv.Atoi(strings.TrimSpace(left))
		seconds, err2 := strconv.Atoi(strings.TrimSpace(right))
		if err1 != nil || err2 != nil || channelID <= 0 {
			s.log.Warn("storage: skipping unparseable override line", "line", line)
			continue
		}
		s.timeouts[channelID] = state.ClampOffDelay(seconds)
		migrated++
	}

	if migrated == 0 {
		return nil
	}
	s.log.Info("storage: migrated legacy channel overrides", "count", migrated)
	return s.save()
}

// save writes the file. Caller holds s.mu.
func (s *Store) save() error {
	file := fileFormat{ChannelTimeouts: make(map[string]int, len(s.timeouts))}
	for channelID, seconds := range s.timeouts {
		file.ChannelTimeouts[strconv.Itoa(channelID)] = seconds
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("storage: write %s: %w", s.path, err)
	}
	return nil
}
