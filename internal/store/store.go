// Package store mirrors the bridge state to a single JSON document on disk.
// Writes are debounced and performed via temp-file + rename so a crash
// mid-write never corrupts the previously committed file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fries-git/disclink/internal/domain"
)

// State is the persisted document: directory mirror, processed refs and the
// pending send queue.
type State struct {
	Ready         bool                 `json:"ready"`
	Servers       []domain.Guild       `json:"servers"`
	ProcessedRefs []string             `json:"processedRefs"`
	Queue         []domain.SendRequest `json:"queue"`
}

// Config configures the store.
type Config struct {
	Path        string
	QuietPeriod time.Duration
	Logger      *slog.Logger
}

// Store is a coalescing persistence sink: callers mark it dirty, the flush
// loop writes after a quiet period, and shutdown performs a final flush.
type Store struct {
	path     string
	quiet    time.Duration
	logger   *slog.Logger
	snapshot func() State

	wake chan struct{}
}

func New(cfg Config) *Store {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 800 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		path:   cfg.Path,
		quiet:  cfg.QuietPeriod,
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
	}
}

// SetSnapshotFunc installs the function the flush loop calls to obtain the
// current state. The controller owning the state installs it once at wiring
// time.
func (s *Store) SetSnapshotFunc(fn func() State) {
	s.snapshot = fn
}

// Load reads the state file. A missing file or a parse failure yields the
// zero state; neither is an error to the caller.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state file unreadable, starting fresh", "path", s.path, "err", err)
		}
		return State{}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("state file corrupt, starting fresh", "path", s.path, "err", err)
		return State{}
	}
	return st
}

// MarkDirty schedules a flush. Repeated calls within the quiet period
// coalesce into one write.
func (s *Store) MarkDirty() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until ctx is cancelled, then performs a final
// flush.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-s.wake:
			// Quiet period: absorb further MarkDirty calls before writing.
			select {
			case <-ctx.Done():
				s.Flush()
				return
			case <-time.After(s.quiet):
			}
			s.Flush()
		}
	}
}

// Flush writes the current snapshot immediately. Failures are logged; the
// in-memory state keeps operating without the durability guarantee until
// the next successful write.
func (s *Store) Flush() {
	if s.snapshot == nil {
		return
	}
	// Drain a pending wake so the loop does not rewrite the same state.
	select {
	case <-s.wake:
	default:
	}
	if err := s.write(s.snapshot()); err != nil {
		s.logger.Error("state flush failed", "path", s.path, "err", err)
	}
}

func (s *Store) write(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
