package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fries-git/disclink/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoad_MissingFile(t *testing.T) {
	s := New(Config{Path: filepath.Join(t.TempDir(), "state.json"), Logger: testLogger()})
	st := s.Load()
	if st.Ready || len(st.Servers) != 0 || len(st.ProcessedRefs) != 0 || len(st.Queue) != 0 {
		t.Errorf("expected zero state, got %+v", st)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(Config{Path: path, Logger: testLogger()})
	st := s.Load()
	if st.Ready || st.Servers != nil {
		t.Errorf("expected zero state on corrupt file, got %+v", st)
	}
}

func TestFlushLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(Config{Path: path, Logger: testLogger()})

	want := State{
		Ready: true,
		Servers: []domain.Guild{
			{ID: "g1", Name: "Test", Channels: []domain.Channel{
				{ID: "c1", Name: "general", Kind: domain.KindText},
			}},
		},
		ProcessedRefs: []string{"abc", "def"},
		Queue: []domain.SendRequest{
			{Ref: "xyz", ChannelID: "c1", Content: "hi", Tries: 2},
		},
	}
	s.SetSnapshotFunc(func() State { return want })
	s.Flush()

	got := s.Load()
	if !got.Ready {
		t.Error("ready not persisted")
	}
	if len(got.Servers) != 1 || got.Servers[0].Channels[0].Kind != domain.KindText {
		t.Errorf("servers: got %+v", got.Servers)
	}
	if len(got.ProcessedRefs) != 2 || got.ProcessedRefs[0] != "abc" {
		t.Errorf("processedRefs: got %v", got.ProcessedRefs)
	}
	if len(got.Queue) != 1 || got.Queue[0].Ref != "xyz" || got.Queue[0].Tries != 2 {
		t.Errorf("queue: got %+v", got.Queue)
	}
}

func TestRun_DebounceCoalescesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(Config{Path: path, QuietPeriod: 50 * time.Millisecond, Logger: testLogger()})

	writes := 0
	s.SetSnapshotFunc(func() State {
		writes++
		return State{Ready: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		s.MarkDirty()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	// 10 rapid marks inside one quiet period collapse to one write, plus at
	// most the final shutdown flush.
	if writes > 2 {
		t.Errorf("expected coalesced writes, got %d", writes)
	}
	if !s.Load().Ready {
		t.Error("state not written")
	}
}

func TestRun_FinalFlushOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(Config{Path: path, QuietPeriod: time.Hour, Logger: testLogger()})
	s.SetSnapshotFunc(func() State { return State{ProcessedRefs: []string{"r1"}} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.MarkDirty()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	got := s.Load()
	if len(got.ProcessedRefs) != 1 {
		t.Errorf("final flush missing, got %+v", got)
	}
}
