package directory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fries-git/disclink/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream serves canned guilds/channels and counts calls.
type fakeUpstream struct {
	mu          sync.Mutex
	guilds      []domain.Guild
	channels    map[string][]domain.Channel
	failGuilds  map[string]bool
	guildsErr   error
	fetchCalls  atomic.Int32
	blockFetch  chan struct{} // when set, GuildChannels blocks until closed
}

func (f *fakeUpstream) Connected() bool            { return true }
func (f *fakeUpstream) Identity() (string, string) { return "self-id", "self" }

func (f *fakeUpstream) Guilds(ctx context.Context) ([]domain.Guild, error) {
	return f.guilds, f.guildsErr
}

func (f *fakeUpstream) GuildChannels(ctx context.Context, guildID string) ([]domain.Channel, error) {
	f.fetchCalls.Add(1)
	if f.blockFetch != nil {
		<-f.blockFetch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGuilds[guildID] {
		return nil, errors.New("fetch failed")
	}
	return f.channels[guildID], nil
}

func (f *fakeUpstream) SendMessage(ctx context.Context, channelID, content string) error {
	return nil
}

func (f *fakeUpstream) ChannelMessages(ctx context.Context, channelID string, limit int) ([]domain.RawMessage, error) {
	return nil, nil
}

func twoGuildUpstream() *fakeUpstream {
	return &fakeUpstream{
		guilds: []domain.Guild{
			{ID: "g1", Name: "Test"},
			{ID: "g2", Name: "Other"},
		},
		channels: map[string][]domain.Channel{
			"g1": {
				{ID: "c1", Name: "general", Kind: domain.KindText},
				{ID: "c2", Name: "lobby", Kind: domain.KindVoice},
				{ID: "c3", Name: "news", Kind: domain.KindNews},
			},
			"g2": {
				{ID: "c4", Name: "General", Kind: domain.KindText},
			},
		},
		failGuilds: map[string]bool{},
	}
}

func TestBuild_FiltersToSendableKinds(t *testing.T) {
	up := twoGuildUpstream()
	c := New(Config{Upstream: up, Logger: testLogger()})

	c.Build(context.Background(), false)

	snap := c.Snapshot()
	if !snap.Ready {
		t.Fatal("snapshot not ready after build")
	}
	if len(snap.Servers) != 2 {
		t.Fatalf("expected 2 guilds, got %d", len(snap.Servers))
	}
	if len(snap.Servers[0].Channels) != 2 {
		t.Errorf("voice channel should be filtered: got %+v", snap.Servers[0].Channels)
	}
}

func TestBuild_ProgressivePartialsAndReadiness(t *testing.T) {
	up := twoGuildUpstream()
	c := New(Config{Upstream: up, Logger: testLogger()})

	var partials []string
	c.OnPartial = func(g domain.Guild) {
		partials = append(partials, g.ID)
		if c.Ready() {
			t.Error("ready must stay false until the build pass completes")
		}
	}
	var completed bool
	c.OnComplete = func(snap domain.DirectorySnapshot) {
		completed = true
		if !snap.Ready {
			t.Error("complete snapshot must be ready")
		}
	}

	c.Build(context.Background(), true)

	if len(partials) != 2 || partials[0] != "g1" || partials[1] != "g2" {
		t.Errorf("partials: got %v", partials)
	}
	if !completed {
		t.Error("OnComplete not fired")
	}
}

func TestBuild_PerGuildFailureDegradesToEmpty(t *testing.T) {
	up := twoGuildUpstream()
	up.failGuilds["g1"] = true
	c := New(Config{Upstream: up, Logger: testLogger()})

	c.Build(context.Background(), false)

	snap := c.Snapshot()
	if !snap.Ready {
		t.Fatal("a per-guild failure must not abort the build")
	}
	if len(snap.Servers) != 2 {
		t.Fatalf("expected 2 guilds, got %d", len(snap.Servers))
	}
	if len(snap.Servers[0].Channels) != 0 {
		t.Errorf("failed guild should have empty channels, got %+v", snap.Servers[0].Channels)
	}
	if len(snap.Servers[1].Channels) != 1 {
		t.Errorf("healthy guild unaffected, got %+v", snap.Servers[1].Channels)
	}
}

func TestBuild_EnumerationFailureYieldsEmptyReadyDirectory(t *testing.T) {
	up := &fakeUpstream{guildsErr: errors.New("gateway down")}
	c := New(Config{Upstream: up, Logger: testLogger()})

	c.Build(context.Background(), false)

	snap := c.Snapshot()
	if !snap.Ready || len(snap.Servers) != 0 {
		t.Errorf("expected empty ready snapshot, got %+v", snap)
	}
}

func TestBuild_SingleFlight(t *testing.T) {
	up := twoGuildUpstream()
	up.blockFetch = make(chan struct{})
	c := New(Config{Upstream: up, Logger: testLogger()})

	done := make(chan struct{})
	go func() {
		c.Build(context.Background(), false)
		close(done)
	}()

	// Wait until the first build is inside a fetch.
	for up.fetchCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Re-trigger: must return immediately without new fetches.
	before := up.fetchCalls.Load()
	c.Build(context.Background(), false)
	if up.fetchCalls.Load() != before {
		t.Error("overlapping build started new fetches")
	}

	close(up.blockFetch)
	<-done
}

func TestResolve_Precedence(t *testing.T) {
	up := twoGuildUpstream()
	// A guild literally named like another guild's id: id match must win.
	up.guilds = append(up.guilds, domain.Guild{ID: "g3", Name: "g1"})
	up.channels["g3"] = []domain.Channel{{ID: "c9", Name: "general", Kind: domain.KindText}}
	c := New(Config{Upstream: up, Logger: testLogger()})
	c.Build(context.Background(), false)

	tests := []struct {
		name       string
		guildRef   string
		channelRef string
		want       string
		wantErr    bool
	}{
		{"by ids", "g1", "c1", "c1", false},
		{"by names", "Test", "general", "c1", false},
		{"name case-insensitive", "test", "GENERAL", "c1", false},
		{"guild id beats guild name", "g1", "general", "c1", false},
		{"unknown guild", "nope", "general", "", true},
		{"unknown channel", "g1", "nope", "", true},
		{"voice channel not sendable", "g1", "lobby", "", true},
		{"cross-guild channel not found", "g2", "news", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Resolve(tt.guildRef, tt.channelRef)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected ErrNotFound, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRestore_NoUpstreamCalls(t *testing.T) {
	up := twoGuildUpstream()
	c := New(Config{Upstream: up, Logger: testLogger()})

	c.Restore(domain.DirectorySnapshot{
		Ready: true,
		Servers: []domain.Guild{
			{ID: "g9", Name: "Persisted", Channels: []domain.Channel{
				{ID: "c9", Name: "general", Kind: domain.KindText},
			}},
		},
	})

	if up.fetchCalls.Load() != 0 {
		t.Error("restore must not touch the upstream")
	}
	id, err := c.Resolve("Persisted", "general")
	if err != nil || id != "c9" {
		t.Errorf("resolve after restore: %q, %v", id, err)
	}
}
