// Package directory builds and holds the cached guild/channel tree and
// resolves human-readable references to channel ids.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fries-git/disclink/internal/domain"
)

// ErrNotFound is returned by Resolve when no sendable channel matches.
var ErrNotFound = errors.New("not found")

// Config configures the cache.
type Config struct {
	Upstream  domain.Upstream
	BatchSize int
	Logger    *slog.Logger
}

// Cache holds the current directory snapshot. A build pass never lets a
// per-guild failure escape: that guild degrades to an empty channel list.
type Cache struct {
	upstream  domain.Upstream
	batchSize int
	logger    *slog.Logger

	mu   sync.RWMutex
	snap domain.DirectorySnapshot

	building atomic.Bool

	// OnPartial fires per guild during a progressive build, OnComplete once
	// per build, OnChange after every snapshot mutation. All are optional
	// and installed at wiring time.
	OnPartial  func(domain.Guild)
	OnComplete func(domain.DirectorySnapshot)
	OnChange   func()
}

func New(cfg Config) *Cache {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		upstream:  cfg.Upstream,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
}

// Ready reports whether the current snapshot has visited every known guild.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Ready
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() domain.DirectorySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	servers := make([]domain.Guild, len(c.snap.Servers))
	copy(servers, c.snap.Servers)
	return domain.DirectorySnapshot{Servers: servers, Ready: c.snap.Ready}
}

// Restore installs a previously persisted snapshot without any upstream
// calls.
func (c *Cache) Restore(snap domain.DirectorySnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
}

// Building reports whether a build pass is currently running.
func (c *Cache) Building() bool {
	return c.building.Load()
}

// Build walks every guild known to the upstream connection, fetching channel
// lists in batches, filtering to sendable kinds. With progressive set, each
// guild is emitted through OnPartial as soon as it lands. Overlapping calls
// collapse: a Build while one is running is a no-op.
func (c *Cache) Build(ctx context.Context, progressive bool) {
	if !c.building.CompareAndSwap(false, true) {
		c.logger.Debug("directory build already in progress")
		return
	}
	defer c.building.Store(false)

	c.mu.Lock()
	c.snap = domain.DirectorySnapshot{}
	c.mu.Unlock()

	guilds, err := c.upstream.Guilds(ctx)
	if err != nil {
		// Degrade to an empty directory rather than failing the build.
		c.logger.Error("guild enumeration failed", "err", err)
	}
	c.logger.Info("directory build started", "guilds", len(guilds), "progressive", progressive)

	for start := 0; start < len(guilds); start += c.batchSize {
		end := start + c.batchSize
		if end > len(guilds) {
			end = len(guilds)
		}
		batch := guilds[start:end]

		filled := make([]domain.Guild, len(batch))
		var wg sync.WaitGroup
		for i, g := range batch {
			wg.Add(1)
			go func(i int, g domain.Guild) {
				defer wg.Done()
				filled[i] = c.fetchGuild(ctx, g)
			}(i, g)
		}
		wg.Wait()

		for _, g := range filled {
			c.mu.Lock()
			c.snap.Servers = append(c.snap.Servers, g)
			c.mu.Unlock()
			if progressive && c.OnPartial != nil {
				c.OnPartial(g)
			}
			c.notifyChange()
		}
	}

	c.mu.Lock()
	c.snap.Ready = true
	c.mu.Unlock()
	c.notifyChange()

	snap := c.Snapshot()
	c.logger.Info("directory build complete", "guilds", len(snap.Servers))
	if c.OnComplete != nil {
		c.OnComplete(snap)
	}
}

func (c *Cache) fetchGuild(ctx context.Context, g domain.Guild) domain.Guild {
	channels, err := c.upstream.GuildChannels(ctx, g.ID)
	if err != nil {
		c.logger.Warn("channel fetch failed", "guild", g.Name, "guild_id", g.ID, "err", err)
		return domain.Guild{ID: g.ID, Name: g.Name, Channels: []domain.Channel{}}
	}
	sendable := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Kind.Sendable() {
			sendable = append(sendable, ch)
		}
	}
	return domain.Guild{ID: g.ID, Name: g.Name, Channels: sendable}
}

func (c *Cache) notifyChange() {
	if c.OnChange != nil {
		c.OnChange()
	}
}

// Resolve maps guild/channel references to a channel id. Each ref may be an
// id or a name; an id match wins over a name match and name matching is
// case-insensitive. Only sendable channels resolve.
func (c *Cache) Resolve(guildRef, channelRef string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var guild *domain.Guild
	for i := range c.snap.Servers {
		if c.snap.Servers[i].ID == guildRef {
			guild = &c.snap.Servers[i]
			break
		}
	}
	if guild == nil {
		for i := range c.snap.Servers {
			if strings.EqualFold(c.snap.Servers[i].Name, guildRef) {
				guild = &c.snap.Servers[i]
				break
			}
		}
	}
	if guild == nil {
		return "", ErrNotFound
	}

	for _, ch := range guild.Channels {
		if ch.ID == channelRef && ch.Kind.Sendable() {
			return ch.ID, nil
		}
	}
	for _, ch := range guild.Channels {
		if strings.EqualFold(ch.Name, channelRef) && ch.Kind.Sendable() {
			return ch.ID, nil
		}
	}
	return "", ErrNotFound
}
