// Package bridge is the controller: it owns the directory cache, the send
// queue, the persistence store and the fan-out hub, and routes upstream and
// client events between them. All inbound platform events pass through one
// dispatch loop so ordering stays explicit.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/fries-git/disclink/internal/config"
	"github.com/fries-git/disclink/internal/directory"
	"github.com/fries-git/disclink/internal/domain"
	"github.com/fries-git/disclink/internal/hub"
	"github.com/fries-git/disclink/internal/metrics"
	"github.com/fries-git/disclink/internal/pipeline"
	"github.com/fries-git/disclink/internal/queue"
	"github.com/fries-git/disclink/internal/store"
)

const inboundBuffer = 256

// Config configures the bridge.
type Config struct {
	Upstream domain.Upstream
	Conf     *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Bridge
}

// Bridge wires the components together and owns the persisted state
// aggregate.
type Bridge struct {
	upstream domain.Upstream
	cache    *directory.Cache
	store    *store.Store
	queue    *queue.Queue
	pipe     *pipeline.Pipeline
	hub      *hub.Hub
	logger   *slog.Logger
	metrics  *metrics.Bridge

	inbound chan domain.RawMessage
	ctx     context.Context
}

// New builds and wires every component and restores persisted state. No
// upstream call happens here. ctx bounds everything the bridge launches,
// including work started by upstream callbacks that fire before Run.
func New(ctx context.Context, cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		upstream: cfg.Upstream,
		logger:   logger,
		metrics:  cfg.Metrics,
		inbound:  make(chan domain.RawMessage, inboundBuffer),
		ctx:      ctx,
	}

	b.store = store.New(store.Config{
		Path:        cfg.Conf.State.Path,
		QuietPeriod: time.Duration(cfg.Conf.State.FlushMs) * time.Millisecond,
		Logger:      logger,
	})

	b.cache = directory.New(directory.Config{
		Upstream: cfg.Upstream,
		Logger:   logger,
	})
	b.cache.OnPartial = func(g domain.Guild) {
		b.hub.Broadcast(hub.ServerPartial(g))
	}
	b.cache.OnComplete = func(snap domain.DirectorySnapshot) {
		b.hub.Broadcast(hub.Ready(true))
		b.hub.Broadcast(hub.ServerList(snap.Servers))
	}
	b.cache.OnChange = b.store.MarkDirty

	b.queue = queue.New(queue.Config{
		Upstream:     cfg.Upstream,
		Resolver:     b.cache,
		MaxRetries:   cfg.Conf.Queue.MaxRetries,
		BackoffBase:  time.Duration(cfg.Conf.Queue.BackoffBaseMs) * time.Millisecond,
		BackoffCap:   time.Duration(cfg.Conf.Queue.BackoffCapMs) * time.Millisecond,
		ProcessedCap: cfg.Conf.Queue.ProcessedCap,
		Logger:       logger,
		Metrics:      cfg.Metrics,
		OnAck: func(ack domain.Ack) {
			b.hub.Broadcast(hub.AckFrame(ack))
		},
		OnChange: b.store.MarkDirty,
	})

	b.pipe = pipeline.New(pipeline.Config{
		IgnoreBots:   cfg.Conf.Pipeline.IgnoreBots,
		DedupeWindow: time.Duration(cfg.Conf.Pipeline.DedupeWindowMs) * time.Millisecond,
		Logger:       logger,
	})
	if cfg.Metrics != nil {
		b.pipe.OnDuplicate = cfg.Metrics.DedupedTotal.Inc
	}

	hubCfg := hub.Config{
		Host:              cfg.Conf.Listen.Host,
		Port:              cfg.Conf.Listen.Port,
		Path:              cfg.Conf.Listen.Path,
		HeartbeatInterval: time.Duration(cfg.Conf.Heartbeat.IntervalSeconds) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Conf.Heartbeat.TimeoutSeconds) * time.Second,
		Logger:            logger,
		Metrics:           cfg.Metrics,
		OnConnect:         b.greet,
		OnFrame:           b.handleFrame,
	}
	if cfg.Conf.Metrics.Enabled && cfg.Metrics != nil {
		hubCfg.MetricsHandler = cfg.Metrics.Collector.Handler()
	}
	b.hub = hub.New(hubCfg)

	b.restore()
	b.store.SetSnapshotFunc(b.snapshotState)
	return b
}

// restore reloads the persisted mirror: directory snapshot, processed refs
// and the parked queue.
func (b *Bridge) restore() {
	st := b.store.Load()
	b.cache.Restore(domain.DirectorySnapshot{Servers: st.Servers, Ready: st.Ready})
	b.queue.RestoreProcessed(st.ProcessedRefs)
	b.queue.RestorePending(st.Queue)
	if st.Ready {
		b.logger.Info("state restored",
			"guilds", len(st.Servers),
			"processed_refs", len(st.ProcessedRefs),
			"pending", len(st.Queue))
	}
}

func (b *Bridge) snapshotState() store.State {
	snap := b.cache.Snapshot()
	return store.State{
		Ready:         snap.Ready,
		Servers:       snap.Servers,
		ProcessedRefs: b.queue.ProcessedRefs(),
		Queue:         b.queue.Pending(),
	}
}

// Hub exposes the fan-out hub, mainly for tests.
func (b *Bridge) Hub() *hub.Hub { return b.hub }

// Run serves until the bridge context is cancelled: flush loop, dispatch
// loop and the client listener.
func (b *Bridge) Run() error {
	go b.store.Run(b.ctx)
	go b.dispatchLoop(b.ctx)
	return b.hub.Start(b.ctx)
}

// dispatchLoop drains inbound platform events in arrival order.
func (b *Bridge) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-b.inbound:
			b.process(raw)
		}
	}
}

func (b *Bridge) process(raw domain.RawMessage) {
	msg, ping := b.pipe.Process(raw)
	if msg == nil {
		return
	}
	b.hub.Broadcast(hub.Message(*msg))
	if b.metrics != nil {
		b.metrics.MessagesTotal.Inc()
	}
	if ping != nil {
		b.hub.Broadcast(hub.Ping(*ping))
		if b.metrics != nil {
			b.metrics.PingsTotal.Inc()
		}
	}
}

// HandleInbound enqueues one raw platform event. Called from the upstream
// dispatch goroutine; the event is dropped with a warning if the buffer is
// full rather than blocking the upstream connection.
func (b *Bridge) HandleInbound(raw domain.RawMessage) {
	select {
	case b.inbound <- raw:
	default:
		b.logger.Warn("inbound buffer full, event dropped", "message_id", raw.ID)
	}
}

// HandleUpstreamConnect reacts to the gateway coming up: status fan-out,
// then queue replay, but only when the directory is already usable. The
// initial-build case starts its replay from HandleUpstreamReady so replay
// never resolves against a not-yet-built directory.
func (b *Bridge) HandleUpstreamConnect() {
	b.hub.Broadcast(hub.BridgeStatus(true, b.cache.Ready()))
	if b.cache.Ready() {
		go b.queue.Replay(b.ctx)
	}
}

// HandleUpstreamDisconnect fans out the status change. In-flight upstream
// calls fail naturally; parked submissions wait for the next connect.
func (b *Bridge) HandleUpstreamDisconnect() {
	b.hub.Broadcast(hub.BridgeStatus(false, b.cache.Ready()))
}

// HandleUpstreamReady runs once per gateway session. The first ready after
// a start without a persisted snapshot triggers the only implicit directory
// build; every later rebuild needs an explicit client request.
func (b *Bridge) HandleUpstreamReady() {
	id, name := b.upstream.Identity()
	b.pipe.SetSelf(id)
	b.logger.Info("upstream identity", "id", id, "name", name)

	if b.cache.Ready() {
		go b.queue.Replay(b.ctx)
		return
	}
	go func() {
		b.cache.Build(b.ctx, true)
		b.queue.Replay(b.ctx)
	}()
}

// greet replays current state to a new connection: connectivity, readiness,
// then the directory snapshot if one exists. Never triggers a build.
func (b *Bridge) greet(c *hub.Client) {
	ready := b.cache.Ready()
	c.Send(hub.BridgeStatus(b.upstream.Connected(), ready))
	c.Send(hub.Ready(ready))
	if ready {
		c.Send(hub.ServerList(b.cache.Snapshot().Servers))
	}
}

func (b *Bridge) handleFrame(c *hub.Client, frame hub.ClientFrame) {
	switch frame.Type {
	case hub.TypeGetServerList:
		if frame.Force {
			b.forceRefresh()
			return
		}
		snap := b.cache.Snapshot()
		c.Send(hub.Ready(snap.Ready))
		c.Send(hub.ServerList(snap.Servers))

	case hub.TypeRefreshServers:
		b.forceRefresh()

	case hub.TypeSendMessage:
		ack := b.queue.Submit(b.ctx, domain.SendRequest{
			Ref:         frame.Ref,
			GuildID:     frame.GuildID,
			GuildName:   frame.GuildName,
			ChannelID:   frame.ChannelID,
			ChannelName: frame.ChannelName,
			Content:     frame.Content,
		})
		c.Send(hub.AckFrame(ack))

	case hub.TypeGetMessages:
		b.fetchHistory(c, frame)

	default:
		c.Send(hub.ErrorFrame("unknown type: "+frame.Type, ""))
	}
}

// forceRefresh starts a progressive rebuild; overlapping requests collapse
// into the one in-flight build inside the cache.
func (b *Bridge) forceRefresh() {
	go b.cache.Build(b.ctx, true)
}

// fetchHistory serves the on-demand bulk fetch: upstream messages mapped
// through the display rules, oldest first.
func (b *Bridge) fetchHistory(c *hub.Client, frame hub.ClientFrame) {
	if frame.ChannelID == "" {
		c.Send(hub.ErrorFrame("channelId required", ""))
		return
	}
	raws, err := b.upstream.ChannelMessages(b.ctx, frame.ChannelID, frame.Limit)
	if err != nil {
		b.logger.Warn("history fetch failed", "channel_id", frame.ChannelID, "err", err)
		c.Send(hub.ErrorFrame("fetch failed: "+err.Error(), ""))
		return
	}
	msgs := make([]domain.InboundMessage, 0, len(raws))
	for _, raw := range raws {
		msgs = append(msgs, *b.pipe.Normalize(raw))
	}
	c.Send(hub.Messages(frame.ChannelID, msgs))
}
