// Package queue implements at-most-once outbound delivery: idempotency refs,
// a parked queue for upstream outages and bounded retry with exponential
// backoff during replay.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fries-git/disclink/internal/domain"
	"github.com/fries-git/disclink/internal/metrics"
)

// Resolver maps guild/channel references to a channel id.
type Resolver interface {
	Resolve(guildRef, channelRef string) (string, error)
}

// Config configures the queue.
type Config struct {
	Upstream     domain.Upstream
	Resolver     Resolver
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	ProcessedCap int
	Logger       *slog.Logger
	Metrics      *metrics.Bridge

	// OnAck receives acks produced asynchronously during replay. Submit
	// outcomes are returned to the caller directly.
	OnAck func(domain.Ack)
	// OnChange fires after every mutation of the pending queue or the
	// processed set, so the owner can schedule a state flush.
	OnChange func()
}

// Queue is the outbound send queue.
type Queue struct {
	upstream    domain.Upstream
	resolver    Resolver
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Bridge
	onAck       func(domain.Ack)
	onChange    func()

	mu        sync.Mutex
	pending   map[string]*domain.SendRequest
	order     []string
	processed *refSet
	// inflight holds a gate per ref with a delivery in progress; the gate is
	// closed once the outcome is known. Guards the at-most-once property
	// against concurrent deliveries of the same ref.
	inflight map[string]chan struct{}

	replaying atomic.Bool
}

func New(cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 25 * time.Second
	}
	if cfg.ProcessedCap <= 0 {
		cfg.ProcessedCap = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		upstream:    cfg.Upstream,
		resolver:    cfg.Resolver,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		onAck:       cfg.OnAck,
		onChange:    cfg.OnChange,
		pending:     make(map[string]*domain.SendRequest),
		processed:   newRefSet(cfg.ProcessedCap),
		inflight:    make(map[string]chan struct{}),
	}
}

// Submit handles one send submission and returns its ack. Every submission
// gets exactly one terminal ack: skipped (ref already delivered), ok,
// failure with a reason, or queued (parked until the upstream reconnects).
func (q *Queue) Submit(ctx context.Context, req domain.SendRequest) domain.Ack {
	if req.Ref == "" {
		req.Ref = uuid.NewString()
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}

	q.mu.Lock()
	for {
		if q.processed.Contains(req.Ref) {
			q.mu.Unlock()
			return domain.Ack{OK: true, Ref: req.Ref, Skipped: true}
		}
		if !q.upstream.Connected() {
			if _, parked := q.pending[req.Ref]; !parked {
				q.park(&req)
			}
			q.mu.Unlock()
			q.notifyChange()
			return domain.Ack{OK: false, Ref: req.Ref, Queued: true}
		}
		gate, busy := q.inflight[req.Ref]
		if !busy {
			break
		}
		// Another delivery of this ref is in flight. Wait for its outcome,
		// then re-check: a success turns this submission into a skip.
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return domain.Ack{OK: false, Ref: req.Ref, Error: "cancelled"}
		case <-gate:
		}
		q.mu.Lock()
	}
	gate := make(chan struct{})
	q.inflight[req.Ref] = gate
	q.mu.Unlock()

	ack, _ := q.deliver(ctx, &req)

	q.mu.Lock()
	delete(q.inflight, req.Ref)
	close(gate)
	q.mu.Unlock()

	q.notifyChange()
	return ack
}

// deliver resolves the target and attempts one upstream send. The second
// return is true for a resolution failure, which is terminal (caller data
// error); a transport failure leaves the ref unprocessed so the caller may
// resubmit it.
func (q *Queue) deliver(ctx context.Context, req *domain.SendRequest) (domain.Ack, bool) {
	channelID, err := q.resolver.Resolve(guildRef(req), channelRef(req))
	if err != nil {
		q.logger.Warn("send target not found",
			"ref", req.Ref, "guild", guildRef(req), "channel", channelRef(req))
		return domain.Ack{OK: false, Ref: req.Ref, Error: "not found"}, true
	}

	start := time.Now()
	if err := q.upstream.SendMessage(ctx, channelID, req.Content); err != nil {
		q.logger.Warn("send failed", "ref", req.Ref, "channel_id", channelID, "err", err)
		return domain.Ack{OK: false, Ref: req.Ref, Error: err.Error()}, false
	}
	if q.metrics != nil {
		q.metrics.SendsTotal.Inc()
		q.metrics.SendLatency.Observe(time.Since(start).Seconds())
	}

	q.mu.Lock()
	q.processed.Add(req.Ref)
	q.mu.Unlock()
	return domain.Ack{OK: true, Ref: req.Ref}, false
}

// park adds a request to the pending queue. Caller holds q.mu.
func (q *Queue) park(req *domain.SendRequest) {
	cp := *req
	q.pending[req.Ref] = &cp
	q.order = append(q.order, req.Ref)
	if q.metrics != nil {
		q.metrics.QueuedGauge.Set(int64(len(q.pending)))
	}
	q.logger.Info("send parked, upstream not connected", "ref", req.Ref)
}

// Replay drains the parked queue after the upstream reconnects. Guarded by
// a single-flight flag: overlapping triggers are no-ops. Each pass
// re-snapshots the queue so submissions parked during the drain are picked
// up; the loop stops when the queue empties, the upstream drops, or ctx is
// cancelled.
func (q *Queue) Replay(ctx context.Context) {
	if !q.replaying.CompareAndSwap(false, true) {
		return
	}
	defer q.replaying.Store(false)

	for q.upstream.Connected() && ctx.Err() == nil {
		batch := q.snapshotPending()
		if len(batch) == 0 {
			return
		}
		q.logger.Info("replaying parked sends", "count", len(batch))

		for _, ref := range batch {
			if !q.upstream.Connected() || ctx.Err() != nil {
				return
			}
			q.replayOne(ctx, ref)
		}
	}
}

func (q *Queue) replayOne(ctx context.Context, ref string) {
	q.mu.Lock()
	req, ok := q.pending[ref]
	if !ok {
		q.mu.Unlock()
		return
	}
	if q.processed.Contains(ref) {
		// Delivered by a concurrent resubmission.
		q.remove(ref)
		q.mu.Unlock()
		q.emit(domain.Ack{OK: true, Ref: ref, Skipped: true})
		return
	}
	if gate, busy := q.inflight[ref]; busy {
		// A concurrent submission is delivering this ref. Wait it out; the
		// next pass re-examines the entry.
		q.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-gate:
		}
		return
	}
	cp := *req
	gate := make(chan struct{})
	q.inflight[ref] = gate
	q.mu.Unlock()

	ack, terminal := q.deliver(ctx, &cp)

	q.mu.Lock()
	delete(q.inflight, ref)
	close(gate)
	q.mu.Unlock()

	switch {
	case ack.OK, terminal:
		// Terminal either way: delivered, or a caller data error.
		q.mu.Lock()
		q.remove(ref)
		q.mu.Unlock()
		q.emit(ack)
		q.notifyChange()
	default:
		q.mu.Lock()
		req.Tries++
		tries := req.Tries
		if tries >= q.maxRetries {
			q.remove(ref)
			q.mu.Unlock()
			q.logger.Error("send dropped after retry exhaustion", "ref", ref, "tries", tries)
			if q.metrics != nil {
				q.metrics.DroppedTotal.Inc()
			}
			q.emit(domain.Ack{OK: false, Ref: ref, Error: "retries exhausted"})
			q.notifyChange()
			return
		}
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.RetriesTotal.Inc()
		}
		q.notifyChange()

		delay := q.backoff(tries)
		q.logger.Warn("send will be retried", "ref", ref, "tries", tries, "backoff", delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// backoff returns base * 2^tries, capped.
func (q *Queue) backoff(tries int) time.Duration {
	d := q.backoffBase
	for i := 0; i < tries; i++ {
		d *= 2
		if d >= q.backoffCap {
			return q.backoffCap
		}
	}
	return d
}

// remove deletes a pending entry. Caller holds q.mu.
func (q *Queue) remove(ref string) {
	delete(q.pending, ref)
	for i, r := range q.order {
		if r == ref {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if q.metrics != nil {
		q.metrics.QueuedGauge.Set(int64(len(q.pending)))
	}
}

func (q *Queue) snapshotPending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	refs := make([]string, len(q.order))
	copy(refs, q.order)
	return refs
}

// Pending returns the parked requests in submission order, for persistence.
func (q *Queue) Pending() []domain.SendRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.SendRequest, 0, len(q.order))
	for _, ref := range q.order {
		if req, ok := q.pending[ref]; ok {
			out = append(out, *req)
		}
	}
	return out
}

// RestorePending reloads parked requests from persisted state. Entries whose
// ref is already processed are dropped.
func (q *Queue) RestorePending(items []domain.SendRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range items {
		req := items[i]
		if req.Ref == "" || q.processed.Contains(req.Ref) {
			continue
		}
		if _, ok := q.pending[req.Ref]; ok {
			continue
		}
		q.pending[req.Ref] = &req
		q.order = append(q.order, req.Ref)
	}
	if q.metrics != nil {
		q.metrics.QueuedGauge.Set(int64(len(q.pending)))
	}
}

// ProcessedRefs returns the processed set in insertion order.
func (q *Queue) ProcessedRefs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed.Refs()
}

// RestoreProcessed reloads the processed set from persisted state.
func (q *Queue) RestoreProcessed(refs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ref := range refs {
		q.processed.Add(ref)
	}
}

func (q *Queue) emit(ack domain.Ack) {
	if q.onAck != nil {
		q.onAck(ack)
	}
}

func (q *Queue) notifyChange() {
	if q.onChange != nil {
		q.onChange()
	}
}

func guildRef(req *domain.SendRequest) string {
	if req.GuildID != "" {
		return req.GuildID
	}
	return req.GuildName
}

func channelRef(req *domain.SendRequest) string {
	if req.ChannelID != "" {
		return req.ChannelID
	}
	return req.ChannelName
}
