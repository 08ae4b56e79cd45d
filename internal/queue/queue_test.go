package queue

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

// fakeSender is a controllable upstream for queue tests.
type fakeSender struct {
	connected atomic.Bool
	// sendGate, when set before use, blocks every SendMessage until closed.
	sendGate  chan struct{}
	mu        sync.Mutex
	sendErr   error
	sent      []string // channelIDs
	sendTimes []time.Time
}

func newFakeSender(connected bool) *fakeSender {
	f := &fakeSender{}
	f.connected.Store(connected)
	return f
}

func (f *fakeSender) Connected() bool            { return f.connected.Load() }
func (f *fakeSender) Identity() (string, string) { return "self-id", "self" }

func (f *fakeSender) Guilds(ctx context.Context) ([]domain.Guild, error) { return nil, nil }
func (f *fakeSender) GuildChannels(ctx context.Context, guildID string) ([]domain.Channel, error) {
	return nil, nil
}
func (f *fakeSender) ChannelMessages(ctx context.Context, channelID string, limit int) ([]domain.RawMessage, error) {
	return nil, nil
}

func (f *fakeSender) SendMessage(ctx context.Context, channelID, content string) error {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID)
	f.sendTimes = append(f.sendTimes, time.Now())
	return f.sendErr
}

func (f *fakeSender) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeResolver resolves "Test"/"general" style refs from a fixed table.
type fakeResolver struct{ table map[[2]string]string }

func (r *fakeResolver) Resolve(guildRef, channelRef string) (string, error) {
	if id, ok := r.table[[2]string{guildRef, channelRef}]; ok {
		return id, nil
	}
	return "", errors.New("not found")
}

func defaultResolver() *fakeResolver {
	return &fakeResolver{table: map[[2]string]string{
		{"Test", "general"}: "c1",
		{"g1", "c1"}:        "c1",
	}}
}

func newTestQueue(up *fakeSender, acks *[]domain.Ack) *Queue {
	var mu sync.Mutex
	return New(Config{
		Upstream:    up,
		Resolver:    defaultResolver(),
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Logger:      testLogger(),
		OnAck: func(a domain.Ack) {
			mu.Lock()
			*acks = append(*acks, a)
			mu.Unlock()
		},
	})
}

func TestSubmit_Idempotency(t *testing.T) {
	up := newFakeSender(true)
	q := newTestQueue(up, &[]domain.Ack{})

	req := domain.SendRequest{Ref: "abc", GuildName: "Test", ChannelName: "general", Content: "hi"}
	first := q.Submit(context.Background(), req)
	if !first.OK || first.Skipped {
		t.Fatalf("first ack: %+v", first)
	}
	second := q.Submit(context.Background(), req)
	if !second.OK || !second.Skipped {
		t.Fatalf("second ack should be skipped: %+v", second)
	}
	if up.sendCount() != 1 {
		t.Errorf("expected exactly one upstream send, got %d", up.sendCount())
	}
}

func TestSubmit_GeneratesRef(t *testing.T) {
	up := newFakeSender(true)
	q := newTestQueue(up, &[]domain.Ack{})

	ack := q.Submit(context.Background(), domain.SendRequest{GuildName: "Test", ChannelName: "general", Content: "hi"})
	if !ack.OK || ack.Ref == "" {
		t.Errorf("expected generated ref, got %+v", ack)
	}
}

func TestSubmit_ResolutionFailureIsTerminal(t *testing.T) {
	up := newFakeSender(true)
	q := newTestQueue(up, &[]domain.Ack{})

	ack := q.Submit(context.Background(), domain.SendRequest{Ref: "r", GuildName: "Nope", ChannelName: "general", Content: "hi"})
	if ack.OK || ack.Queued || ack.Error != "not found" {
		t.Fatalf("ack: %+v", ack)
	}
	if up.sendCount() != 0 {
		t.Error("no upstream call expected on resolution failure")
	}
	if len(q.Pending()) != 0 {
		t.Error("resolution failure must not be parked")
	}
}

func TestSubmit_TransportFailureIsResubmittable(t *testing.T) {
	up := newFakeSender(true)
	up.setSendErr(errors.New("transport error"))
	q := newTestQueue(up, &[]domain.Ack{})

	req := domain.SendRequest{Ref: "r", GuildName: "Test", ChannelName: "general", Content: "hi"}
	ack := q.Submit(context.Background(), req)
	if ack.OK || ack.Error != "transport error" {
		t.Fatalf("ack: %+v", ack)
	}

	// The ref was never marked processed, so a resubmission delivers.
	up.setSendErr(nil)
	retry := q.Submit(context.Background(), req)
	if !retry.OK || retry.Skipped {
		t.Fatalf("resubmission ack: %+v", retry)
	}
}

func TestSubmit_ConcurrentSameRefSendsOnce(t *testing.T) {
	up := newFakeSender(true)
	up.sendGate = make(chan struct{})
	q := newTestQueue(up, &[]domain.Ack{})

	req := domain.SendRequest{Ref: "dup", GuildName: "Test", ChannelName: "general", Content: "hi"}
	acks := make(chan domain.Ack, 2)
	for i := 0; i < 2; i++ {
		go func() {
			acks <- q.Submit(context.Background(), req)
		}()
	}
	// Hold the first delivery inside the upstream so the second submission
	// arrives while it is in flight.
	time.Sleep(20 * time.Millisecond)
	close(up.sendGate)

	first, second := <-acks, <-acks
	if !first.OK || !second.OK {
		t.Fatalf("acks: %+v, %+v", first, second)
	}
	if first.Skipped == second.Skipped {
		t.Errorf("exactly one submission should be skipped: %+v, %+v", first, second)
	}
	if up.sendCount() != 1 {
		t.Errorf("expected exactly one upstream send, got %d", up.sendCount())
	}
}

func TestReplay_ConcurrentResubmissionSendsOnce(t *testing.T) {
	up := newFakeSender(false)
	var acks []domain.Ack
	q := newTestQueue(up, &acks)

	req := domain.SendRequest{Ref: "dup", GuildName: "Test", ChannelName: "general", Content: "hi"}
	q.Submit(context.Background(), req)

	up.sendGate = make(chan struct{})
	up.connected.Store(true)
	done := make(chan struct{})
	go func() {
		q.Replay(context.Background())
		close(done)
	}()

	// Resubmit while the replay delivery is held inside the upstream.
	time.Sleep(20 * time.Millisecond)
	ackCh := make(chan domain.Ack, 1)
	go func() {
		ackCh <- q.Submit(context.Background(), req)
	}()
	time.Sleep(20 * time.Millisecond)
	close(up.sendGate)
	<-done

	ack := <-ackCh
	if !ack.OK {
		t.Fatalf("resubmission ack: %+v", ack)
	}
	if up.sendCount() != 1 {
		t.Errorf("expected exactly one upstream send, got %d", up.sendCount())
	}
}

func TestSubmit_ParksWhileDisconnected(t *testing.T) {
	up := newFakeSender(false)
	q := newTestQueue(up, &[]domain.Ack{})

	req := domain.SendRequest{Ref: "abc", GuildName: "Test", ChannelName: "general", Content: "hi"}
	ack := q.Submit(context.Background(), req)
	if ack.OK || !ack.Queued || ack.Ref != "abc" {
		t.Fatalf("ack: %+v", ack)
	}

	// Resubmitting the same ref while parked is a no-op.
	again := q.Submit(context.Background(), req)
	if !again.Queued {
		t.Fatalf("ack: %+v", again)
	}
	if len(q.Pending()) != 1 {
		t.Errorf("expected one parked entry, got %d", len(q.Pending()))
	}
	if up.sendCount() != 0 {
		t.Error("no upstream call while disconnected")
	}
}

func TestReplay_DeliversParkedItems(t *testing.T) {
	up := newFakeSender(false)
	var acks []domain.Ack
	q := newTestQueue(up, &acks)

	q.Submit(context.Background(), domain.SendRequest{Ref: "abc", GuildName: "Test", ChannelName: "general", Content: "hi"})

	up.connected.Store(true)
	q.Replay(context.Background())

	if up.sendCount() != 1 {
		t.Fatalf("expected one send, got %d", up.sendCount())
	}
	if len(q.Pending()) != 0 {
		t.Error("queue should be drained")
	}
	found := false
	for _, ref := range q.ProcessedRefs() {
		if ref == "abc" {
			found = true
		}
	}
	if !found {
		t.Error("delivered ref missing from processed set")
	}
	if len(acks) != 1 || !acks[0].OK || acks[0].Ref != "abc" {
		t.Errorf("replay acks: %+v", acks)
	}
}

func TestReplay_RetriesThenDrops(t *testing.T) {
	up := newFakeSender(false)
	var acks []domain.Ack
	q := newTestQueue(up, &acks)

	q.Submit(context.Background(), domain.SendRequest{Ref: "bad", GuildName: "Test", ChannelName: "general", Content: "hi"})

	up.setSendErr(errors.New("transport error"))
	up.connected.Store(true)
	q.Replay(context.Background())

	if up.sendCount() != 3 {
		t.Errorf("expected MaxRetries=3 attempts, got %d", up.sendCount())
	}
	if len(q.Pending()) != 0 {
		t.Error("exhausted item must be dropped")
	}
	last := acks[len(acks)-1]
	if last.OK || last.Error != "retries exhausted" {
		t.Errorf("terminal ack: %+v", last)
	}
	// Inter-attempt delays never decrease.
	up.mu.Lock()
	defer up.mu.Unlock()
	var prev time.Duration = -1
	for i := 1; i < len(up.sendTimes); i++ {
		gap := up.sendTimes[i].Sub(up.sendTimes[i-1])
		if gap < prev {
			t.Errorf("backoff decreased: %v then %v", prev, gap)
		}
		prev = gap
	}
}

func TestReplay_SingleFlight(t *testing.T) {
	up := newFakeSender(true)
	q := newTestQueue(up, &[]domain.Ack{})
	// Nothing pending: Replay returns immediately, but the flag must still
	// serialize concurrent triggers.
	q.replaying.Store(true)
	done := make(chan struct{})
	go func() {
		q.Replay(context.Background())
		close(done)
	}()
	<-done
	if up.sendCount() != 0 {
		t.Error("second replay must be a no-op while one is in flight")
	}
	q.replaying.Store(false)
}

func TestRestoreProcessed_SkipsAcrossRestart(t *testing.T) {
	up := newFakeSender(true)
	q := newTestQueue(up, &[]domain.Ack{})

	q.RestoreProcessed([]string{"R"})
	ack := q.Submit(context.Background(), domain.SendRequest{Ref: "R", GuildName: "Test", ChannelName: "general", Content: "hi"})
	if !ack.OK || !ack.Skipped {
		t.Fatalf("ack: %+v", ack)
	}
	if up.sendCount() != 0 {
		t.Error("no upstream send for a persisted ref")
	}
}

func TestRestorePending_DropsProcessedRefs(t *testing.T) {
	up := newFakeSender(false)
	q := newTestQueue(up, &[]domain.Ack{})

	q.RestoreProcessed([]string{"done"})
	q.RestorePending([]domain.SendRequest{
		{Ref: "done", Content: "old"},
		{Ref: "todo", Content: "new"},
	})

	pending := q.Pending()
	if len(pending) != 1 || pending[0].Ref != "todo" {
		t.Errorf("pending: %+v", pending)
	}
}

func TestRefSet_CapEvictsOldest(t *testing.T) {
	s := newRefSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	if s.Contains("a") {
		t.Error("oldest ref should be evicted")
	}
	if !s.Contains("b") || !s.Contains("c") {
		t.Errorf("refs: %v", s.Refs())
	}
}

func TestBackoff_Capped(t *testing.T) {
	q := New(Config{
		Upstream:    newFakeSender(true),
		Resolver:    defaultResolver(),
		BackoffBase: 400 * time.Millisecond,
		BackoffCap:  25 * time.Second,
		Logger:      testLogger(),
	})
	if got := q.backoff(1); got != 800*time.Millisecond {
		t.Errorf("backoff(1): %v", got)
	}
	if got := q.backoff(3); got != 3200*time.Millisecond {
		t.Errorf("backoff(3): %v", got)
	}
	if got := q.backoff(20); got != 25*time.Second {
		t.Errorf("backoff(20) should cap: %v", got)
	}
}
