// Package pipeline normalizes raw inbound platform events: drop filters,
// a per-channel dedupe window, display-text resolution and mention
// detection against the upstream identity.
package pipeline

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fries-git/disclink/internal/domain"
)

// NoContent is the sentinel display text for messages carrying no
// resolvable human-viewable field.
const NoContent = "[no content]"

// Config configures the pipeline.
type Config struct {
	// SelfID is the upstream identity's id; used for fromSelf and ping
	// detection.
	SelfID string
	// IgnoreBots drops messages from other automated accounts.
	IgnoreBots bool
	// DedupeWindow suppresses a repeated message id on the same channel
	// within this interval.
	DedupeWindow time.Duration
	Logger       *slog.Logger
}

// Pipeline converts RawMessage events into InboundMessage (plus an optional
// PingEvent) or drops them.
type Pipeline struct {
	ignoreBots bool
	window     time.Duration
	logger     *slog.Logger

	now func() time.Time

	// OnDuplicate fires for every event suppressed by the dedupe window.
	OnDuplicate func()

	mu     sync.Mutex
	selfID string
	seen   map[string]observation // channelID -> last observation
}

type observation struct {
	messageID string
	at        time.Time
}

func New(cfg Config) *Pipeline {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 1500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		selfID:     cfg.SelfID,
		ignoreBots: cfg.IgnoreBots,
		window:     cfg.DedupeWindow,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// SetSelf installs the upstream identity once it is known; the identity is
// only available after the first ready.
func (p *Pipeline) SetSelf(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selfID = id
}

func (p *Pipeline) self() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfID
}

// Process runs one raw event through the pipeline. The returned message is
// nil when the event is dropped; ping is non-nil only when the upstream
// identity is mentioned.
func (p *Pipeline) Process(raw domain.RawMessage) (*domain.InboundMessage, *domain.PingEvent) {
	selfID := p.self()

	// Drop filters, first match wins.
	if raw.GuildID == "" || raw.ChannelID == "" {
		return nil, nil // direct message
	}
	if raw.Webhook {
		return nil, nil
	}
	if p.ignoreBots && raw.Author.Bot && raw.Author.ID != selfID {
		return nil, nil
	}
	if p.duplicate(raw) {
		p.logger.Debug("duplicate suppressed", "message_id", raw.ID, "channel_id", raw.ChannelID)
		if p.OnDuplicate != nil {
			p.OnDuplicate()
		}
		return nil, nil
	}

	msg := p.Normalize(raw)

	var ping *domain.PingEvent
	for _, id := range raw.Mentions {
		if id == selfID {
			ping = &domain.PingEvent{
				From:      raw.Author.Name,
				Content:   msg.DisplayText,
				GuildID:   raw.GuildID,
				ChannelID: raw.ChannelID,
				Timestamp: raw.Timestamp,
			}
			break
		}
	}
	return msg, ping
}

// Normalize applies the display rules without filtering or dedupe. Used
// directly for bulk-fetched history, which has already been delivered once.
func (p *Pipeline) Normalize(raw domain.RawMessage) *domain.InboundMessage {
	trimmed := strings.TrimSpace(raw.Content)
	attachments := raw.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	mentions := raw.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	return &domain.InboundMessage{
		ID:             raw.ID,
		Author:         raw.Author,
		RawContent:     raw.Content,
		TrimmedContent: trimmed,
		DisplayText:    displayText(trimmed, raw),
		Attachments:    attachments,
		Embeds:         raw.Embeds,
		Mentions:       mentions,
		GuildID:        raw.GuildID,
		ChannelID:      raw.ChannelID,
		Timestamp:      raw.Timestamp,
		FromSelf:       raw.Author.ID == p.self(),
	}
}

// duplicate records the observation and reports whether the same message id
// was already seen on this channel within the dedupe window. Observation
// times are arrival times, not platform timestamps: a re-emitted event
// carries the original timestamp, and beyond the window even the same id
// counts as a new event.
func (p *Pipeline) duplicate(raw domain.RawMessage) bool {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]observation)
	}
	prev, ok := p.seen[raw.ChannelID]
	p.seen[raw.ChannelID] = observation{messageID: raw.ID, at: now}
	return ok && prev.messageID == raw.ID && now.Sub(prev.at) < p.window
}

// displayText picks the first applicable rule: trimmed text, first embed
// description, first embed title, first attachment URL, the sentinel.
func displayText(trimmed string, raw domain.RawMessage) string {
	if trimmed != "" {
		return trimmed
	}
	if len(raw.Embeds) > 0 {
		if d := raw.Embeds[0].Description; d != "" {
			return d
		}
		if t := raw.Embeds[0].Title; t != "" {
			return t
		}
	}
	if len(raw.Attachments) > 0 && raw.Attachments[0] != "" {
		return raw.Attachments[0]
	}
	return NoContent
}
