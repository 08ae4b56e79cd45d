// Package upstream holds the single authenticated Discord connection and
// adapts discordgo types to the normalized domain model. Channel kinds are
// normalized here and nowhere else.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/fries-git/disclink/internal/domain"
)

const guildPageSize = 200

// Config configures the adapter.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Discord implements domain.Upstream over one discordgo session.
type Discord struct {
	session   *discordgo.Session
	logger    *slog.Logger
	connected atomic.Bool

	// Connectivity and event callbacks, installed by the bridge before
	// Open. All run on discordgo's dispatch goroutine.
	OnConnect    func()
	OnDisconnect func()
	OnReady      func()
	OnMessage    func(domain.RawMessage)
}

// New creates the session without connecting.
func New(cfg Config) (*Discord, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	return &Discord{session: session, logger: cfg.Logger}, nil
}

// Open registers handlers and connects. A bad credential surfaces here as a
// fatal error; the process must not continue without a valid one.
func (d *Discord) Open() error {
	d.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.logger.Info("discord gateway connected")
		if d.OnConnect != nil {
			d.OnConnect()
		}
	})
	d.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("discord gateway disconnected")
		if d.OnDisconnect != nil {
			d.OnDisconnect()
		}
	})
	d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info("discord ready", "user", r.User.Username, "guilds", len(r.Guilds))
		if d.OnReady != nil {
			d.OnReady()
		}
	})
	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if d.OnMessage != nil && m.Message != nil {
			d.OnMessage(toRaw(m.Message))
		}
	})

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

// Connected reports gateway connectivity.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// Identity returns the authenticated account, empty before the first ready.
func (d *Discord) Identity() (string, string) {
	if d.session.State == nil || d.session.State.User == nil {
		return "", ""
	}
	return d.session.State.User.ID, d.session.State.User.Username
}

// Guilds enumerates every guild visible to the connection, paginated.
func (d *Discord) Guilds(ctx context.Context) ([]domain.Guild, error) {
	if !d.connected.Load() {
		return nil, domain.ErrNotConnected
	}

	var out []domain.Guild
	after := ""
	for {
		page, err := d.session.UserGuilds(guildPageSize, "", after, false, discordgo.WithContext(ctx))
		if err != nil {
			return out, fmt.Errorf("list guilds: %w", err)
		}
		for _, g := range page {
			out = append(out, domain.Guild{ID: g.ID, Name: g.Name})
		}
		if len(page) < guildPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

// GuildChannels fetches one guild's channels with normalized kinds.
func (d *Discord) GuildChannels(ctx context.Context, guildID string) ([]domain.Channel, error) {
	if !d.connected.Load() {
		return nil, domain.ErrNotConnected
	}

	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list channels for %s: %w", guildID, err)
	}
	out := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, domain.Channel{ID: ch.ID, Name: ch.Name, Kind: mapKind(ch.Type)})
	}
	return out, nil
}

// SendMessage delivers content to a channel.
func (d *Discord) SendMessage(ctx context.Context, channelID, content string) error {
	if !d.connected.Load() {
		return domain.ErrNotConnected
	}
	if _, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send to %s: %w", channelID, err)
	}
	return nil
}

// ChannelMessages bulk-fetches the most recent messages of a channel.
func (d *Discord) ChannelMessages(ctx context.Context, channelID string, limit int) ([]domain.RawMessage, error) {
	if !d.connected.Load() {
		return nil, domain.ErrNotConnected
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	msgs, err := d.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", channelID, err)
	}
	out := make([]domain.RawMessage, 0, len(msgs))
	// Discord returns newest first; flip to chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, toRaw(msgs[i]))
	}
	return out, nil
}

// mapKind normalizes discordgo's channel type enum.
func mapKind(t discordgo.ChannelType) domain.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return domain.KindText
	case discordgo.ChannelTypeGuildNews:
		return domain.KindNews
	case discordgo.ChannelTypeGuildNewsThread,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread:
		return domain.KindThread
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return domain.KindVoice
	case discordgo.ChannelTypeGuildCategory:
		return domain.KindCategory
	default:
		return domain.KindOther
	}
}

// toRaw flattens a discordgo message into the adapter-level event.
func toRaw(m *discordgo.Message) domain.RawMessage {
	raw := domain.RawMessage{
		ID:        m.ID,
		Webhook:   m.WebhookID != "",
		Content:   m.Content,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		raw.Author = domain.Author{ID: m.Author.ID, Name: m.Author.Username, Bot: m.Author.Bot}
	}
	for _, a := range m.Attachments {
		if a != nil {
			raw.Attachments = append(raw.Attachments, a.URL)
		}
	}
	for _, e := range m.Embeds {
		if e != nil {
			raw.Embeds = append(raw.Embeds, domain.Embed{Title: e.Title, Description: e.Description})
		}
	}
	for _, u := range m.Mentions {
		if u != nil {
			raw.Mentions = append(raw.Mentions, u.ID)
		}
	}
	return raw
}
