package domain

import "time"

// ChannelKind is the normalized channel classification. It is produced
// exclusively by the upstream adapter; no other component inspects the
// platform's raw channel types.
type ChannelKind int

const (
	KindOther ChannelKind = iota
	KindText
	KindNews
	KindThread
	KindVoice
	KindCategory
)

var kindNames = map[ChannelKind]string{
	KindOther:    "other",
	KindText:     "text",
	KindNews:     "news",
	KindThread:   "thread",
	KindVoice:    "voice",
	KindCategory: "category",
}

func (k ChannelKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "other"
}

// Sendable reports whether messages can be sent to a channel of this kind.
func (k ChannelKind) Sendable() bool {
	return k == KindText || k == KindNews || k == KindThread
}

// MarshalText encodes the kind as its lowercase name so the wire protocol
// and the state file stay readable.
func (k ChannelKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChannelKind) UnmarshalText(data []byte) error {
	s := string(data)
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	*k = KindOther
	return nil
}

// Channel is one channel inside a guild.
type Channel struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Kind ChannelKind `json:"kind"`
}

// Guild is a server with its channels, filtered to sendable kinds when
// exposed to clients.
type Guild struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Channels []Channel `json:"channels"`
}

// DirectorySnapshot is the cached server/channel tree. Ready is false until
// every known guild has been visited once in the current build pass.
type DirectorySnapshot struct {
	Servers []Guild `json:"servers"`
	Ready   bool    `json:"ready"`
}

// SendRequest is one outbound submission identified by its idempotency ref.
type SendRequest struct {
	Ref         string    `json:"ref"`
	GuildID     string    `json:"guildId,omitempty"`
	GuildName   string    `json:"guildName,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	ChannelName string    `json:"channelName,omitempty"`
	Content     string    `json:"content"`
	QueuedAt    time.Time `json:"queuedAt"`
	Tries       int       `json:"tries"`
}

// Ack is the terminal (or queued) outcome of one send submission.
type Ack struct {
	OK      bool   `json:"ok"`
	Ref     string `json:"ref"`
	Error   string `json:"error,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Author identifies the sender of an inbound message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

// Embed carries the parts of a platform embed the display-text rules use.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// RawMessage is an inbound platform event before normalization. The
// pipeline turns it into an InboundMessage or drops it.
type RawMessage struct {
	ID          string
	Author      Author
	Webhook     bool
	Content     string
	Attachments []string
	Embeds      []Embed
	Mentions    []string
	GuildID     string
	ChannelID   string
	Timestamp   time.Time
}

// InboundMessage is a normalized, display-ready inbound event.
type InboundMessage struct {
	ID             string    `json:"id"`
	Author         Author    `json:"author"`
	RawContent     string    `json:"rawContent"`
	TrimmedContent string    `json:"trimmedContent"`
	DisplayText    string    `json:"displayText"`
	Attachments    []string  `json:"attachments"`
	Embeds         []Embed   `json:"embeds,omitempty"`
	Mentions       []string  `json:"mentions"`
	GuildID        string    `json:"guildId"`
	ChannelID      string    `json:"channelId"`
	Timestamp      time.Time `json:"timestamp"`
	FromSelf       bool      `json:"fromSelf"`
}

// PingEvent is emitted in addition to the message event when the upstream
// identity is mentioned.
type PingEvent struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	GuildID   string    `json:"guildId"`
	ChannelID string    `json:"channelId"`
	Timestamp time.Time `json:"timestamp"`
}
