package domain

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by upstream operations attempted while the
// gateway connection is down.
var ErrNotConnected = errors.New("upstream not connected")

// Upstream is the single authenticated connection to the chat platform.
// Exactly one identity per process.
type Upstream interface {
	// Connected reports whether the gateway connection is currently up.
	Connected() bool
	// Identity returns the authenticated account's id and display name.
	Identity() (id, name string)
	// Guilds enumerates every guild visible to the connection.
	Guilds(ctx context.Context) ([]Guild, error)
	// GuildChannels fetches the channel list of one guild, kinds normalized.
	GuildChannels(ctx context.Context, guildID string) ([]Channel, error)
	// SendMessage delivers content to a channel.
	SendMessage(ctx context.Context, channelID, content string) error
	// ChannelMessages bulk-fetches the most recent messages of a channel.
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]RawMessage, error)
}
