package hub

import "github.com/fries-git/disclink/internal/domain"

// Client -> server frame. One struct covers every request kind; unused
// fields stay empty.
type ClientFrame struct {
	Type        string `json:"type"`
	Force       bool   `json:"force,omitempty"`
	GuildID     string `json:"guildId,omitempty"`
	GuildName   string `json:"guildName,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
	Content     string `json:"content,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Client request kinds.
const (
	TypeGetServerList  = "getServerList"
	TypeRefreshServers = "refreshServers"
	TypeSendMessage    = "sendMessage"
	TypeGetMessages    = "getMessages"
	TypePing           = "ping"
	TypeHeartbeatAck   = "hb_ack"
)

type bridgeStatusFrame struct {
	Type            string `json:"type"`
	BridgeConnected bool   `json:"bridgeConnected"`
	DiscordReady    bool   `json:"discordReady"`
}

type readyFrame struct {
	Type  string `json:"type"`
	Value bool   `json:"value"`
}

type serverPartialFrame struct {
	Type  string       `json:"type"`
	Guild domain.Guild `json:"guild"`
}

type serverListFrame struct {
	Type    string         `json:"type"`
	Servers []domain.Guild `json:"servers"`
}

type messageFrame struct {
	Type string                `json:"type"`
	Data domain.InboundMessage `json:"data"`
}

type pingFrame struct {
	Type string           `json:"type"`
	Data domain.PingEvent `json:"data"`
}

type ackFrame struct {
	Type string `json:"type"`
	domain.Ack
}

type messagesFrame struct {
	Type      string                  `json:"type"`
	ChannelID string                  `json:"channelId"`
	Data      []domain.InboundMessage `json:"data"`
}

type signalFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Raw   string `json:"raw,omitempty"`
}

// Server -> client frame constructors.

func BridgeStatus(bridgeConnected, discordReady bool) any {
	return bridgeStatusFrame{Type: "bridgeStatus", BridgeConnected: bridgeConnected, DiscordReady: discordReady}
}

func Ready(value bool) any {
	return readyFrame{Type: "ready", Value: value}
}

func ServerPartial(guild domain.Guild) any {
	return serverPartialFrame{Type: "serverPartial", Guild: guild}
}

func ServerList(servers []domain.Guild) any {
	if servers == nil {
		servers = []domain.Guild{}
	}
	return serverListFrame{Type: "serverList", Servers: servers}
}

func Message(msg domain.InboundMessage) any {
	return messageFrame{Type: "message", Data: msg}
}

func Ping(ev domain.PingEvent) any {
	return pingFrame{Type: "ping", Data: ev}
}

func AckFrame(ack domain.Ack) any {
	return ackFrame{Type: "ack", Ack: ack}
}

func Messages(channelID string, msgs []domain.InboundMessage) any {
	if msgs == nil {
		msgs = []domain.InboundMessage{}
	}
	return messagesFrame{Type: "messages", ChannelID: channelID, Data: msgs}
}

func Pong() any {
	return signalFrame{Type: "pong"}
}

func Heartbeat() any {
	return signalFrame{Type: "hb"}
}

func ErrorFrame(message, raw string) any {
	return errorFrame{Type: "error", Error: message, Raw: raw}
}
