// Package hub accepts client websocket connections, replays current state on
// connect, fans out events to every open connection and reaps dead sockets
// via heartbeats.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fries-git/disclink/internal/metrics"
)

// Config configures the hub.
type Config struct {
	Host string
	Port int
	Path string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Bridge

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.HandlerFunc

	// OnConnect runs for every new connection before its read loop starts;
	// the bridge uses it to replay current state. Must not block.
	OnConnect func(c *Client)
	// OnFrame receives every decoded client frame except ping/hb_ack,
	// which the hub answers itself.
	OnFrame func(c *Client, frame ClientFrame)
}

// Hub is the connection manager.
type Hub struct {
	host     string
	port     int
	path     string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Bridge

	metricsHandler http.HandlerFunc
	onConnect      func(c *Client)
	onFrame        func(c *Client, frame ClientFrame)

	server *http.Server
	nextID atomic.Int64

	mu      sync.RWMutex
	clients map[string]*Client
}

// Client is one open downstream connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	logger   *slog.Logger
	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos
}

// ID returns the connection's hub-assigned id.
func (c *Client) ID() string { return c.id }

// Send marshals and writes one frame to this connection. Write failures are
// logged and otherwise swallowed; the read loop notices the dead socket.
func (c *Client) Send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("frame marshal failed", "err", err)
		return
	}
	c.write(data)
}

func (c *Client) write(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("client write failed", "client_id", c.id, "err", err)
	}
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // downstream clients are not authenticated
	},
}

func New(cfg Config) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 75 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		host:           cfg.Host,
		port:           cfg.Port,
		path:           cfg.Path,
		interval:       cfg.HeartbeatInterval,
		timeout:        cfg.HeartbeatTimeout,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		metricsHandler: cfg.MetricsHandler,
		onConnect:      cfg.OnConnect,
		onFrame:        cfg.OnFrame,
		clients:        make(map[string]*Client),
	}
}

// Handler returns the hub's HTTP handler, exposed for tests.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.handleUpgrade)
	if h.metricsHandler != nil {
		mux.HandleFunc("/metrics", h.metricsHandler)
	}
	return mux
}

// Start serves until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", h.host, h.port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.logger.Info("hub listening", "addr", h.server.Addr, "path", h.path)

	go h.heartbeatLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		id:     fmt.Sprintf("conn-%d", h.nextID.Add(1)),
		conn:   conn,
		logger: h.logger,
	}
	client.touch()

	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientsGauge.Set(int64(count))
	}

	h.logger.Info("client connected", "client_id", client.id, "remote", r.RemoteAddr, "clients", count)

	// State replay happens before the read loop so the greeting sequence
	// precedes any response to client requests.
	if h.onConnect != nil {
		h.onConnect(client)
	}

	go h.readLoop(client)
}

func (h *Hub) readLoop(c *Client) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("client read error", "client_id", c.id, "err", err)
			}
			return
		}
		c.touch()

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.Send(ErrorFrame("invalid frame", string(data)))
			continue
		}

		switch frame.Type {
		case TypePing:
			c.Send(Pong())
		case TypeHeartbeatAck:
			// touch above is all a heartbeat ack needs
		case "":
			c.Send(ErrorFrame("missing type", string(data)))
		default:
			if h.onFrame != nil {
				h.onFrame(c, frame)
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientsGauge.Set(int64(count))
	}
	h.logger.Info("client disconnected", "client_id", c.id, "clients", count)
}

// Broadcast serializes the frame once and delivers it to every open
// connection. A failed write on one connection never blocks the others.
func (h *Hub) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.write(data)
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// heartbeatLoop probes every connection and force-closes the ones that have
// been silent past the timeout, reclaiming half-open sockets.
func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe()
		}
	}
}

func (h *Hub) probe() {
	cutoff := time.Now().Add(-h.timeout).UnixNano()

	h.mu.RLock()
	stale := make([]*Client, 0)
	live := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.lastSeen.Load() < cutoff {
			stale = append(stale, c)
		} else {
			live = append(live, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("closing unresponsive client", "client_id", c.id)
		c.conn.Close() // read loop unregisters it
	}
	for _, c := range live {
		c.Send(Heartbeat())
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
}
