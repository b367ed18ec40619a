package sink

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/gpuav/internal/decoder"
	"github.com/nmxmxh/gpuav/internal/utils"
	"github.com/nmxmxh/gpuav/internal/wire"
)

// BroadcasterConfig configures the live diagnostics stream.
type BroadcasterConfig struct {
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// Frames buffered per client before the client is dropped.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		WriteTimeout: 5 * time.Second,
		QueueSize:    256,
	}
}

// Broadcaster streams diagnostics to websocket clients, one Cap'n Proto
// encoded Diagnostic per binary frame. Slow clients are disconnected rather
// than blocking emission.
type Broadcaster struct {
	config   BroadcasterConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	sent    uint64
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	shutdown chan struct{}
	once     sync.Once
}

func NewBroadcaster(config BroadcasterConfig, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &Broadcaster{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "broadcaster"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, utils.Err(err))
		return
	}
	c := &client{
		conn:     conn,
		send:     make(chan []byte, b.config.QueueSize),
		shutdown: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("client connected", "remote", conn.RemoteAddr().String())

	go b.writeLoop(c)
	go b.readLoop(c)
}

// Emit queues every diagnostic to every connected client.
func (b *Broadcaster) Emit(diags ...decoder.Diagnostic) error {
	var errs []error
	frames := make([][]byte, 0, len(diags))
	for _, d := range diags {
		data, err := wire.Marshal(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, data)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		for _, f := range frames {
			select {
			case c.send <- f:
				b.sent++
			default:
				b.logger.Warn("client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
				b.dropLocked(c)
			}
		}
	}
	return errors.Join(errs...)
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Sent returns the number of frames queued to clients.
func (b *Broadcaster) Sent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.clients {
		b.dropLocked(c)
	}
	return nil
}

func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(c)
}

func (b *Broadcaster) dropLocked(c *client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	c.once.Do(func() { close(c.shutdown) })
}

func (b *Broadcaster) writeLoop(c *client) {
	defer c.conn.Close()
	for {
		select {
		case <-c.shutdown:
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				b.logger.Debug("write failed", "remote", c.conn.RemoteAddr().String(), utils.Err(err))
				b.drop(c)
				return
			}
		}
	}
}

// readLoop discards client frames and notices disconnects.
func (b *Broadcaster) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.drop(c)
			return
		}
	}
}
