package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BridgeConfig configures the WebSocket event bridge
type BridgeConfig struct {
	Addr         string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Bridge broadcasts bus events to connected WebSocket clients
type Bridge struct {
	config   BridgeConfig
	bus      *Bus
	upgrader websocket.Upgrader

	server *http.Server

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // protects conn writes
}

func (c *wsConn) writeJSON(timeout time.Duration, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// NewBridge creates a bridge over the given bus
func NewBridge(config BridgeConfig, bus *Bus) *Bridge {
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Bridge{
		config: config,
		bus:    bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

// HandleWebSocket upgrades the request and streams events until the client
// disconnects
func (b *Bridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	c := &wsConn{conn: conn}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	// Drain client messages so pongs and close frames are processed
	go func() {
		defer b.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Bridge) drop(c *wsConn) {
	b.mu.Lock()
	if _, ok := b.conns[c]; ok {
		delete(b.conns, c)
		c.conn.Close()
	}
	b.mu.Unlock()
}

// Start serves the bridge until the context is cancelled
func (b *Bridge) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", b.HandleWebSocket)

	b.server = &http.Server{Addr: b.config.Addr, Handler: mux}

	ch, cancel := b.bus.Subscribe(256)
	defer cancel()

	go b.broadcastLoop(ctx, ch)
	go func() {
		<-ctx.Done()
		b.server.Close()
	}()

	log.Printf("event bridge listening on %s", b.config.Addr)
	err := b.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the bridge server and all client connections
func (b *Bridge) Stop() error {
	b.mu.Lock()
	for c := range b.conns {
		c.conn.Close()
		delete(b.conns, c)
	}
	b.mu.Unlock()

	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

func (b *Bridge) broadcastLoop(ctx context.Context, ch <-chan Event) {
	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.broadcast(e)
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *Bridge) snapshot() []*wsConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]*wsConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

func (b *Bridge) broadcast(e Event) {
	for _, c := range b.snapshot() {
		if err := c.writeJSON(b.config.WriteTimeout, e); err != nil {
			b.drop(c)
		}
	}
}

func (b *Bridge) pingAll() {
	for _, c := range b.snapshot() {
		if err := c.ping(b.config.WriteTimeout); err != nil {
			log.Printf("ping failed: %v", err)
			b.drop(c)
		}
	}
}

// ClientCount returns the number of connected clients
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
