// Package wsclient implements the device-side WebSocket transport: dial
// over TLS, send text/binary frames, reject oversize sends, dispatch
// incoming frames by opcode, and keep the connection alive with idle
// pings. Grounded on the reviewed server's gorilla/websocket handler
// idiom (internal/ws/handler.go), adapted from the accept side to the
// client dial side.
package wsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voiceedge/internal/ferr"
)

// Config tunes dial/keep-alive/message-size behavior.
type Config struct {
	ConnectionTimeout   time.Duration
	KeepAliveInterval   time.Duration
	MaxMessageSizeBytes int64
}

func (c *Config) setDefaults() {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 20 * time.Second
	}
	if c.MaxMessageSizeBytes <= 0 {
		c.MaxMessageSizeBytes = 64 * 1024
	}
}

// Client is a single WebSocket connection with callback-based dispatch,
// matching the reviewed codebase's preference for callback setters over
// exported fields so it can be substituted with a test double.
type Client struct {
	cfg Config

	cbMu        sync.RWMutex
	onMessage   func(isText bool, data []byte)
	onError     func(err error)
	onConnected func(connected bool)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	sendMu    sync.Mutex // serializes writes; gorilla conns are not write-concurrent-safe

	stopPing chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Client. Call Connect or ConnectTLS before sending.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg}
}

// SetOnMessage registers the callback invoked for every incoming data
// frame; isText distinguishes text (control JSON) from binary frames.
func (c *Client) SetOnMessage(fn func(isText bool, data []byte)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

// SetOnError registers the callback invoked on transport errors.
func (c *Client) SetOnError(fn func(err error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

// SetOnConnection registers the callback invoked when the connection is
// established (true) or lost (false).
func (c *Client) SetOnConnection(fn func(connected bool)) {
	c.cbMu.Lock()
	c.onConnected = fn
	c.cbMu.Unlock()
}

// Connect dials uri without TLS (ws://). Present mainly for symmetry/tests;
// production firmware always calls ConnectTLS.
func (c *Client) Connect(ctx context.Context, uri string) error {
	return c.dial(ctx, uri, nil)
}

// ConnectTLS dials uri (wss://) using the supplied *tls.Config, which
// TlsSession produces.
func (c *Client) ConnectTLS(ctx context.Context, uri string, tlsConfig *tls.Config) error {
	return c.dial(ctx, uri, tlsConfig)
}

func (c *Client) dial(ctx context.Context, uri string, tlsConfig *tls.Config) error {
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: c.cfg.ConnectionTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, uri, http.Header{})
	if err != nil {
		return ferr.New(ferr.WebSocketFailed, "wsclient.connect", err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSizeBytes)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.stopPing = make(chan struct{})
	c.mu.Unlock()

	c.fireConnection(true)

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return nil
}

// readLoop is the WebSocketEventTask: blocked in ReadMessage, dispatching
// by opcode until the connection closes or errors.
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.fireMessage(true, data)
		case websocket.BinaryMessage:
			c.fireMessage(false, data)
		case websocket.CloseMessage:
			c.handleDisconnect(fmt.Errorf("peer closed"))
			return
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			if err := c.SendPing(); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.mu.Unlock()

	if wasConnected {
		c.fireConnection(false)
		c.fireError(ferr.New(ferr.WebSocketFailed, "wsclient.read", err))
	}
}

// SendText sends a UTF-8 text frame (used for config/eof control messages).
func (c *Client) SendText(data []byte) error {
	return c.send(websocket.TextMessage, data)
}

// SendBinary sends a binary frame (raw PCM). Messages larger than
// MaxMessageSizeBytes are rejected outright, never truncated.
func (c *Client) SendBinary(data []byte) error {
	return c.send(websocket.BinaryMessage, data)
}

func (c *Client) send(msgType int, data []byte) error {
	if int64(len(data)) > c.cfg.MaxMessageSizeBytes {
		return ferr.New(ferr.WebSocketFailed, "wsclient.send",
			fmt.Errorf("message size %d exceeds max_message_size_bytes %d", len(data), c.cfg.MaxMessageSizeBytes))
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ferr.New(ferr.WebSocketFailed, "wsclient.send", fmt.Errorf("not connected"))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	if err := conn.WriteMessage(msgType, data); err != nil {
		return ferr.New(ferr.WebSocketFailed, "wsclient.send", err)
	}
	return nil
}

// SendPing sends a liveness ping frame.
func (c *Client) SendPing() error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ferr.New(ferr.WebSocketFailed, "wsclient.ping", fmt.Errorf("not connected"))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// IsConnected reports whether the transport currently believes it has a
// live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the connection synchronously with a bounded wait, then
// stops the reader/ping goroutines.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.connected = false
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.mu.Unlock()

	if wasConnected {
		c.fireConnection(false)
	}

	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) fireMessage(isText bool, data []byte) {
	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(isText, data)
	}
}

func (c *Client) fireError(err error) {
	c.cbMu.RLock()
	fn := c.onError
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) fireConnection(connected bool) {
	c.cbMu.RLock()
	fn := c.onConnected
	c.cbMu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}
