package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// MessageHandler receives every raw feed message in arrival order,
// malformed ones included. It must not block: the read loop is the only
// reader of the connection.
type MessageHandler func(raw []byte)

// FeedClient is the websocket client for the Coinbase Pro market data and
// user feed. It holds one authenticated subscription over the ticker,
// user, status and heartbeat channels and dispatches every message to a
// single ordered handler.
//
// The client deliberately does not reconnect: the connector's silence
// circuit breaker plus the supervisor restart own recovery, so a dead
// connection must surface as silence rather than be papered over.
type FeedClient struct {
	wsURL      string
	key        string
	secret     string
	passphrase string
	products   []string
	handler    MessageHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewFeedClient creates a feed client subscribed to the given products.
func NewFeedClient(wsURL, key, secret, passphrase string, products []string, handler MessageHandler) *FeedClient {
	return &FeedClient{
		wsURL:      wsURL,
		key:        key,
		secret:     secret,
		passphrase: passphrase,
		products:   products,
		handler:    handler,
		done:       make(chan struct{}),
	}
}

// Connect dials the feed, sends the authenticated subscription, and starts
// the read and ping loops.
func (f *FeedClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("coinbase/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase/ws: connect: %w", err)
	}

	f.conn = conn

	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(); err != nil {
		f.conn.Close()
		f.conn = nil
		return err
	}

	go f.readLoop()
	go f.pingLoop()

	return nil
}

// Disconnect shuts down the connection and stops the read loop.
func (f *FeedClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	close(f.done)

	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}

	return nil
}

// subscribe sends the authenticated subscription command. The user channel
// requires the same HMAC scheme as the REST API, computed over the fixed
// verification path. Caller must hold f.mu.
func (f *FeedClient) subscribe() error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := Sign(f.secret, ts, "GET", "/users/self/verify", "")
	if err != nil {
		return fmt.Errorf("coinbase/ws: sign subscription: %w", err)
	}

	cmd := struct {
		Type       string   `json:"type"`
		ProductIDs []string `json:"product_ids"`
		Channels   []string `json:"channels"`
		Signature  string   `json:"signature"`
		Key        string   `json:"key"`
		Passphrase string   `json:"passphrase"`
		Timestamp  string   `json:"timestamp"`
	}{
		Type:       "subscribe",
		ProductIDs: f.products,
		Channels:   []string{"ticker", "user", "status", "heartbeat"},
		Signature:  sig,
		Key:        f.key,
		Passphrase: f.passphrase,
		Timestamp:  ts,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coinbase/ws: marshal subscription: %w", err)
	}

	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("coinbase/ws: send subscription: %w", err)
	}

	return nil
}

// readLoop reads messages until the connection dies or Disconnect is
// called, handing each raw payload to the handler.
func (f *FeedClient) readLoop() {
	defer func() {
		f.mu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.mu.Unlock()
	}()

	for {
		select {
		case <-f.done:
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Dead connection. Recovery is the circuit breaker's job.
			return
		}

		f.handler(message)
	}
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (f *FeedClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
