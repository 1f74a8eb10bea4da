// Package realtime subscribes to the backend change-event socket and keeps
// the entity store in line with changes made by other clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reqdesk/reqdesk/internal/app/metrics"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/httputil"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/store"
)

// Event is a change notification from the backend.
type Event struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
}

// Handler processes one event.
type Handler func(ctx context.Context, ev Event)

// Config configures the client.
type Config struct {
	URL          string
	Tokens       httputil.TokenSource
	Handler      Handler
	Logger       *logging.Logger
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Client holds one websocket connection to the backend and reconnects with
// exponential backoff until its context ends.
type Client struct {
	url      string
	tokens   httputil.TokenSource
	handler  Handler
	log      *logging.Logger
	dialer   websocket.Dialer
	ping     time.Duration
	minDelay time.Duration
	maxDelay time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client. URL and Handler are required.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime url is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("realtime handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = time.Minute
	}
	return &Client{
		url:      cfg.URL,
		tokens:   cfg.Tokens,
		handler:  cfg.Handler,
		log:      cfg.Logger.Named("realtime"),
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ping:     cfg.PingInterval,
		minDelay: cfg.MinBackoff,
		maxDelay: cfg.MaxBackoff,
	}, nil
}

// Connect dials the backend, authenticating with the current token.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	header := http.Header{}
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and dispatches events until ctx is done, reconnecting after
// failures. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	delay := c.minDelay
	for {
		err := c.Connect(ctx)
		if err == nil {
			c.log.WithContext(ctx).WithField("url", c.url).Info("Realtime connected")
			delay = c.minDelay
			err = c.serve(ctx)
		}
		_ = c.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithContext(ctx).WithError(err).WithField("retry_in", delay.String()).Warn("Realtime disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	done := make(chan struct{})
	defer close(done)

	// Unblock the reader when the context ends.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go c.heartbeat(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.log.WithContext(ctx).WithError(err).Debug("Ignoring malformed realtime message")
			continue
		}
		c.handler(ctx, ev)
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// StoreHandler applies events to st: deletions evict the entity, every other
// action re-reads it from the backend so the cache only ever holds server
// representations.
func StoreHandler(st *store.Store, log *logging.Logger) Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return func(ctx context.Context, ev Event) {
		kind, err := domain.ParseKind(ev.EntityType)
		metrics.RecordRealtimeEvent(string(kind), ev.Action)
		if err != nil || ev.EntityID == "" {
			log.WithContext(ctx).WithField("entity_type", ev.EntityType).Debug("Ignoring realtime event")
			return
		}
		coll, ok := st.Collection(kind)
		if !ok {
			return
		}

		if ev.Action == "deleted" {
			coll.Evict(ev.EntityID)
			return
		}
		if err := coll.Refresh(ctx, ev.EntityID); err != nil {
			log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"kind": kind,
				"id":   ev.EntityID,
			}).Warn("Failed to refresh entity after realtime event")
		}
	}
}
