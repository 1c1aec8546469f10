package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
)

// wsChannel is the gorilla websocket plumbing shared by both transports: one
// read goroutine feeding the event channel, serialized writes, and a silent
// idempotent Close.
type wsChannel struct {
	logger *slog.Logger
	dialer *websocket.Dialer
	// closeKind classifies an abnormal close frame from the peer.
	closeKind error

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	writeMu    sync.Mutex
	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once
	open       atomic.Bool
	closing    atomic.Bool
}

func newWSChannel(logger *slog.Logger, closeKind error) *wsChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsChannel{
		logger:    logger,
		dialer:    websocket.DefaultDialer,
		closeKind: closeKind,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

func (c *wsChannel) dial(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	if c.closing.Load() {
		return nil, newError(ErrTransport, "transport closed")
	}
	conn, resp, err := c.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrConnectTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, newError(ErrConnectTimeout, "dial: %v", err)
			}
			return nil, newError(ErrTransport, "dial canceled: %v", err)
		}
		if resp != nil {
			return nil, newError(ErrTransport, "dial: %v (http %d)", err, resp.StatusCode)
		}
		return nil, newError(ErrTransport, "dial: %v", err)
	}
	return conn, nil
}

// start installs conn and begins reading. decode maps one text frame to zero
// or more events.
func (c *wsChannel) start(conn *websocket.Conn, decode func([]byte) []Event) error {
	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return newError(ErrTransport, "transport closed during open")
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	c.open.Store(true)
	go c.readLoop(conn, decode)
	return nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn, decode func([]byte) []Event) {
	defer c.eventsOnce.Do(func() { close(c.events) })
	if !c.emit(Event{Kind: EventOpened}) {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.open.Store(false)
			if c.closing.Load() {
				return
			}
			_ = conn.Close()
			c.emit(Event{Kind: EventClosed, Err: c.classifyEnd(err)})
			return
		}
		for _, ev := range decode(data) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *wsChannel) classifyEnd(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return nil
		}
		return &Error{Kind: c.closeKind, Code: fmt.Sprintf("close_%d", ce.Code), Detail: ce.Text}
	}
	return newError(ErrTransport, "read: %v", err)
}

func (c *wsChannel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsChannel) writeJSON(v any) bool {
	if !c.open.Load() {
		return false
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Debug("transport_write_failed", "error", err)
		return false
	}
	return true
}

func (c *wsChannel) Events() <-chan Event { return c.events }

func (c *wsChannel) Connected() bool { return c.open.Load() }

// Close is idempotent and never produces an EventClosed.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.open.Store(false)
		close(c.done)

		c.mu.Lock()
		conn, started := c.conn, c.started
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
		if !started {
			c.eventsOnce.Do(func() { close(c.events) })
		}
	})
	return err
}
