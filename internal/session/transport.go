package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ferux/pairbroker/internal/config"
)

// Transport is a duplex frame stream to one peer. ReadFrame returns io.EOF
// once the stream is closed by either side.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(v interface{}) error
	// Close sends close reason to the peer if possible and releases the
	// stream. It's safe to call Close several times and concurrently
	// with ReadFrame.
	Close(code int, reason string) error
	RemoteAddr() string
}

const defaultWriteWait = 10 * time.Second

type WSOptions struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func WSOptionsFromConfig(cfg config.WebSocket) WSOptions {
	return WSOptions{
		PingInterval:   cfg.PingInterval.Std(),
		PongWait:       cfg.PongWait.Std(),
		WriteWait:      defaultWriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

// WSTransport carries frames as websocket text messages. Peer is pinged
// every PingInterval and dropped when it doesn't answer within PongWait.
type WSTransport struct {
	conn       *websocket.Conn
	opts       WSOptions
	remoteAddr string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewWSTransport(conn *websocket.Conn, remoteAddr string, opts WSOptions) *WSTransport {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}

	t := &WSTransport{
		conn:       conn,
		opts:       opts,
		remoteAddr: remoteAddr,
		done:       make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	if opts.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	} else {
		// clears deadline left by http server
		_ = conn.SetReadDeadline(time.Time{})
	}

	if opts.PingInterval > 0 {
		go t.pingLoop()
	}

	return t
}

func (t *WSTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if isClosed(err) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("reading frame: %w", err)
	}

	if t.opts.PongWait > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	}

	return data, nil
}

func (t *WSTransport) WriteFrame(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

func (t *WSTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		close(t.done)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.opts.WriteWait))

		t.closeErr = t.conn.Close()
	})

	return t.closeErr
}

func (t *WSTransport) RemoteAddr() string { return t.remoteAddr }

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteWait))
			if err != nil {
				return
			}
		}
	}
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}
