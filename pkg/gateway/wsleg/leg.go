// Package wsleg runs one side of a bridged call over a websocket: a reader
// goroutine that hands frames to a Handler in arrival order, and a single
// writer goroutine that owns every data write plus keepalive pings.
package wsleg

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed       = errors.New("websocket leg closed")
	ErrBackpressure = errors.New("websocket leg outbound queue full")
)

// Conn is the subset of *websocket.Conn used by a leg.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	QueueSize       int
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Handler receives inbound frames. OnClose is called exactly once, after the
// last OnMessage; err is nil for a normal or locally requested close.
type Handler interface {
	OnMessage(data []byte)
	OnClose(err error)
}

type Leg struct {
	conn Conn
	cfg  Config

	out       chan []byte
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

func New(conn Conn, cfg Config) *Leg {
	cfg = cfg.withDefaults()
	return &Leg{
		conn:    conn,
		cfg:     cfg,
		out:     make(chan []byte, cfg.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the reader and writer goroutines. Calling it more than once
// has no effect.
func (l *Leg) Start(h Handler) {
	l.startOnce.Do(func() {
		if l.cfg.MaxMessageBytes > 0 {
			l.conn.SetReadLimit(l.cfg.MaxMessageBytes)
		}
		go l.readLoop(h)
		go l.writeLoop()
	})
}

// Send queues a text frame without blocking.
func (l *Leg) Send(payload []byte) error {
	select {
	case <-l.closing:
		return ErrClosed
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.out <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close asks the writer to send a close frame and tear down the connection.
// It is safe to call from any goroutine and more than once.
func (l *Leg) Close() error {
	l.closeOnce.Do(func() {
		close(l.closing)
	})
	return nil
}

func (l *Leg) readLoop(h Handler) {
	defer close(l.done)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if h != nil {
				h.OnClose(l.closeCause(err))
			}
			return
		}
		if h != nil {
			h.OnMessage(data)
		}
	}
}

func (l *Leg) writeLoop() {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		// Local close wins over anything still queued.
		select {
		case <-l.closing:
			l.shutdown()
			return
		default:
		}

		select {
		case <-l.closing:
			l.shutdown()
			return
		case <-l.done:
			_ = l.conn.Close()
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				_ = l.conn.Close()
				return
			}
		case payload := <-l.out:
			if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
				_ = l.conn.Close()
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (l *Leg) shutdown() {
	deadline := time.Now().Add(l.cfg.WriteTimeout)
	_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = l.conn.Close()
}

func (l *Leg) closeCause(err error) error {
	select {
	case <-l.closing:
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}
