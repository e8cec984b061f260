package editbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("bus closed")

// Bus carries bridge messages in one direction each way between a host and
// a rendered page. Receive skips messages of unknown type.
type Bus interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// chanBus is one end of an in-memory pipe. Messages go through the wire
// codec so both ends see exactly what a remote peer would.
type chanBus struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two connected ends of an in-memory bus.
func Pipe() (host, page Bus) {
	a := make(chan []byte, 32)
	b := make(chan []byte, 32)
	done := make(chan struct{})
	once := &sync.Once{}
	return &chanBus{in: b, out: a, done: done, once: once},
		&chanBus{in: a, out: b, done: done, once: once}
}

func (c *chanBus) Send(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanBus) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case data := <-c.in:
			msg, err := Decode(data)
			if errors.Is(err, ErrUnknownType) {
				continue
			}
			return msg, err
		case <-c.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *chanBus) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// WSBus is a Bus over a websocket connection.
type WSBus struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSBus wraps conn.
func NewWSBus(conn *websocket.Conn) *WSBus {
	return &WSBus{conn: conn}
}

func (w *WSBus) Send(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks until a known message arrives. Cancelling ctx does not
// interrupt a pending read; close the bus for that.
func (w *WSBus) Receive(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, err
		}
		msg, err := Decode(data)
		if errors.Is(err, ErrUnknownType) {
			slog.Debug("Ignoring bridge message", "error", err)
			continue
		}
		return msg, err
	}
}

func (w *WSBus) Close() error {
	return w.conn.Close()
}
