package wsconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWriterClosed = errors.New("websocket writer closed")

type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	PriorityQueue int
	NormalQueue   int
}

// Writer owns all writes to one websocket. Control frames (e.g. clear) go on the priority
// queue and preempt queued media; media and marks share the normal queue so their
// relative order is preserved.
type Writer struct {
	ws  Conn
	cfg Config

	priority chan []byte
	normal   chan []byte

	closing     chan struct{}
	closingOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func NewWriter(ws Conn, cfg Config) *Writer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PriorityQueue <= 0 {
		cfg.PriorityQueue = 32
	}
	if cfg.NormalQueue <= 0 {
		cfg.NormalQueue = 512
	}
	return &Writer{
		ws:       ws,
		cfg:      cfg,
		priority: make(chan []byte, cfg.PriorityQueue),
		normal:   make(chan []byte, cfg.NormalQueue),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Send queues a text frame behind earlier normal frames.
func (w *Writer) Send(ctx context.Context, payload []byte) error {
	return w.enqueue(ctx, w.normal, payload)
}

// SendPriority queues a text frame ahead of pending normal frames.
func (w *Writer) SendPriority(ctx context.Context, payload []byte) error {
	return w.enqueue(ctx, w.priority, payload)
}

func (w *Writer) enqueue(ctx context.Context, ch chan []byte, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.done:
		return w.closedErr()
	default:
	}
	select {
	case ch <- payload:
		return nil
	case <-w.done:
		return w.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DiscardQueued drops normal frames that have not been written yet.
func (w *Writer) DiscardQueued() int {
	n := 0
	for {
		select {
		case <-w.normal:
			n++
		default:
			return n
		}
	}
}

// CloseAfterQueued asks Run to write everything already queued, send a close frame and
// stop. Frames sent afterwards may be dropped.
func (w *Writer) CloseAfterQueued() {
	w.closingOnce.Do(func() { close(w.closing) })
}

func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Writer) closedErr() error {
	if err := w.Err(); err != nil {
		return err
	}
	return ErrWriterClosed
}

func (w *Writer) finish(err error) {
	w.doneOnce.Do(func() {
		w.errMu.Lock()
		w.err = err
		w.errMu.Unlock()
		close(w.done)
	})
}

// Run writes queued frames until ctx is done or a write fails. On ctx done it flushes a
// few priority frames, sends a close frame and closes the socket.
func (w *Writer) Run(ctx context.Context) (err error) {
	if w == nil || w.ws == nil {
		return nil
	}
	defer func() { w.finish(err) }()

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal []byte

	for {
		select {
		case <-ctx.Done():
			w.flushPriorityOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.cfg.WriteTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.write(pendingNormal); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		select {
		case <-ctx.Done():
		case <-w.closing:
			return w.drainAndClose()
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
		case frame := <-w.normal:
			pendingNormal = frame
		}
	}
}

func (w *Writer) drainAndClose() error {
	for {
		select {
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case frame := <-w.normal:
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}
		break
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.cfg.WriteTimeout))
	return w.ws.Close()
}

func (w *Writer) flushPriorityOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.cfg.WriteTimeout < flushTimeout {
		flushTimeout = w.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.write(frame)
		default:
			return
		}
	}
}

func (w *Writer) write(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
