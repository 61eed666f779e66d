package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/gateway/live/wsconn"
)

var ErrNoStart = errors.New("telephony stream closed before start event")

// Message is one decoded inbound frame. Err is set for frames that failed to decode.
type Message struct {
	Event Event
	Err   error
}

// CallControl ends a call through the telephony provider's API.
type CallControl interface {
	Hangup(ctx context.Context, callSID string) error
}

type LegConfig struct {
	Writer           wsconn.Config
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
}

// StreamLeg is the server side of a telephony media-stream websocket.
type StreamLeg struct {
	conn    *websocket.Conn
	cfg     LegConfig
	control CallControl
	logger  *slog.Logger

	writer *wsconn.Writer
	cancel context.CancelFunc

	streamSID string
	callSID   string

	events    chan Message
	closeOnce sync.Once
	closed    chan struct{}

	stopMu   sync.Mutex
	stopSeen bool
}

func NewStreamLeg(conn *websocket.Conn, cfg LegConfig, control CallControl, logger *slog.Logger) *StreamLeg {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	return &StreamLeg{
		conn:    conn,
		cfg:     cfg,
		control: control,
		logger:  logger,
		events:  make(chan Message, 256),
		closed:  make(chan struct{}),
	}
}

// AwaitStart reads frames until the start event, skipping the connected preamble.
func (l *StreamLeg) AwaitStart() (Start, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	defer func() { _ = l.conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return Start{}, fmt.Errorf("%w: %v", ErrNoStart, err)
		}
		ev, err := Decode(data)
		if err != nil {
			return Start{}, err
		}
		switch msg := ev.(type) {
		case Connected:
			continue
		case Start:
			l.streamSID = msg.StreamSID
			l.callSID = msg.CallSID
			return msg, nil
		default:
			return Start{}, badRequest("expected start event, got "+ev.EventName(), "event")
		}
	}
}

// Serve starts the read and write loops. It must be called after AwaitStart.
func (l *StreamLeg) Serve(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.writer = wsconn.NewWriter(l.conn, l.cfg.Writer)
	go func() {
		if err := l.writer.Run(ctx); err != nil {
			l.logger.Warn("telephony writer stopped", "call_sid", l.callSID, "error", err)
		}
		_ = l.conn.Close()
	}()
	go l.readLoop()
}

func (l *StreamLeg) Events() <-chan Message { return l.events }

func (l *StreamLeg) CallSID() string { return l.callSID }

func (l *StreamLeg) StreamSID() string { return l.streamSID }

func (l *StreamLeg) readLoop() {
	defer close(l.events)
	for {
		if l.cfg.ReadTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.logger.Debug("telephony read ended", "call_sid", l.callSID, "error", err)
				}
			}
			return
		}
		ev, decodeErr := Decode(data)
		if _, ok := ev.(Stop); ok {
			l.stopMu.Lock()
			l.stopSeen = true
			l.stopMu.Unlock()
		}
		select {
		case l.events <- Message{Event: ev, Err: decodeErr}:
		case <-l.closed:
			return
		}
	}
}

func (l *StreamLeg) send(ctx context.Context, payload []byte, priority bool) error {
	if l.writer == nil {
		return errors.New("telephony leg not serving")
	}
	if priority {
		return l.writer.SendPriority(ctx, payload)
	}
	return l.writer.Send(ctx, payload)
}

func (l *StreamLeg) SendAudio(ctx context.Context, frame []byte) error {
	payload, err := EncodeMedia(l.streamSID, frame)
	if err != nil {
		return err
	}
	return l.send(ctx, payload, false)
}

func (l *StreamLeg) SendMark(ctx context.Context, name string) error {
	payload, err := EncodeMark(l.streamSID, name)
	if err != nil {
		return err
	}
	return l.send(ctx, payload, false)
}

// ClearAudio drops audio still queued locally and tells the provider to flush its buffer.
func (l *StreamLeg) ClearAudio(ctx context.Context) error {
	if l.writer != nil {
		l.writer.DiscardQueued()
	}
	payload, err := EncodeClear(l.streamSID)
	if err != nil {
		return err
	}
	return l.send(ctx, payload, true)
}

// SendDigits plays the digits as in-band DTMF tones.
func (l *StreamLeg) SendDigits(ctx context.Context, digits string) error {
	frames, err := DTMFFrames(digits)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := l.SendAudio(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Hangup ends the phone call unless the provider already reported the stream stopped.
func (l *StreamLeg) Hangup(ctx context.Context) error {
	l.stopMu.Lock()
	stopped := l.stopSeen
	l.stopMu.Unlock()
	if stopped || l.control == nil || strings.TrimSpace(l.callSID) == "" {
		return nil
	}
	return l.control.Hangup(ctx, l.callSID)
}

func (l *StreamLeg) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.cancel != nil {
			l.cancel()
			return
		}
		_ = l.conn.Close()
	})
	return nil
}
