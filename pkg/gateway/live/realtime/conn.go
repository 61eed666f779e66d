package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/gateway/live/command"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"
	DefaultVoice = "alloy"
)

type Config struct {
	URL          string
	APIKey       string
	Model        string
	Transcriber  string
	WriteTimeout time.Duration
}

// Message is one decoded server frame. Err is set for frames that failed to decode.
type Message struct {
	Event Event
	Err   error
}

// Conn is a client connection to the realtime ai leg.
type Conn struct {
	conn *websocket.Conn
	cfg  Config

	writeMu sync.Mutex
	errMu   sync.Mutex

	events    chan Message
	closed    chan struct{}
	closeOnce sync.Once

	lastServerError string
	lastClose       string
}

// Dial opens the ai leg. The caller bounds the handshake with ctx.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime api key is required")
	}
	wsURL, err := buildURL(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	out := &Conn{
		conn:   conn,
		cfg:    cfg,
		events: make(chan Message, 256),
		closed: make(chan struct{}),
	}
	go out.readLoop()
	return out, nil
}

func buildURL(base, model string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("model") == "" {
		model = strings.TrimSpace(model)
		if model == "" {
			model = DefaultModel
		}
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// InitializeSession configures μ-law audio both ways, server-side turn detection, input
// transcription and the call-control tools.
func (c *Conn) InitializeSession(ctx context.Context, instructions, voice string) error {
	if strings.TrimSpace(voice) == "" {
		voice = DefaultVoice
	}
	transcriber := strings.TrimSpace(c.cfg.Transcriber)
	if transcriber == "" {
		transcriber = "whisper-1"
	}
	return c.writeJSON(ctx, map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"instructions":        instructions,
			"voice":               voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"turn_detection":      map[string]any{"type": "server_vad"},
			"input_audio_transcription": map[string]any{
				"model": transcriber,
			},
			"tools":       command.Tools,
			"tool_choice": "auto",
		},
	})
}

func (c *Conn) SendAudio(ctx context.Context, frame []byte) error {
	return c.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

func (c *Conn) TruncateTurn(ctx context.Context, turnID string, elapsedMS int64) error {
	if strings.TrimSpace(turnID) == "" {
		return fmt.Errorf("turn id is required")
	}
	if elapsedMS < 0 {
		elapsedMS = 0
	}
	return c.writeJSON(ctx, map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       turnID,
		"content_index": 0,
		"audio_end_ms":  elapsedMS,
	})
}

// InjectContext adds operator guidance as a system item without requesting a response.
func (c *Conn) InjectContext(ctx context.Context, text string) error {
	return c.createItem(ctx, "system", text)
}

func (c *Conn) AppendHistoryTurn(ctx context.Context, role, text string) error {
	switch role {
	case "system", "user", "assistant":
	default:
		return fmt.Errorf("unsupported history role %q", role)
	}
	return c.createItem(ctx, role, text)
}

// SendToolResult answers a function call. It does not request a response.
func (c *Conn) SendToolResult(ctx context.Context, callID, output string) error {
	if strings.TrimSpace(callID) == "" {
		return fmt.Errorf("tool call id is required")
	}
	return c.writeJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (c *Conn) RequestResponse(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]any{"type": "response.create"})
}

func (c *Conn) createItem(ctx context.Context, role, text string) error {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "text"
	}
	return c.writeJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": role,
			"content": []map[string]string{
				{"type": contentType, "text": text},
			},
		},
	})
}

func (c *Conn) Events() <-chan Message {
	if c == nil {
		ch := make(chan Message)
		close(ch)
		return ch
	}
	return c.events
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}

		ev, decodeErr := Decode(data)
		if e, ok := ev.(Error); ok {
			c.setLastServerError(strings.TrimSpace(e.Code + " " + e.Message))
		}

		select {
		case c.events <- Message{Event: ev, Err: decodeErr}:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("realtime connection is nil")
	}
	select {
	case <-c.closed:
		return fmt.Errorf("realtime connection closed")
	default:
	}

	deadline := time.Now().Add(c.writeTimeout())
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(payload)
}

func (c *Conn) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 5 * time.Second
}

// FailureReason describes why the connection ended, for logs and call records.
func (c *Conn) FailureReason() string {
	if c == nil {
		return ""
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	parts := make([]string, 0, 2)
	if c.lastServerError != "" {
		parts = append(parts, "server_error="+c.lastServerError)
	}
	if c.lastClose != "" {
		parts = append(parts, "close="+c.lastClose)
	}
	return strings.Join(parts, " ")
}

func (c *Conn) setLastServerError(msg string) {
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *Conn) setLastClose(msg string) {
	c.errMu.Lock()
	if c.lastClose == "" || msg != "closed" {
		c.lastClose = msg
	}
	c.errMu.Unlock()
}
