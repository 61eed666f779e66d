package handlers

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
)

type fakeProvider struct {
	mu         sync.Mutex
	hangups    []string
	recordings []string
}

func (p *fakeProvider) Hangup(_ context.Context, callSID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, callSID)
	return nil
}

func (p *fakeProvider) StartRecording(_ context.Context, callSID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordings = append(p.recordings, callSID)
	return nil
}

func (p *fakeProvider) Transfer(context.Context, string, string) error { return nil }

func (p *fakeProvider) hangupSIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hangups...)
}

func mediaConfig() config.Config {
	cfg := callsConfig()
	cfg.MediaWSPingInterval = time.Hour
	cfg.MediaWSWriteTimeout = time.Second
	cfg.MediaHandshakeTimeout = time.Second
	cfg.PersistTimeout = time.Second
	cfg.AIConnectTimeout = time.Second
	return cfg
}

const startFrame = `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA77",` +
	`"customParameters":{"direction":"inbound","from":"+15557654321","campaign":"renewals"}}}`

func dialMediaStream(t *testing.T, h MediaStreamHandler) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(startFrame))
	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

// awaitServerClose reads until the server ends the stream.
func awaitServerClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("server did not close the media stream")
			}
			return
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMediaStream_RejectsOverCapacity(t *testing.T) {
	reg := newRegistry(1)
	if _, err := reg.Register(&fakeCall{id: "CA1", dir: session.DirectionOutbound}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	provider := &fakeProvider{}
	var dialed atomic.Bool
	logs := &lockedBuffer{}
	conn, cleanup := dialMediaStream(t, MediaStreamHandler{
		Config:   mediaConfig(),
		Registry: reg,
		Calls:    provider,
		Logger:   slog.New(slog.NewTextHandler(logs, nil)),
		DialAI: func(context.Context) (session.AILeg, error) {
			dialed.Store(true)
			return nil, errors.New("unexpected dial")
		},
	})
	defer cleanup()

	awaitServerClose(t, conn)
	eventually(t, "provider hangup", func() bool { return len(provider.hangupSIDs()) == 1 })
	if got := provider.hangupSIDs()[0]; got != "CA77" {
		t.Fatalf("hangup sid=%q, want CA77", got)
	}
	if dialed.Load() {
		t.Fatalf("ai leg dialed for a rejected call")
	}
	if reg.Count() != 1 {
		t.Fatalf("registry count=%d, want 1", reg.Count())
	}
	// Refused by the admission check, before any session was built.
	if out := logs.String(); !strings.Contains(out, "call admission refused") {
		t.Fatalf("logs=%s, want admission refusal", out)
	}
}

func TestMediaStream_AIFailureFinalizesCall(t *testing.T) {
	reg := sessions.New(sessions.Limits{MaxConcurrent: 4}, sessions.WithLogger(discardLogger()))
	provider := &fakeProvider{}
	mem := store.NewMemory()
	conn, cleanup := dialMediaStream(t, MediaStreamHandler{
		Config:   mediaConfig(),
		Registry: reg,
		Calls:    provider,
		Store:    mem,
		Logger:   discardLogger(),
		DialAI: func(context.Context) (session.AILeg, error) {
			return nil, errors.New("realtime unavailable")
		},
	})
	defer cleanup()

	awaitServerClose(t, conn)
	eventually(t, "registry release", func() bool { return reg.Count() == 0 })

	rec, err := mem.GetCall(context.Background(), "CA77")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if rec.Status != string(session.StatusFailed) || rec.Direction != "inbound" || rec.From != "+15557654321" {
		t.Fatalf("record=%+v", rec)
	}
	if rec.ProviderConfig["campaign"] != "renewals" {
		t.Fatalf("provider config=%v, want campaign passed through", rec.ProviderConfig)
	}
	if _, ok := rec.ProviderConfig["direction"]; ok {
		t.Fatalf("reserved parameter leaked into provider config: %v", rec.ProviderConfig)
	}
	if got := provider.hangupSIDs(); len(got) != 1 || got[0] != "CA77" {
		t.Fatalf("hangups=%v, want [CA77]", got)
	}
}

func TestMediaStream_DrainingRefusesUpgrade(t *testing.T) {
	reg := newRegistry(4)
	reg.SetDraining(true)
	rr := httptest.NewRecorder()
	MediaStreamHandler{Config: mediaConfig(), Registry: reg}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/media-stream", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
