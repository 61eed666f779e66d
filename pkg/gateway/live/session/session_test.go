package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-go/vai-phone/pkg/gateway/events"
	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
	"github.com/vango-go/vai-phone/pkg/gateway/live/realtime"
	"github.com/vango-go/vai-phone/pkg/gateway/live/telephony"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
)

type fakePhone struct {
	events chan telephony.Message

	mu      sync.Mutex
	audio   [][]byte
	marks   []string
	clears  int
	digits  []string
	hangups int
	closed  bool
}

func newFakePhone() *fakePhone {
	return &fakePhone{events: make(chan telephony.Message, 64)}
}

func (p *fakePhone) Events() <-chan telephony.Message { return p.events }

func (p *fakePhone) SendAudio(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = append(p.audio, append([]byte(nil), frame...))
	return nil
}

func (p *fakePhone) SendMark(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks = append(p.marks, name)
	return nil
}

func (p *fakePhone) ClearAudio(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func (p *fakePhone) SendDigits(_ context.Context, digits string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digits = append(p.digits, digits)
	return nil
}

func (p *fakePhone) Hangup(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups++
	return nil
}

func (p *fakePhone) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePhone) media(ts int64, payload ...byte) {
	p.events <- telephony.Message{Event: telephony.Media{TimestampMS: ts, Payload: payload}}
}

func (p *fakePhone) snapshot() fakePhone {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fakePhone{
		audio:   append([][]byte(nil), p.audio...),
		marks:   append([]string(nil), p.marks...),
		clears:  p.clears,
		digits:  append([]string(nil), p.digits...),
		hangups: p.hangups,
		closed:  p.closed,
	}
}

type initCall struct {
	instructions string
	voice        string
}

type historyItem struct {
	Role string
	Text string
}

type truncation struct {
	TurnID    string
	ElapsedMS int64
}

type toolResult struct {
	CallID string
	Output string
}

type fakeAI struct {
	events chan realtime.Message

	mu          sync.Mutex
	inits       []initCall
	audio       [][]byte
	truncs      []truncation
	injects     []string
	history     []historyItem
	toolResults []toolResult
	responses   int
	closed      bool
}

func newFakeAI() *fakeAI {
	return &fakeAI{events: make(chan realtime.Message, 64)}
}

func (a *fakeAI) InitializeSession(_ context.Context, instructions, voice string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inits = append(a.inits, initCall{instructions: instructions, voice: voice})
	return nil
}

func (a *fakeAI) SendAudio(_ context.Context, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("closed")
	}
	a.audio = append(a.audio, append([]byte(nil), frame...))
	return nil
}

func (a *fakeAI) TruncateTurn(_ context.Context, turnID string, elapsedMS int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.truncs = append(a.truncs, truncation{TurnID: turnID, ElapsedMS: elapsedMS})
	return nil
}

func (a *fakeAI) InjectContext(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.injects = append(a.injects, text)
	return nil
}

func (a *fakeAI) AppendHistoryTurn(_ context.Context, role, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, historyItem{Role: role, Text: text})
	return nil
}

func (a *fakeAI) SendToolResult(_ context.Context, callID, output string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolResults = append(a.toolResults, toolResult{CallID: callID, Output: output})
	return nil
}

func (a *fakeAI) RequestResponse(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses++
	return nil
}

func (a *fakeAI) Events() <-chan realtime.Message { return a.events }

func (a *fakeAI) FailureReason() string { return "close=1006" }

func (a *fakeAI) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

func (a *fakeAI) emit(ev realtime.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.events <- realtime.Message{Event: ev}
	}
}

func (a *fakeAI) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *fakeAI) snapshot() fakeAI {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fakeAI{
		inits:       append([]initCall(nil), a.inits...),
		audio:       append([][]byte(nil), a.audio...),
		truncs:      append([]truncation(nil), a.truncs...),
		injects:     append([]string(nil), a.injects...),
		history:     append([]historyItem(nil), a.history...),
		toolResults: append([]toolResult(nil), a.toolResults...),
		responses:   a.responses,
		closed:      a.closed,
	}
}

type fakeStore struct {
	mu      sync.Mutex
	records []store.CallRecord
}

func (s *fakeStore) UpsertCall(_ context.Context, rec store.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) last() store.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return store.CallRecord{}
	}
	return s.records[len(s.records)-1]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRecorder) StartRecording(_ context.Context, callSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callSID)
	return nil
}

type fakeTransferer struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (f *fakeTransferer) Transfer(_ context.Context, callSID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.targets = append(f.targets, callSID+"->"+target)
	return nil
}

func (f *fakeTransferer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

type harness struct {
	s      *CallSession
	phone  *fakePhone
	dialed chan *fakeAI
	store  *fakeStore
	pub    *fakePublisher
	runErr chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		phone:  newFakePhone(),
		dialed: make(chan *fakeAI, 4),
		store:  &fakeStore{},
		pub:    &fakePublisher{},
		runErr: make(chan error, 1),
	}
	deps := Dependencies{
		Params: Params{ID: "CA123", Direction: DirectionInbound, From: "+15550001", To: "+15550002"},
		Config: Config{
			DefaultVoice:        "alloy",
			DefaultInstructions: "You are a helpful receptionist.",
			ReadyTimeout:        2 * time.Second,
			EndCallDrain:        2 * time.Second,
		},
		Phone: h.phone,
		DialAI: func(ctx context.Context) (AILeg, error) {
			ai := newFakeAI()
			h.dialed <- ai
			return ai, nil
		},
		Store:  h.store,
		Events: h.pub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("session did not finish")
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) nextAI(t *testing.T) *fakeAI {
	t.Helper()
	select {
	case ai := <-h.dialed:
		return ai
	case <-time.After(2 * time.Second):
		t.Fatalf("ai leg was not dialed")
		return nil
	}
}

// activate waits for the ai leg, reports it ready and waits for the call to go live.
func (h *harness) activate(t *testing.T) *fakeAI {
	t.Helper()
	ai := h.nextAI(t)
	waitFor(t, "session.update", func() bool { return len(ai.snapshot().inits) == 1 })
	ai.emit(realtime.SessionReady{SessionID: "sess"})
	waitFor(t, "active", func() bool { return h.s.Status() == StatusActive })
	return ai
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish; status=%s", h.s.Status())
	}
}

func contentOf(turns []convlog.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+":"+t.Content)
	}
	return out
}

func TestSession_BuffersCallerAudioUntilReadyThenGreets(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.nextAI(t)

	h.phone.media(0, 1)
	h.phone.media(20, 2)
	waitFor(t, "buffered frames", func() bool { return h.s.relay.Stats().Buffered == 2 })
	if got := len(ai.snapshot().audio); got != 0 {
		t.Fatalf("ai received %d frames before ready", got)
	}

	ai.emit(realtime.SessionReady{})
	waitFor(t, "active", func() bool { return h.s.Status() == StatusActive })
	h.phone.media(40, 3)
	waitFor(t, "live frame", func() bool { return len(ai.snapshot().audio) == 3 })

	got := ai.snapshot()
	if diff := cmp.Diff([][]byte{{1}, {2}, {3}}, got.audio); diff != "" {
		t.Fatalf("audio order mismatch (-want +got):\n%s", diff)
	}
	if got.responses != 1 {
		t.Fatalf("responses=%d, want greeting", got.responses)
	}
	if got.inits[0].voice != "alloy" || !strings.Contains(got.inits[0].instructions, "helpful receptionist") {
		t.Fatalf("init=%+v", got.inits[0])
	}
	sys, ok := h.s.log.System()
	if !ok || sys.Content != got.inits[0].instructions {
		t.Fatalf("system turn=%+v", sys)
	}
}

func TestSession_OutboundDoesNotGreet(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Params.Direction = DirectionOutbound })
	ai := h.activate(t)
	if got := ai.snapshot().responses; got != 0 {
		t.Fatalf("responses=%d, want 0 for outbound", got)
	}
}

func TestSession_TranscriptsAndTelephonyStop(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	ai.emit(realtime.UserTranscriptCompleted{ItemID: "u1", Text: "I need a table"})
	ai.emit(realtime.AssistantTranscriptCompleted{TurnID: "a1", Text: "For how many?"})
	waitFor(t, "transcripts", func() bool { return h.s.log.Len() == 3 })

	h.phone.events <- telephony.Message{Event: telephony.Stop{CallSID: "CA123"}}
	h.waitDone(t)

	if h.s.Status() != StatusCompleted {
		t.Fatalf("status=%s, want completed", h.s.Status())
	}
	phone := h.phone.snapshot()
	if phone.hangups != 0 || !phone.closed {
		t.Fatalf("hangups=%d closed=%v; provider already ended the call", phone.hangups, phone.closed)
	}
	rec := h.store.last()
	want := []string{"user:I need a table", "assistant:For how many?"}
	if diff := cmp.Diff(want, contentOf(rec.ConversationLog[1:])); diff != "" {
		t.Fatalf("persisted log mismatch (-want +got):\n%s", diff)
	}
	if rec.Status != string(StatusCompleted) || rec.EndedAt == nil {
		t.Fatalf("record=%+v", rec)
	}
	if !ai.isClosed() {
		t.Fatalf("ai leg should be closed at finalization")
	}
	if h.pub.count(events.TypeSessionEnd) != 1 {
		t.Fatalf("session_end published %d times", h.pub.count(events.TypeSessionEnd))
	}
}

func TestSession_InterruptionTruncatesUnplayedAudio(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	h.phone.media(3000, 1)
	waitFor(t, "media clock", func() bool { return h.s.Snapshot().Playback.LatestMediaTimestampMS == 3000 })
	ai.emit(realtime.AudioDelta{TurnID: "item_1", Payload: []byte{9, 9}})
	waitFor(t, "mark queued", func() bool { return len(h.s.Snapshot().Playback.MarkQueue) == 1 })

	h.phone.media(5000, 2)
	waitFor(t, "media clock", func() bool { return h.s.Snapshot().Playback.LatestMediaTimestampMS == 5000 })
	ai.emit(realtime.UserSpeechStarted{ItemID: "u2"})
	waitFor(t, "truncation", func() bool { return len(ai.snapshot().truncs) == 1 })

	if diff := cmp.Diff([]truncation{{TurnID: "item_1", ElapsedMS: 2000}}, ai.snapshot().truncs); diff != "" {
		t.Fatalf("truncate mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "clear", func() bool { return h.phone.snapshot().clears == 1 })
	waitFor(t, "playback reset", func() bool {
		p := h.s.Snapshot().Playback
		return len(p.MarkQueue) == 0 && p.LastAssistantTurnID == "" && p.ResponseStartTimestampMS == nil
	})
	turns := h.s.Transcript()
	last := turns[len(turns)-1]
	if last.Kind != convlog.KindMarker || last.TurnID != "item_1" {
		t.Fatalf("last turn=%+v, want interruption marker", last)
	}

	phone := h.phone.snapshot()
	if len(phone.marks) != 1 || !strings.HasPrefix(phone.marks[0], "item_1:") {
		t.Fatalf("marks=%v", phone.marks)
	}
	if diff := cmp.Diff([][]byte{{9, 9}}, phone.audio); diff != "" {
		t.Fatalf("phone audio mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_SpeechWithoutPendingAudioOnlyMarks(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	ai.emit(realtime.AudioDelta{TurnID: "item_1", Payload: []byte{1}})
	waitFor(t, "mark queued", func() bool { return len(h.phone.snapshot().marks) == 1 })
	mark := h.phone.snapshot().marks[0]
	h.phone.events <- telephony.Message{Event: telephony.Mark{Name: mark}}
	waitFor(t, "mark acked", func() bool { return len(h.s.Snapshot().Playback.MarkQueue) == 0 })

	ai.emit(realtime.UserSpeechStarted{})
	waitFor(t, "marker", func() bool { return h.pub.count(events.TypeAssistantInterrupted) == 1 })
	if got := ai.snapshot().truncs; len(got) != 0 {
		t.Fatalf("truncs=%v, want none once playback finished", got)
	}
}

func TestSession_HoldResumeReplaysConversation(t *testing.T) {
	h := newHarness(t, nil)
	ai1 := h.activate(t)

	ai1.emit(realtime.UserTranscriptCompleted{Text: "What time do you close?"})
	ai1.emit(realtime.AssistantTranscriptCompleted{TurnID: "a1", Text: "Let me check."})
	waitFor(t, "transcripts", func() bool { return h.s.log.Len() == 3 })

	ctx := context.Background()
	if err := h.s.Hold(ctx, HoldOptions{Reason: "operator"}); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	if h.s.Status() != StatusOnHold || !ai1.isClosed() {
		t.Fatalf("status=%s closed=%v", h.s.Status(), ai1.isClosed())
	}
	if h.phone.snapshot().clears < 1 {
		t.Fatalf("expected queued audio cleared on hold")
	}
	waitFor(t, "hold audio", func() bool { return len(h.phone.snapshot().audio) > 0 })

	// Caller audio during hold goes nowhere.
	h.phone.media(100, 7)
	waitFor(t, "discarded frame", func() bool { return h.s.relay.Stats().InboundDiscarded == 1 })
	if err := h.s.InjectContext(ctx, "We close at 9pm."); err != nil {
		t.Fatalf("InjectContext() error = %v", err)
	}
	if h.store.last().Status != string(StatusOnHold) {
		t.Fatalf("hold not persisted: %+v", h.store.last())
	}

	resumed := make(chan error, 1)
	go func() { resumed <- h.s.Resume(ctx, ResumeOptions{Voice: "verse"}) }()
	ai2 := h.nextAI(t)
	waitFor(t, "replay", func() bool { return len(ai2.snapshot().history) == 3 })
	ai2.emit(realtime.SessionReady{})

	select {
	case err := <-resumed:
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Resume() did not return")
	}
	if h.s.Status() != StatusActive {
		t.Fatalf("status=%s, want active", h.s.Status())
	}

	got := ai2.snapshot()
	want := []historyItem{
		{Role: "user", Text: "What time do you close?"},
		{Role: "assistant", Text: "Let me check."},
		{Role: "user", Text: "[operator note] We close at 9pm."},
	}
	if diff := cmp.Diff(want, got.history); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
	if got.inits[0].voice != "verse" {
		t.Fatalf("voice=%q, want override", got.inits[0].voice)
	}
	if len(got.audio) != 0 {
		t.Fatalf("audio from hold leaked to the new leg: %v", got.audio)
	}
	if got.responses != 0 {
		t.Fatalf("resume without an answer should not prompt a response")
	}
}

func TestSession_RequestUserCommandHoldsWithQuestion(t *testing.T) {
	h := newHarness(t, nil)
	ai1 := h.activate(t)

	ai1.emit(realtime.AssistantTranscriptCompleted{TurnID: "a1", Text: "One moment."})
	ai1.emit(realtime.ToolCall{CallID: "call_1", Name: "request_user", Arguments: `{"question":"Is the caller a member?"}`})
	waitFor(t, "hold", func() bool { return h.s.Status() == StatusOnHold })
	if q := h.s.Snapshot().PendingOperatorQuestion; q != "Is the caller a member?" {
		t.Fatalf("question=%q", q)
	}

	resumed := make(chan error, 1)
	go func() {
		resumed <- h.s.Resume(context.Background(), ResumeOptions{OperatorAnswer: "Yes, gold tier."})
	}()
	ai2 := h.nextAI(t)
	waitFor(t, "replay", func() bool { return len(ai2.snapshot().history) == 2 })
	ai2.emit(realtime.SessionReady{})
	if err := <-resumed; err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got := ai2.snapshot()
	if got.history[1].Text != "[operator note] Operator answer: Yes, gold tier." {
		t.Fatalf("history=%+v", got.history)
	}
	if got.responses != 1 {
		t.Fatalf("responses=%d, want 1 after answer", got.responses)
	}
	if q := h.s.Snapshot().PendingOperatorQuestion; q != "" {
		t.Fatalf("question=%q, want cleared", q)
	}
}

func TestSession_EndCallWaitsForPlayback(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	ai.emit(realtime.AudioDelta{TurnID: "a1", Payload: []byte{5}})
	waitFor(t, "mark", func() bool { return len(h.phone.snapshot().marks) == 1 })
	ai.emit(realtime.AssistantTranscriptCompleted{TurnID: "a1", Text: "Goodbye!"})
	ai.emit(realtime.ToolCall{CallID: "call_9", Name: "end_call", Arguments: `{}`})
	waitFor(t, "tool result", func() bool { return len(ai.snapshot().toolResults) == 1 })
	if diff := cmp.Diff([]toolResult{{CallID: "call_9", Output: `{"ok":true}`}}, ai.snapshot().toolResults); diff != "" {
		t.Fatalf("tool results mismatch (-want +got):\n%s", diff)
	}
	if got := ai.snapshot().responses; got != 1 {
		t.Fatalf("responses=%d, want only the greeting after end_call", got)
	}

	select {
	case <-h.s.Done():
		t.Fatalf("call ended before the goodbye played")
	default:
	}

	h.phone.events <- telephony.Message{Event: telephony.Mark{Name: h.phone.snapshot().marks[0]}}
	h.waitDone(t)
	if h.s.Status() != StatusCompleted || h.phone.snapshot().hangups != 1 {
		t.Fatalf("status=%s hangups=%d", h.s.Status(), h.phone.snapshot().hangups)
	}
}

func TestSession_PressCommandSendsDigits(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	ai.emit(realtime.ToolCall{CallID: "call_2", Name: "press_digits", Arguments: `{"digits":"1w#"}`})
	waitFor(t, "digits", func() bool { return len(h.phone.snapshot().digits) == 1 })
	if got := h.phone.snapshot().digits[0]; got != "1w#" {
		t.Fatalf("digits=%q", got)
	}
	waitFor(t, "continuation", func() bool { return ai.snapshot().responses == 2 })
	if diff := cmp.Diff([]toolResult{{CallID: "call_2", Output: `{"ok":true}`}}, ai.snapshot().toolResults); diff != "" {
		t.Fatalf("tool results mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_BadToolCallIsAnsweredWithError(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	ai.emit(realtime.ToolCall{CallID: "call_3", Name: "press_digits", Arguments: `{"digits":"12x"}`})
	waitFor(t, "tool result", func() bool { return len(ai.snapshot().toolResults) == 1 })
	res := ai.snapshot().toolResults[0]
	if res.CallID != "call_3" || !strings.Contains(res.Output, `"ok":false`) {
		t.Fatalf("tool result=%+v", res)
	}
	ai.emit(realtime.ToolCall{CallID: "call_4", Name: "dance", Arguments: `{}`})
	waitFor(t, "unknown tool answered", func() bool { return len(ai.snapshot().toolResults) == 2 })
	if got := h.phone.snapshot().digits; len(got) != 0 {
		t.Fatalf("digits=%v, want none", got)
	}
	if h.s.Status() != StatusActive {
		t.Fatalf("status=%s, want active", h.s.Status())
	}
}

func TestSession_TransferToolRedirectsAndEnds(t *testing.T) {
	tr := &fakeTransferer{}
	h := newHarness(t, func(d *Dependencies) { d.Transfer = tr })
	ai := h.activate(t)

	ai.emit(realtime.ToolCall{CallID: "call_5", Name: "transfer", Arguments: `{"number":"+15557654321"}`})
	h.waitDone(t)

	if diff := cmp.Diff([]string{"CA123->+15557654321"}, tr.calls()); diff != "" {
		t.Fatalf("transfers mismatch (-want +got):\n%s", diff)
	}
	if h.s.Status() != StatusCompleted {
		t.Fatalf("status=%s, want completed", h.s.Status())
	}
	if got := h.phone.snapshot().hangups; got != 0 {
		t.Fatalf("hangups=%d; a transferred call must stay up", got)
	}
	if h.pub.count(events.TypeSessionTransfer) != 1 || h.pub.count(events.TypeCommandExecuted) != 1 {
		t.Fatalf("transfer events=%d command events=%d", h.pub.count(events.TypeSessionTransfer), h.pub.count(events.TypeCommandExecuted))
	}
}

func TestSession_OperatorTransfer(t *testing.T) {
	tr := &fakeTransferer{}
	h := newHarness(t, func(d *Dependencies) { d.Transfer = tr })
	h.activate(t)
	ctx := context.Background()

	if err := h.s.Transfer(ctx, "555"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("Transfer(bad) err=%v, want ErrInvalidTarget", err)
	}
	tr.mu.Lock()
	tr.err = errors.New("provider down")
	tr.mu.Unlock()
	if err := h.s.Transfer(ctx, "+15557654321"); err == nil || !strings.Contains(err.Error(), "provider down") {
		t.Fatalf("Transfer() err=%v, want provider error", err)
	}
	if h.s.Status() != StatusActive {
		t.Fatalf("status=%s; failed transfer must keep the call", h.s.Status())
	}

	tr.mu.Lock()
	tr.err = nil
	tr.mu.Unlock()
	if err := h.s.Hold(ctx, HoldOptions{}); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	if err := h.s.Transfer(ctx, "+15557654321"); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	h.waitDone(t)
	if h.s.Status() != StatusCompleted || h.phone.snapshot().hangups != 0 {
		t.Fatalf("status=%s hangups=%d", h.s.Status(), h.phone.snapshot().hangups)
	}
}

func TestSession_TransferWithoutProvider(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t)
	if err := h.s.Transfer(context.Background(), "+15557654321"); !errors.Is(err, ErrNoTransfer) {
		t.Fatalf("Transfer() err=%v, want ErrNoTransfer", err)
	}
	if h.s.Status() != StatusActive {
		t.Fatalf("status=%s, want active", h.s.Status())
	}
}

func TestSession_NoteDuringResumeReachesNewLeg(t *testing.T) {
	h := newHarness(t, nil)
	ai1 := h.activate(t)
	ai1.emit(realtime.UserTranscriptCompleted{Text: "Any discounts today?"})
	waitFor(t, "transcript", func() bool { return h.s.log.Len() == 2 })

	ctx := context.Background()
	if err := h.s.Hold(ctx, HoldOptions{}); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	resumed := make(chan error, 1)
	go func() { resumed <- h.s.Resume(ctx, ResumeOptions{}) }()
	ai2 := h.nextAI(t)
	waitFor(t, "session.update", func() bool { return len(ai2.snapshot().inits) == 1 })

	if err := h.s.InjectContext(ctx, "Offer the caller a 10% discount."); err != nil {
		t.Fatalf("InjectContext() error = %v", err)
	}
	ai2.emit(realtime.SessionReady{})
	if err := <-resumed; err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	want := []historyItem{
		{Role: "user", Text: "Any discounts today?"},
		{Role: "user", Text: "[operator note] Offer the caller a 10% discount."},
	}
	if diff := cmp.Diff(want, ai2.snapshot().history); diff != "" {
		t.Fatalf("new leg history mismatch (-want +got):\n%s", diff)
	}
	if h.s.Status() != StatusActive {
		t.Fatalf("status=%s, want active", h.s.Status())
	}
}

func TestSession_ResumeDialFailureFailsCall(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		first := d.DialAI
		var dials atomic.Int32
		d.DialAI = func(ctx context.Context) (AILeg, error) {
			if dials.Add(1) == 1 {
				return first(ctx)
			}
			return nil, errors.New("boom")
		}
	})
	h.activate(t)

	ctx := context.Background()
	if err := h.s.Hold(ctx, HoldOptions{}); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	err := h.s.Resume(ctx, ResumeOptions{})
	if err == nil || !strings.Contains(err.Error(), "ai leg connect failed: boom") {
		t.Fatalf("Resume() err=%v, want connect failure", err)
	}
	h.waitDone(t)
	if h.s.Status() != StatusFailed || h.phone.snapshot().hangups != 1 {
		t.Fatalf("status=%s hangups=%d", h.s.Status(), h.phone.snapshot().hangups)
	}
	if rec := h.store.last(); rec.Status != string(StatusFailed) || !strings.Contains(rec.ErrorMessage, "boom") {
		t.Fatalf("record=%+v", rec)
	}
}

func TestSession_ResumeReadyTimeoutFailsCall(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Config.ReadyTimeout = 300 * time.Millisecond })
	h.activate(t)

	ctx := context.Background()
	if err := h.s.Hold(ctx, HoldOptions{}); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	resumed := make(chan error, 1)
	go func() { resumed <- h.s.Resume(ctx, ResumeOptions{}) }()
	ai2 := h.nextAI(t)

	select {
	case err := <-resumed:
		if err == nil || !strings.Contains(err.Error(), "did not become ready") {
			t.Fatalf("Resume() err=%v, want ready timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Resume() did not return")
	}
	h.waitDone(t)
	if h.s.Status() != StatusFailed || !ai2.isClosed() {
		t.Fatalf("status=%s closed=%v", h.s.Status(), ai2.isClosed())
	}
}

func TestSession_DigitsRefusedOnHold(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t)

	ctx := context.Background()
	if err := h.s.Hold(ctx, HoldOptions{}); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	if err := h.s.SendDigits(ctx, "1#"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SendDigits() on hold err=%v, want ErrInvalidState", err)
	}
	if got := h.phone.snapshot().digits; len(got) != 0 {
		t.Fatalf("digits=%v, want none while hold audio plays", got)
	}
}

func TestSession_InjectWhileActiveSendsSummary(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	ai.emit(realtime.UserTranscriptCompleted{Text: "Do you have parking?"})
	waitFor(t, "transcript", func() bool { return h.s.log.Len() == 2 })
	if err := h.s.InjectContext(context.Background(), "Parking is free after 6pm."); err != nil {
		t.Fatalf("InjectContext() error = %v", err)
	}
	injects := ai.snapshot().injects
	if len(injects) != 1 {
		t.Fatalf("injects=%v", injects)
	}
	if !strings.Contains(injects[0], "user: Do you have parking?") || !strings.HasSuffix(injects[0], "Parking is free after 6pm.") {
		t.Fatalf("inject=%q", injects[0])
	}
	for _, turn := range h.s.Transcript()[1:] {
		if turn.Role == convlog.RoleSystem {
			t.Fatalf("note stored as a second system turn: %+v", turn)
		}
	}
}

func TestSession_AILegDropFailsCall(t *testing.T) {
	h := newHarness(t, nil)
	ai := h.activate(t)

	_ = ai.Close()
	h.waitDone(t)
	snap := h.s.Snapshot()
	if snap.Status != StatusFailed || !strings.Contains(snap.Error, "ai leg disconnected") {
		t.Fatalf("snapshot=%+v", snap)
	}
	if h.phone.snapshot().hangups != 1 {
		t.Fatalf("expected telephony hangup after ai failure")
	}
}

func TestSession_TelephonyDisconnectFailsCall(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t)

	close(h.phone.events)
	h.waitDone(t)
	snap := h.s.Snapshot()
	if snap.Status != StatusFailed || snap.Error != "telephony leg disconnected" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSession_DialFailureFailsCall(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.DialAI = func(context.Context) (AILeg, error) { return nil, errors.New("401 unauthorized") }
	})
	h.waitDone(t)
	snap := h.s.Snapshot()
	if snap.Status != StatusFailed || !strings.Contains(snap.Error, "401 unauthorized") {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSession_ReadyTimeoutFailsCall(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Config.ReadyTimeout = 30 * time.Millisecond })
	h.nextAI(t)
	h.waitDone(t)
	if h.s.Status() != StatusFailed {
		t.Fatalf("status=%s, want failed", h.s.Status())
	}
}

func TestSession_HangupTwiceFinalizesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t)

	ctx := context.Background()
	if err := h.s.Hangup(ctx, "operator"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if err := h.s.Hangup(ctx, "operator"); err != nil {
		t.Fatalf("second Hangup() error = %v", err)
	}
	h.waitDone(t)
	if h.phone.snapshot().hangups != 1 {
		t.Fatalf("hangups=%d, want 1", h.phone.snapshot().hangups)
	}
	if h.pub.count(events.TypeSessionEnd) != 1 {
		t.Fatalf("session_end=%d, want 1", h.pub.count(events.TypeSessionEnd))
	}
	if err := h.s.Hold(ctx, HoldOptions{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Hold() after end err=%v, want ErrSessionClosed", err)
	}
}

func TestSession_ControlValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ai := h.nextAI(t)
	if err := h.s.Hold(ctx, HoldOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Hold() before ready err=%v, want ErrInvalidState", err)
	}
	if err := h.s.SendDigits(ctx, "12x"); !errors.Is(err, ErrInvalidDigits) {
		t.Fatalf("SendDigits() err=%v, want ErrInvalidDigits", err)
	}
	if err := h.s.InjectContext(ctx, "  "); !errors.Is(err, ErrEmptyContext) {
		t.Fatalf("InjectContext() err=%v, want ErrEmptyContext", err)
	}

	waitFor(t, "session.update", func() bool { return len(ai.snapshot().inits) == 1 })
	ai.emit(realtime.SessionReady{})
	waitFor(t, "active", func() bool { return h.s.Status() == StatusActive })
	if err := h.s.Resume(ctx, ResumeOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Resume() while active err=%v, want ErrInvalidState", err)
	}
	if err := h.s.SendDigits(ctx, "9#"); err != nil {
		t.Fatalf("SendDigits() error = %v", err)
	}
	if got := h.phone.snapshot().digits; len(got) != 1 || got[0] != "9#" {
		t.Fatalf("digits=%v", got)
	}
}

func TestSession_NotesWhileConnectingAreSentOnReady(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Params.Direction = DirectionOutbound })
	ai := h.nextAI(t)
	if err := h.s.InjectContext(context.Background(), "Caller prefers Spanish."); err != nil {
		t.Fatalf("InjectContext() error = %v", err)
	}
	waitFor(t, "session.update", func() bool { return len(ai.snapshot().inits) == 1 })
	ai.emit(realtime.SessionReady{})
	waitFor(t, "summary", func() bool { return len(ai.snapshot().injects) == 1 })
	if !strings.Contains(ai.snapshot().injects[0], "operator: Caller prefers Spanish.") {
		t.Fatalf("inject=%q", ai.snapshot().injects[0])
	}
}

func TestSession_RecordsOnFirstInboundFrame(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, func(d *Dependencies) {
		d.Config.RecordCalls = true
		d.Recorder = rec
	})
	h.nextAI(t)
	h.phone.media(0, 1)
	h.phone.media(20, 2)
	waitFor(t, "recording", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.calls) == 1
	})
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff([]string{"CA123"}, rec.calls); diff != "" {
		t.Fatalf("recordings mismatch (-want +got):\n%s", diff)
	}
}

func TestHoldFrames_PadsTail(t *testing.T) {
	frames := holdFrames(make([]byte, telephony.FrameBytes+10))
	if len(frames) != 2 || len(frames[1]) != telephony.FrameBytes {
		t.Fatalf("frames=%d", len(frames))
	}
	if frames[1][10] != telephony.SilenceByte || frames[1][9] != 0 {
		t.Fatalf("tail not padded with silence")
	}
	if got := holdFrames(nil); len(got) != 1 {
		t.Fatalf("silence frames=%d, want 1", len(got))
	}
}
