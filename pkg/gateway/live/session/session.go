package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/events"
	"github.com/vango-go/vai-phone/pkg/gateway/live/command"
	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
	"github.com/vango-go/vai-phone/pkg/gateway/live/interrupt"
	"github.com/vango-go/vai-phone/pkg/gateway/live/realtime"
	"github.com/vango-go/vai-phone/pkg/gateway/live/relay"
	"github.com/vango-go/vai-phone/pkg/gateway/live/telephony"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
)

type Status string

const (
	StatusInitiating Status = "initiating"
	StatusStreaming  Status = "streaming"
	StatusActive     Status = "active"
	StatusOnHold     Status = "on_hold"
	StatusEnding     Status = "ending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DirectionInbound:
		return DirectionInbound, nil
	case DirectionOutbound:
		return DirectionOutbound, nil
	}
	return "", fmt.Errorf("unknown call direction %q", raw)
}

var (
	ErrInvalidDigits = errors.New("digits must only contain 0-9 * # A-D w W")
	ErrInvalidState  = errors.New("operation not allowed in current call state")
	ErrSessionClosed = errors.New("call session has ended")
	ErrEmptyContext  = errors.New("context text is required")
	ErrInvalidTarget = errors.New("transfer target must be an E.164 phone number")
	ErrNoTransfer    = errors.New("call transfer is not configured")
)

var transferTarget = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type TelephonyLeg interface {
	Events() <-chan telephony.Message
	SendAudio(ctx context.Context, frame []byte) error
	SendMark(ctx context.Context, name string) error
	ClearAudio(ctx context.Context) error
	SendDigits(ctx context.Context, digits string) error
	Hangup(ctx context.Context) error
	Close() error
}

type AILeg interface {
	InitializeSession(ctx context.Context, instructions, voice string) error
	SendAudio(ctx context.Context, frame []byte) error
	TruncateTurn(ctx context.Context, turnID string, elapsedMS int64) error
	InjectContext(ctx context.Context, text string) error
	AppendHistoryTurn(ctx context.Context, role, text string) error
	SendToolResult(ctx context.Context, callID, output string) error
	RequestResponse(ctx context.Context) error
	Events() <-chan realtime.Message
	FailureReason() string
	Close() error
}

// Dialer opens a fresh ai leg. It is called at start and on every resume.
type Dialer func(ctx context.Context) (AILeg, error)

type Store interface {
	UpsertCall(ctx context.Context, rec store.CallRecord) error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Recorder starts provider-side call recording.
type Recorder interface {
	StartRecording(ctx context.Context, callSID string) error
}

// Transferer redirects a live call to another number through the telephony provider.
type Transferer interface {
	Transfer(ctx context.Context, callSID, target string) error
}

type Config struct {
	DefaultVoice        string
	DefaultInstructions string
	AIConnectTimeout    time.Duration
	ReadyTimeout        time.Duration
	EndCallDrain        time.Duration
	PersistTimeout      time.Duration
	MaxBufferedFrames   int
	RecordCalls         bool
	// HoldAudio is μ-law 8kHz audio looped while on hold. Silence is used when empty.
	HoldAudio    []byte
	SummaryTurns int
	SummaryRunes int
}

type Params struct {
	ID             string
	Direction      Direction
	From           string
	To             string
	Voice          string
	Instructions   string
	ProviderConfig map[string]string
}

type Dependencies struct {
	Params   Params
	Config   Config
	Phone    TelephonyLeg
	DialAI   Dialer
	Store    Store
	Events   Publisher
	Recorder Recorder
	Transfer Transferer
	Logger   *slog.Logger
	Now      func() time.Time
}

type HoldOptions struct {
	Reason string
	// OperatorQuestion marks an operator-assist hold awaiting an answer.
	OperatorQuestion string
}

type ResumeOptions struct {
	Voice          string
	OperatorAnswer string
}

// CallSession owns one call: its telephony leg, its current ai leg and its conversation
// log. All state changes happen on the Run goroutine; control methods post commands to it.
type CallSession struct {
	id        string
	direction Direction
	from      string
	to        string
	cfg       Config
	provider  map[string]string

	phone    TelephonyLeg
	dialAI   Dialer
	store    Store
	events   Publisher
	recorder Recorder
	transfer Transferer
	logger   *slog.Logger
	now      func() time.Time

	log   *convlog.Log
	relay *relay.Relay

	mu              sync.Mutex
	status          Status
	voice           string
	instructions    string
	startedAt       time.Time
	endedAt         time.Time
	errMsg          string
	pendingQuestion string
	playback        interrupt.Playback

	controls chan control
	aiEvents chan aiEvent
	dials    chan dialResult
	done     chan struct{}

	// Run goroutine only.
	ai             AILeg
	aiGen          uint64
	awaitingReady  bool
	readyTimer     *time.Timer
	resume         *pendingResume
	holdCancel     context.CancelFunc
	endRequested   bool
	endAfterDrain  bool
	drainTimer     *time.Timer
	finished       bool
	markSeq        uint64
	greeted        bool
	notesWhileDial int
}

type controlKind int

const (
	controlHangup controlKind = iota
	controlHold
	controlResume
	controlInject
	controlDigits
	controlTransfer
)

type control struct {
	kind   controlKind
	reason string
	hold   HoldOptions
	resume ResumeOptions
	text   string
	reply  chan error
}

type aiEvent struct {
	gen    uint64
	msg    realtime.Message
	closed bool
	reason string
}

type dialResult struct {
	gen uint64
	leg AILeg
	err error
}

type pendingResume struct {
	opts  ResumeOptions
	reply chan error
}

func New(deps Dependencies) (*CallSession, error) {
	if strings.TrimSpace(deps.Params.ID) == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if deps.Phone == nil {
		return nil, fmt.Errorf("telephony leg is required")
	}
	if deps.DialAI == nil {
		return nil, fmt.Errorf("ai dialer is required")
	}
	if deps.Params.Direction == "" {
		deps.Params.Direction = DirectionInbound
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.AIConnectTimeout <= 0 {
		deps.Config.AIConnectTimeout = 10 * time.Second
	}
	if deps.Config.ReadyTimeout <= 0 {
		deps.Config.ReadyTimeout = 10 * time.Second
	}
	if deps.Config.EndCallDrain <= 0 {
		deps.Config.EndCallDrain = 5 * time.Second
	}
	if deps.Config.PersistTimeout <= 0 {
		deps.Config.PersistTimeout = 5 * time.Second
	}
	if deps.Config.SummaryTurns <= 0 {
		deps.Config.SummaryTurns = 12
	}
	if deps.Config.SummaryRunes <= 0 {
		deps.Config.SummaryRunes = 160
	}
	voice := strings.TrimSpace(deps.Params.Voice)
	if voice == "" {
		voice = deps.Config.DefaultVoice
	}

	s := &CallSession{
		id:        deps.Params.ID,
		direction: deps.Params.Direction,
		from:      deps.Params.From,
		to:        deps.Params.To,
		cfg:       deps.Config,
		provider:  copyParams(deps.Params.ProviderConfig),
		phone:     deps.Phone,
		dialAI:    deps.DialAI,
		store:     deps.Store,
		events:    deps.Events,
		recorder:  deps.Recorder,
		transfer:  deps.Transfer,
		logger:    deps.Logger.With("call_id", deps.Params.ID, "direction", string(deps.Params.Direction)),
		now:       deps.Now,
		log:       convlog.New(),
		status:    StatusInitiating,
		voice:     voice,
		startedAt: deps.Now(),
		controls:  make(chan control),
		aiEvents:  make(chan aiEvent, 64),
		dials:     make(chan dialResult, 1),
		done:      make(chan struct{}),
	}
	s.instructions = composeInstructions(deps.Config.DefaultInstructions, deps.Params.Instructions)

	var onFirst func()
	if deps.Config.RecordCalls && deps.Recorder != nil {
		onFirst = func() { go s.startRecording() }
	}
	s.relay = relay.New(deps.Phone, relay.Options{
		MaxBufferedFrames: deps.Config.MaxBufferedFrames,
		OnFirstInbound:    onFirst,
	})
	return s, nil
}

func composeInstructions(base, custom string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{base, custom} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, command.Guide)
	return strings.Join(parts, "\n\n")
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *CallSession) ID() string { return s.id }

func (s *CallSession) Direction() Direction { return s.direction }

func (s *CallSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed once the session has been finalized.
func (s *CallSession) Done() <-chan struct{} { return s.done }

func (s *CallSession) Transcript() []convlog.Turn { return s.log.Snapshot() }

// Hangup ends the call. Ending an already finished session is a no-op.
func (s *CallSession) Hangup(ctx context.Context, reason string) error {
	err := s.submit(ctx, control{kind: controlHangup, reason: reason})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

func (s *CallSession) Hold(ctx context.Context, opts HoldOptions) error {
	return s.submit(ctx, control{kind: controlHold, hold: opts})
}

// Resume reconnects the ai leg and replays the conversation. It returns once the new leg
// is live, or with an error after which the session is failed.
func (s *CallSession) Resume(ctx context.Context, opts ResumeOptions) error {
	return s.submit(ctx, control{kind: controlResume, resume: opts})
}

func (s *CallSession) InjectContext(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyContext
	}
	return s.submit(ctx, control{kind: controlInject, text: strings.TrimSpace(text)})
}

func (s *CallSession) SendDigits(ctx context.Context, digits string) error {
	if !telephony.ValidDigits(digits) {
		return ErrInvalidDigits
	}
	return s.submit(ctx, control{kind: controlDigits, text: digits})
}

// Transfer redirects the caller to target and ends the session once the provider has
// accepted the redirect.
func (s *CallSession) Transfer(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if !transferTarget.MatchString(target) {
		return ErrInvalidTarget
	}
	return s.submit(ctx, control{kind: controlTransfer, text: target})
}

func (s *CallSession) submit(ctx context.Context, c control) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.reply = make(chan error, 1)
	select {
	case s.controls <- c:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		// The reply is buffered; prefer it when the command itself ended the session.
		select {
		case err := <-c.reply:
			return err
		default:
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Snapshot struct {
	ID                      string             `json:"id"`
	Direction               Direction          `json:"direction"`
	Status                  Status             `json:"status"`
	From                    string             `json:"from,omitempty"`
	To                      string             `json:"to,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	ProviderConfig          map[string]string  `json:"provider_config,omitempty"`
	StartedAt               time.Time          `json:"started_at"`
	EndedAt                 *time.Time         `json:"ended_at,omitempty"`
	DurationSeconds         float64            `json:"duration_seconds"`
	PendingOperatorQuestion string             `json:"pending_operator_question,omitempty"`
	Error                   string             `json:"error,omitempty"`
	Playback                interrupt.Playback `json:"-"`
	Turns                   int                `json:"turns"`
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:                      s.id,
		Direction:               s.direction,
		Status:                  s.status,
		From:                    s.from,
		To:                      s.to,
		Voice:                   s.voice,
		ProviderConfig:          copyParams(s.provider),
		StartedAt:               s.startedAt,
		PendingOperatorQuestion: s.pendingQuestion,
		Error:                   s.errMsg,
		Playback:                s.playback.Clone(),
		Turns:                   s.log.Len(),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
		snap.DurationSeconds = ended.Sub(s.startedAt).Seconds()
	} else {
		snap.DurationSeconds = s.now().Sub(s.startedAt).Seconds()
	}
	return snap
}

// Record renders the session as the persisted call record.
func (s *CallSession) Record() store.CallRecord {
	snap := s.Snapshot()
	s.mu.Lock()
	instructions := s.instructions
	s.mu.Unlock()
	return store.CallRecord{
		ID:                      snap.ID,
		Direction:               string(snap.Direction),
		Status:                  string(snap.Status),
		From:                    snap.From,
		To:                      snap.To,
		Voice:                   snap.Voice,
		Instructions:            instructions,
		ProviderConfig:          snap.ProviderConfig,
		ConversationLog:         s.log.Snapshot(),
		PendingOperatorQuestion: snap.PendingOperatorQuestion,
		ErrorMessage:            snap.Error,
		StartedAt:               snap.StartedAt,
		EndedAt:                 snap.EndedAt,
		DurationSeconds:         snap.DurationSeconds,
		UpdatedAt:               s.now().UTC(),
	}
}

func (s *CallSession) setStatus(ctx context.Context, next Status) {
	s.mu.Lock()
	prev := s.status
	s.status = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.logger.Info("call status changed", "from", string(prev), "to", string(next))
	s.publish(ctx, events.TypeStatusChanged, map[string]any{"from": string(prev), "to": string(next)})
}

func (s *CallSession) publish(ctx context.Context, typ string, data map[string]any) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, events.New(typ, s.id, data)); err != nil {
		s.logger.Warn("publish event failed", "event", typ, "error", err)
	}
}

func (s *CallSession) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.store.UpsertCall(ctx, s.Record()); err != nil {
		s.logger.Error("persist call record failed", "error", err)
	}
}

func (s *CallSession) startRecording() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.recorder.StartRecording(ctx, s.id); err != nil {
		s.logger.Warn("start recording failed", "error", err)
		return
	}
	s.logger.Info("call recording started")
}
