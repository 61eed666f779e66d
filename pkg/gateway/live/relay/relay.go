package relay

import (
	"context"
	"errors"
	"sync"
)

// DefaultMaxBufferedFrames holds roughly 30s of 20ms telephony frames.
const DefaultMaxBufferedFrames = 1500

var (
	ErrBufferOverflow = errors.New("relay: inbound buffer full before ai leg became ready")
	ErrNoSink         = errors.New("relay: no ai sink attached")
)

type Sink interface {
	SendAudio(ctx context.Context, frame []byte) error
}

type state int

const (
	stateBuffering state = iota
	stateReady
	stateSuspended
)

type Options struct {
	MaxBufferedFrames int
	// OnFirstInbound runs once, after the first inbound frame reaches the ai leg.
	OnFirstInbound func()
}

type Stats struct {
	InboundSent      uint64
	InboundDiscarded uint64
	OutboundSent     uint64
	OutboundDropped  uint64
	Buffered         int
}

// Relay forwards audio between the telephony leg and the ai leg. Inbound frames are
// buffered until MarkReady; the flush and every later send happen under one mutex, so a
// frame racing the ready transition is sent exactly once and never ahead of older frames.
type Relay struct {
	mu     sync.Mutex
	state  state
	buffer [][]byte
	ai     Sink
	stats  Stats

	phone          Sink
	outMu          sync.Mutex
	outboundPaused bool

	maxBuffered    int
	firstOnce      sync.Once
	onFirstInbound func()
}

func New(phone Sink, opts Options) *Relay {
	maxBuffered := opts.MaxBufferedFrames
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBufferedFrames
	}
	return &Relay{
		state:          stateBuffering,
		buffer:         make([][]byte, 0, 64),
		phone:          phone,
		maxBuffered:    maxBuffered,
		onFirstInbound: opts.OnFirstInbound,
	}
}

func (r *Relay) ForwardInbound(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	r.mu.Lock()
	switch r.state {
	case stateSuspended:
		r.stats.InboundDiscarded++
		r.mu.Unlock()
		return nil
	case stateBuffering:
		if len(r.buffer) >= r.maxBuffered {
			r.mu.Unlock()
			return ErrBufferOverflow
		}
		r.buffer = append(r.buffer, frame)
		r.mu.Unlock()
		return nil
	}
	err := r.ai.SendAudio(ctx, frame)
	if err == nil {
		r.stats.InboundSent++
	}
	r.mu.Unlock()
	if err == nil {
		r.fireFirstInbound()
	}
	return err
}

// MarkReady attaches the ai sink and flushes buffered frames in arrival order.
// Frames that cannot be sent stay buffered and the relay remains not ready.
func (r *Relay) MarkReady(ctx context.Context, ai Sink) error {
	if ai == nil {
		return ErrNoSink
	}
	r.mu.Lock()
	r.ai = ai
	sent := 0
	var err error
	for _, frame := range r.buffer {
		if err = ai.SendAudio(ctx, frame); err != nil {
			break
		}
		sent++
	}
	r.stats.InboundSent += uint64(sent)
	r.buffer = append(r.buffer[:0], r.buffer[sent:]...)
	if err == nil {
		r.state = stateReady
	}
	r.mu.Unlock()
	if sent > 0 {
		r.fireFirstInbound()
	}
	return err
}

// Suspend detaches the ai sink and discards inbound audio until Rearm.
func (r *Relay) Suspend() {
	r.mu.Lock()
	r.state = stateSuspended
	r.stats.InboundDiscarded += uint64(len(r.buffer))
	r.buffer = r.buffer[:0]
	r.ai = nil
	r.mu.Unlock()
}

// Rearm returns a suspended relay to buffering while a new ai leg connects.
func (r *Relay) Rearm() {
	r.mu.Lock()
	if r.state == stateSuspended {
		r.state = stateBuffering
	}
	r.mu.Unlock()
}

func (r *Relay) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateReady
}

func (r *Relay) ForwardOutbound(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.outboundPaused {
		r.stats.OutboundDropped++
		return nil
	}
	if err := r.phone.SendAudio(ctx, frame); err != nil {
		return err
	}
	r.stats.OutboundSent++
	return nil
}

func (r *Relay) PauseOutbound() {
	r.outMu.Lock()
	r.outboundPaused = true
	r.outMu.Unlock()
}

func (r *Relay) ResumeOutbound() {
	r.outMu.Lock()
	r.outboundPaused = false
	r.outMu.Unlock()
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	r.outMu.Lock()
	defer r.mu.Unlock()
	defer r.outMu.Unlock()
	out := r.stats
	out.Buffered = len(r.buffer)
	return out
}

func (r *Relay) fireFirstInbound() {
	if r.onFirstInbound == nil {
		return
	}
	r.firstOnce.Do(r.onFirstInbound)
}
