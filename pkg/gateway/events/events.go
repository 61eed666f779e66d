package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSessionStart         = "session_start"
	TypeStatusChanged        = "status_changed"
	TypeTranscript           = "transcript"
	TypeAssistantInterrupted = "assistant_interrupted"
	TypeContextInjected      = "context_injected"
	TypeHold                 = "hold"
	TypeResume               = "resume"
	TypeCommandExecuted      = "command_executed"
	TypeDTMF                 = "dtmf"
	TypeSessionTransfer      = "session_transfer"
	TypeSessionEnd           = "session_end"
)

// Event is an observer notification about one call.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CallID    string         `json:"call_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func New(typ, callID string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// AllCalls subscribes to events from every call.
const AllCalls = "*"

// Hub fans events out to in-process subscribers. Slow subscribers lose events rather than
// blocking the publishing call.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	dropped uint64
}

type subscriber struct {
	ch chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe returns a channel of events for callID (or AllCalls) and a cancel func that
// closes it.
func (h *Hub) Subscribe(callID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	h.mu.Lock()
	set := h.subs[callID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[callID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set := h.subs[callID]; set != nil {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, callID)
				}
			}
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range []string{ev.CallID, AllCalls} {
		for sub := range h.subs[key] {
			select {
			case sub.ch <- ev:
			default:
				h.dropped++
			}
		}
	}
	return nil
}

func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
