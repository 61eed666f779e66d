package convlog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Kind string

const (
	KindMessage Kind = "message"
	// KindNote is operator-injected context. Notes are stored with the user role so the
	// baseline instructions remain the only system turn.
	KindNote Kind = "note"
	// KindMarker records that the callee talked over an assistant utterance.
	KindMarker Kind = "marker"
)

const interruptedMarker = "[assistant interrupted]"

var ErrSystemTurnExists = errors.New("conversation log already has turns")

type Turn struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Kind          Kind      `json:"kind,omitempty"`
	Content       string    `json:"content"`
	TurnID        string    `json:"turn_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Truncated     bool      `json:"truncated,omitempty"`
	TruncatedAtMS *int64    `json:"truncated_at_ms,omitempty"`
}

func (t Turn) clone() Turn {
	if t.TruncatedAtMS != nil {
		v := *t.TruncatedAtMS
		t.TruncatedAtMS = &v
	}
	return t
}

// Log is the ordered dialogue record of one call. Turns are only appended; the single
// exception is tagging an assistant turn as truncated.
type Log struct {
	mu    sync.Mutex
	turns []Turn

	// Truncations reported before the matching assistant transcript arrived.
	pendingTruncations map[string]int64

	now func() time.Time
}

func New() *Log {
	return &Log{
		turns:              make([]Turn, 0, 16),
		pendingTruncations: make(map[string]int64),
		now:                time.Now,
	}
}

// SetSystem records the baseline instructions. It must be the first turn.
func (l *Log) SetSystem(instructions string) (Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) > 0 {
		return Turn{}, ErrSystemTurnExists
	}
	return l.appendLocked(RoleSystem, KindMessage, instructions, ""), nil
}

func (l *Log) AppendUser(text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(RoleUser, KindMessage, text, "")
}

func (l *Log) AppendAssistant(turnID, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	turn := l.appendLocked(RoleAssistant, KindMessage, text, turnID)
	if turnID == "" {
		return turn
	}
	if ms, ok := l.pendingTruncations[turnID]; ok {
		delete(l.pendingTruncations, turnID)
		idx := len(l.turns) - 1
		l.turns[idx].Truncated = true
		l.turns[idx].TruncatedAtMS = &ms
		turn = l.turns[idx].clone()
	}
	return turn
}

func (l *Log) AppendNote(text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(RoleUser, KindNote, text, "")
}

func (l *Log) AppendMarker(turnID string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(RoleAssistant, KindMarker, interruptedMarker, turnID)
}

func (l *Log) appendLocked(role Role, kind Kind, content, turnID string) Turn {
	turn := Turn{
		ID:        ulid.Make().String(),
		Role:      role,
		Kind:      kind,
		Content:   content,
		TurnID:    turnID,
		Timestamp: l.now().UTC(),
	}
	l.turns = append(l.turns, turn)
	return turn
}

// MarkTruncated annotates the assistant message produced for turnID. When the transcript
// has not been logged yet the truncation is applied once it is. It reports whether an
// existing turn was annotated.
func (l *Log) MarkTruncated(turnID string, atMS int64) bool {
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return false
	}
	if atMS < 0 {
		atMS = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.turns) - 1; i >= 0; i-- {
		t := &l.turns[i]
		if t.Role != RoleAssistant || t.Kind != KindMessage || t.TurnID != turnID {
			continue
		}
		ms := atMS
		t.Truncated = true
		t.TruncatedAtMS = &ms
		return true
	}
	l.pendingTruncations[turnID] = atMS
	return false
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

func (l *Log) Snapshot() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	for i := range l.turns {
		out[i] = l.turns[i].clone()
	}
	return out
}

func (l *Log) System() (Turn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) == 0 || l.turns[0].Role != RoleSystem {
		return Turn{}, false
	}
	return l.turns[0].clone(), true
}

// ReplayTurns returns every non-system turn in order.
func (l *Log) ReplayTurns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, 0, len(l.turns))
	for _, t := range l.turns {
		if t.Role == RoleSystem {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// Summary renders the most recent non-system turns as one line each, clipped to maxRunes.
func (l *Log) Summary(maxTurns, maxRunes int) string {
	turns := l.ReplayTurns()
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Label(), clip(t.Content, maxRunes))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Label names the speaker of a turn for transcripts and summaries.
func (t Turn) Label() string {
	switch t.Kind {
	case KindNote:
		return "operator"
	case KindMarker:
		return "event"
	}
	return string(t.Role)
}

func clip(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxRunes <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}
