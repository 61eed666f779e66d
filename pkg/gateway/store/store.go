package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
)

var ErrNotFound = errors.New("call record not found")

// CallRecord is the durable form of a call: metadata plus the full conversation log.
type CallRecord struct {
	ID                      string            `json:"id"`
	Direction               string            `json:"direction"`
	Status                  string            `json:"status"`
	From                    string            `json:"from,omitempty"`
	To                      string            `json:"to,omitempty"`
	Voice                   string            `json:"voice,omitempty"`
	Instructions            string            `json:"instructions,omitempty"`
	ProviderConfig          map[string]string `json:"provider_config,omitempty"`
	ConversationLog         []convlog.Turn    `json:"conversation_log"`
	PendingOperatorQuestion string            `json:"pending_operator_question,omitempty"`
	ErrorMessage            string            `json:"error_message,omitempty"`
	StartedAt               time.Time         `json:"started_at"`
	EndedAt                 *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds         float64           `json:"duration_seconds"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

type ListOptions struct {
	Status string
	Limit  int
}

type Store interface {
	UpsertCall(ctx context.Context, rec CallRecord) error
	GetCall(ctx context.Context, id string) (CallRecord, error)
	ListCalls(ctx context.Context, opts ListOptions) ([]CallRecord, error)
}

// Memory keeps records in process. It backs tests and deployments without a database.
type Memory struct {
	mu      sync.RWMutex
	records map[string]CallRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]CallRecord)}
}

func (m *Memory) UpsertCall(_ context.Context, rec CallRecord) error {
	if rec.ID == "" {
		return errors.New("call record id is required")
	}
	m.mu.Lock()
	m.records[rec.ID] = cloneRecord(rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCall(_ context.Context, id string) (CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListCalls returns records newest first.
func (m *Memory) ListCalls(_ context.Context, opts ListOptions) ([]CallRecord, error) {
	m.mu.RLock()
	out := make([]CallRecord, 0, len(m.records))
	for _, rec := range m.records {
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func cloneRecord(rec CallRecord) CallRecord {
	out := rec
	if rec.ProviderConfig != nil {
		out.ProviderConfig = make(map[string]string, len(rec.ProviderConfig))
		for k, v := range rec.ProviderConfig {
			out.ProviderConfig[k] = v
		}
	}
	if rec.ConversationLog != nil {
		out.ConversationLog = make([]convlog.Turn, len(rec.ConversationLog))
		for i, t := range rec.ConversationLog {
			if t.TruncatedAtMS != nil {
				v := *t.TruncatedAtMS
				t.TruncatedAtMS = &v
			}
			out.ConversationLog[i] = t
		}
	}
	if rec.EndedAt != nil {
		v := *rec.EndedAt
		out.EndedAt = &v
	}
	return out
}
