package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound       = errors.New("call not found")
	ErrCapacity       = errors.New("call capacity reached")
	ErrDuplicateDial  = errors.New("duplicate dial to destination")
	ErrDraining       = errors.New("server is draining")
	ErrAlreadyTracked = errors.New("call is already registered")
)

// Handle is the part of a call session the registry controls.
type Handle interface {
	ID() string
	Direction() session.Direction
	Hangup(ctx context.Context, reason string) error
	Hold(ctx context.Context, opts session.HoldOptions) error
	Resume(ctx context.Context, opts session.ResumeOptions) error
	InjectContext(ctx context.Context, text string) error
	SendDigits(ctx context.Context, digits string) error
	Transfer(ctx context.Context, target string) error
	Snapshot() session.Snapshot
	Transcript() []convlog.Turn
}

type Limits struct {
	// MaxConcurrent caps all live calls. Zero means unlimited, as do the per-direction caps.
	MaxConcurrent       int
	MaxInbound          int
	MaxOutbound         int
	MaxInboundDuration  time.Duration
	MaxOutboundDuration time.Duration
	DialDedupWindow     time.Duration
	FinalizeGrace       time.Duration
}

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithAfterFunc(fn AfterFunc) Option {
	return func(r *Registry) { r.afterFunc = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry is the process-wide directory of live calls. It owns admission, dial
// deduplication and max-duration timers. Session methods are never called with mu held.
type Registry struct {
	limits    Limits
	now       func() time.Time
	afterFunc AfterFunc
	logger    *slog.Logger

	mu          sync.Mutex
	entries     map[string]*entry
	recentDials map[string]time.Time
	draining    bool
	wg          sync.WaitGroup
}

type entry struct {
	handle    Handle
	direction session.Direction
	timer     Timer
	ended     bool
	expired   bool
	once      sync.Once
}

func New(limits Limits, opts ...Option) *Registry {
	if limits.DialDedupWindow <= 0 {
		limits.DialDedupWindow = 15 * time.Second
	}
	if limits.FinalizeGrace < 0 {
		limits.FinalizeGrace = 0
	}
	r := &Registry{
		limits:      limits,
		now:         time.Now,
		afterFunc:   func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		logger:      slog.Default(),
		entries:     make(map[string]*entry),
		recentDials: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanAdmit reports whether a new call in direction would fit under the caps.
func (r *Registry) CanAdmit(dir session.Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked(dir)
}

func (r *Registry) admitLocked(dir session.Direction) error {
	if r.draining {
		return ErrDraining
	}
	total, inDir := 0, 0
	for _, e := range r.entries {
		if e.ended {
			continue
		}
		total++
		if e.direction == dir {
			inDir++
		}
	}
	if r.limits.MaxConcurrent > 0 && total >= r.limits.MaxConcurrent {
		return fmt.Errorf("%w: %d active calls (limit %d)", ErrCapacity, total, r.limits.MaxConcurrent)
	}
	limit := r.limits.MaxInbound
	if dir == session.DirectionOutbound {
		limit = r.limits.MaxOutbound
	}
	if limit > 0 && inDir >= limit {
		return fmt.Errorf("%w: %d active %s calls (limit %d)", ErrCapacity, inDir, dir, limit)
	}
	return nil
}

// Register admits h and starts its safety timer. The returned release must be called
// once the session is finalized; calling it more than once is harmless.
func (r *Registry) Register(h Handle) (release func(), err error) {
	id := h.ID()
	dir := h.Direction()

	r.mu.Lock()
	if old, ok := r.entries[id]; ok && !old.ended {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracked, id)
	}
	if err := r.admitLocked(dir); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	e := &entry{handle: h, direction: dir}
	r.entries[id] = e
	r.wg.Add(1)
	if limit := r.maxDuration(dir); limit > 0 {
		e.timer = r.afterFunc(limit, func() { r.expire(id, e) })
	}
	r.mu.Unlock()

	r.logger.Info("call registered", "call_id", id, "direction", string(dir))
	return func() { r.release(id, e) }, nil
}

func (r *Registry) maxDuration(dir session.Direction) time.Duration {
	if dir == session.DirectionOutbound {
		return r.limits.MaxOutboundDuration
	}
	return r.limits.MaxInboundDuration
}

func (r *Registry) expire(id string, e *entry) {
	r.mu.Lock()
	if e.ended || e.expired || r.entries[id] != e {
		r.mu.Unlock()
		return
	}
	e.expired = true
	r.mu.Unlock()

	r.logger.Warn("call exceeded max duration", "call_id", id, "direction", string(e.direction))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.handle.Hangup(ctx, "max_duration"); err != nil {
		r.logger.Error("max duration hangup failed", "call_id", id, "error", err)
	}
}

func (r *Registry) release(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		e.ended = true
		if e.timer != nil {
			e.timer.Stop()
		}
		r.mu.Unlock()
		r.wg.Done()

		remove := func() {
			r.mu.Lock()
			if r.entries[id] == e {
				delete(r.entries, id)
			}
			r.mu.Unlock()
		}
		if r.limits.FinalizeGrace == 0 {
			remove()
			return
		}
		r.afterFunc(r.limits.FinalizeGrace, remove)
	})
}

// DedupeDial records an outbound attempt to destination, rejecting a repeat inside the
// dedup window.
func (r *Registry) DedupeDial(destination string) error {
	key := strings.TrimSpace(destination)
	if key == "" {
		return nil
	}
	now := r.now()
	window := r.limits.DialDedupWindow

	r.mu.Lock()
	defer r.mu.Unlock()
	for dest, at := range r.recentDials {
		if now.Sub(at) >= window {
			delete(r.recentDials, dest)
		}
	}
	if at, ok := r.recentDials[key]; ok {
		return fmt.Errorf("%w: %s was dialed %s ago", ErrDuplicateDial, key, now.Sub(at).Round(time.Second))
	}
	r.recentDials[key] = now
	return nil
}

// Lookup returns the session for id, including one in its post-end grace period.
func (r *Registry) Lookup(id string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.handle, nil
}

// ListActive snapshots every call that has not ended, oldest first.
func (r *Registry) ListActive() []session.Snapshot {
	handles := r.active()
	out := make([]session.Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) active() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.ended {
			out = append(out, e.handle)
		}
	}
	return out
}

func (r *Registry) Hangup(ctx context.Context, id, reason string) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return h.Hangup(ctx, reason)
}

func (r *Registry) Hold(ctx context.Context, id string, opts session.HoldOptions) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return h.Hold(ctx, opts)
}

func (r *Registry) Resume(ctx context.Context, id string, opts session.ResumeOptions) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return h.Resume(ctx, opts)
}

func (r *Registry) InjectContext(ctx context.Context, id, text string) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return h.InjectContext(ctx, text)
}

func (r *Registry) SendDigits(ctx context.Context, id, digits string) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return h.SendDigits(ctx, digits)
}

func (r *Registry) Transfer(ctx context.Context, id, target string) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return h.Transfer(ctx, target)
}

func (r *Registry) Transcript(id string) ([]convlog.Turn, error) {
	h, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return h.Transcript(), nil
}

type ShutdownResult struct {
	CallID string `json:"call_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// EmergencyShutdownAll hangs up every live call concurrently and reports each outcome.
// One failing hangup does not stop the others.
func (r *Registry) EmergencyShutdownAll(ctx context.Context) []ShutdownResult {
	handles := r.active()
	results := make([]ShutdownResult, len(handles))

	var g errgroup.Group
	g.SetLimit(16)
	for i, h := range handles {
		g.Go(func() error {
			res := ShutdownResult{CallID: h.ID(), OK: true}
			if err := h.Hangup(ctx, "emergency_shutdown"); err != nil {
				res.OK = false
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].CallID < results[j].CallID })
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	r.logger.Warn("emergency shutdown", "calls", len(results), "failed", failed)
	return results
}

func (r *Registry) SetDraining(draining bool) {
	r.mu.Lock()
	r.draining = draining
	r.mu.Unlock()
}

func (r *Registry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Count returns the number of calls that have not ended.
func (r *Registry) Count() int {
	return len(r.active())
}

// Wait blocks until every registered call has been released or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
