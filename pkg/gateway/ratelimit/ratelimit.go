package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Config bounds control-plane traffic per caller. Zero values disable each limit.
type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*callerLimiter
}

type callerLimiter struct {
	mu       sync.Mutex
	tokens   float64
	last     time.Time
	inflight chan struct{}
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*callerLimiter),
	}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func (l *Limiter) AcquireRequest(key string, now time.Time) Decision {
	if key == "" {
		key = "anonymous"
	}
	cl := l.getOrCreate(key, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := cl.take(now, l.cfg.RPS, float64(l.cfg.Burst)); !ok {
			return Decision{RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxConcurrentRequests <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case cl.inflight <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-cl.inflight }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(key string, now time.Time) *callerLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[key]; ok {
		cl.lastSeen = now
		return cl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		for k, v := range l.m {
			if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
				delete(l.m, k)
			}
		}
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}
	cl := &callerLimiter{
		tokens:   float64(l.cfg.Burst),
		last:     now,
		inflight: make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		lastSeen: now,
	}
	l.m[key] = cl
	return cl
}

func (cl *callerLimiter) take(now time.Time, rps, capacity float64) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if elapsed := now.Sub(cl.last).Seconds(); elapsed > 0 {
		cl.tokens = math.Min(capacity, cl.tokens+elapsed*rps)
		cl.last = now
	}
	if cl.tokens >= 1 {
		cl.tokens--
		return true, 0
	}
	retryAfter := int(math.Ceil((1 - cl.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
