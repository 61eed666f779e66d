package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireRequest_TokenBucketRefills(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if dec := l.AcquireRequest("p1", now); !dec.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	dec := l.AcquireRequest("p1", now)
	if dec.Allowed || dec.RetryAfter != 1 {
		t.Fatalf("third request allowed=%v retry_after=%d, want denied/1", dec.Allowed, dec.RetryAfter)
	}
	if dec := l.AcquireRequest("p2", now); !dec.Allowed {
		t.Fatalf("other caller should have its own bucket")
	}
	if dec := l.AcquireRequest("p1", now.Add(time.Second)); !dec.Allowed {
		t.Fatalf("bucket did not refill after 1s")
	}
}

func TestAcquireRequest_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentRequests: 1})
	now := time.Now()

	first := l.AcquireRequest("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}
	if second := l.AcquireRequest("p1", now); second.Allowed {
		t.Fatalf("second should be denied while first is in flight")
	}
	first.Permit.Release()
	first.Permit.Release()
	if third := l.AcquireRequest("p1", now); !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestPrincipalKeys_AreHashed(t *testing.T) {
	k := PrincipalKeyFromAPIKey("vai_sk_secret")
	if k == "" || k == "vai_sk_secret" || k[:2] != "k_" {
		t.Fatalf("api key principal = %q", k)
	}
	if ip := PrincipalKeyFromIP("10.0.0.1"); ip[:3] != "ip_" {
		t.Fatalf("ip principal = %q", ip)
	}
}
