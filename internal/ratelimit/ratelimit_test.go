package ratelimit

import (
	"net/http"
	"testing"

	"golang.org/x/time/rate"
)

func TestAllowPermitsBurstThenBlocks(t *testing.T) {
	l := New(1, 2)
	if !l.Allow("k") {
		t.Fatal("expected first request to be allowed")
	}
	if !l.Allow("k") {
		t.Fatal("expected second request (within burst) to be allowed")
	}
	if l.Allow("k") {
		t.Fatal("expected third request to be rate limited")
	}
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	l := New(1, 1)
	if !l.Allow("a") {
		t.Fatal("expected a to be allowed")
	}
	if !l.Allow("b") {
		t.Fatal("expected b (distinct key) to be allowed independently of a")
	}
	if l.Allow("a") {
		t.Fatal("expected a to now be limited")
	}
}

func TestNewRejectsNothingWithInfiniteRate(t *testing.T) {
	l := New(rate.Inf, 1)
	for i := 0; i < 10; i++ {
		if !l.Allow("k") {
			t.Fatalf("expected unlimited rate to always allow, failed at i=%d", i)
		}
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := ClientIP(r); ip != "203.0.113.5" {
		t.Fatalf("expected first XFF entry, got %q", ip)
	}
}

func TestClientIPFallsBackToRealIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	r.Header.Set("X-Real-Ip", "203.0.113.9")
	if ip := ClientIP(r); ip != "203.0.113.9" {
		t.Fatalf("expected X-Real-Ip, got %q", ip)
	}
}

func TestClientIPStripsPortFromRemoteAddr(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	r.RemoteAddr = "192.0.2.1:54321"
	if ip := ClientIP(r); ip != "192.0.2.1" {
		t.Fatalf("expected stripped remote addr, got %q", ip)
	}
}
