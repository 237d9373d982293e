package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterAllow(t *testing.T) {
	l := New(Config{Rate: rate.Limit(2), Burst: 2, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer l.Stop()

	if !l.Allow("192.168.1.1") {
		t.Fatal("expected first request to be allowed")
	}
	if !l.Allow("192.168.1.1") {
		t.Fatal("expected second request to be allowed")
	}
	if l.Allow("192.168.1.1") {
		t.Fatal("expected third request to exceed burst")
	}
	if !l.Allow("192.168.1.2") {
		t.Fatal("expected a different IP to be unaffected")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := New(Config{Rate: rate.Limit(10), Burst: 10, CleanupInterval: time.Hour, MaxAge: 0})
	defer l.Stop()

	l.Allow("10.0.0.1")

	l.mu.Lock()
	count := len(l.entries)
	l.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}

	l.cleanup()

	l.mu.Lock()
	count = len(l.entries)
	l.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected entries evicted with MaxAge=0, got %d", count)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := ExtractIP(r); got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
