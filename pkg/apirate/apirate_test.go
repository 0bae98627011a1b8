package apirate

import "testing"

func TestAllowRespectsBurst(t *testing.T) {
	p := New(Limits{RPS: 1, Burst: 2})
	if !p.Allow("client-a") {
		t.Fatalf("expected first request within burst to be allowed")
	}
	if !p.Allow("client-a") {
		t.Fatalf("expected second request within burst to be allowed")
	}
	if p.Allow("client-a") {
		t.Fatalf("expected a third immediate request to exceed the burst")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	p := New(Limits{RPS: 1, Burst: 1})
	if !p.Allow("client-a") {
		t.Fatalf("expected client-a's first request to be allowed")
	}
	if !p.Allow("client-b") {
		t.Fatalf("expected a different key to have its own independent bucket")
	}
	if p.Allow("client-a") {
		t.Fatalf("expected client-a to still be rate-limited")
	}
}
