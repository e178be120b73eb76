package httpserver

import "testing"

func TestClientRateLimiterAllowsThenBlocksBurst(t *testing.T) {
	l := newClientRateLimiter(1, 2)
	if !l.allow("client-a") {
		t.Fatal("first request should be allowed")
	}
	if !l.allow("client-a") {
		t.Fatal("second request within burst should be allowed")
	}
	if l.allow("client-a") {
		t.Fatal("third request should exceed burst and be blocked")
	}
}

func TestClientRateLimiterKeysAreIndependent(t *testing.T) {
	l := newClientRateLimiter(1, 1)
	if !l.allow("client-a") {
		t.Fatal("client-a first request should be allowed")
	}
	if !l.allow("client-b") {
		t.Fatal("client-b should have its own independent bucket")
	}
}
