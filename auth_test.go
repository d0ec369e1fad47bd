package main

import (
	"strings"
	"testing"
	"time"
)

func TestSessionStoreCreateValidate(t *testing.T) {
	store := newSessionStore("test-secret")

	cookie := store.Create("admin")
	username, ok := store.Validate(cookie)
	if !ok {
		t.Fatal("freshly created session rejected")
	}
	if username != "admin" {
		t.Errorf("username = %q, want %q", username, "admin")
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestSessionStoreRejectsTamperedCookie(t *testing.T) {
	store := newSessionStore("test-secret")
	cookie := store.Create("admin")

	// Flipping any single character must invalidate the signature or the id.
	for i := 0; i < len(cookie); i++ {
		if cookie[i] == '.' {
			continue
		}
		flipped := cookie[:i] + string(cookie[i]^1) + cookie[i+1:]
		if _, ok := store.Validate(flipped); ok {
			t.Fatalf("tampered cookie accepted (byte %d flipped)", i)
		}
	}
}

func TestSessionStoreRejectsGarbage(t *testing.T) {
	store := newSessionStore("test-secret")
	for _, cookie := range []string{"", "no-dot", "a.b", "a.b.c"} {
		if _, ok := store.Validate(cookie); ok {
			t.Errorf("Validate(%q) accepted", cookie)
		}
	}
}

func TestSessionStoreDifferentSecret(t *testing.T) {
	cookie := newSessionStore("secret-one").Create("admin")
	if _, ok := newSessionStore("secret-two").Validate(cookie); ok {
		t.Error("cookie signed with a different secret accepted")
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	store := newSessionStore("test-secret")
	cookie := store.Create("admin")

	id := strings.SplitN(cookie, ".", 2)[0]
	store.mu.Lock()
	store.sessions[id].createdAt = time.Now().Add(-sessionTTL - time.Minute)
	store.mu.Unlock()

	if _, ok := store.Validate(cookie); ok {
		t.Fatal("expired session accepted")
	}
	if store.Count() != 0 {
		t.Errorf("Count() = %d after expiry sweep, want 0", store.Count())
	}
}

func TestSessionStoreDestroy(t *testing.T) {
	store := newSessionStore("test-secret")
	cookie := store.Create("admin")

	store.Destroy(cookie)
	if _, ok := store.Validate(cookie); ok {
		t.Error("destroyed session still valid")
	}

	// Destroy with a bad signature must not touch the table.
	other := store.Create("admin")
	store.Destroy("bogus.signature")
	if _, ok := store.Validate(other); !ok {
		t.Error("unrelated session lost after bogus Destroy")
	}
}

func TestSecureStringEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"token", "token", true},
		{"token", "Token", false},
		{"token", "token ", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tt := range tests {
		if got := secureStringEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("secureStringEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
