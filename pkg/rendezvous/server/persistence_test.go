package server

import (
	"context"
	"testing"
	"time"
)

// fakeRedisAddr is intentionally unreachable; these tests only exercise
// the key-prefix helpers and the error path of NewRedisStore, since no
// Redis/Dragonfly instance is available in this environment.
const fakeRedisAddr = "127.0.0.1:1"

func TestNewRedisStoreFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := NewRedisStore(ctx, fakeRedisAddr)
	if err == nil {
		t.Fatal("expected connection error when no redis server is reachable")
	}
}

func TestRedisStoreKeyPrefixes(t *testing.T) {
	rs := &RedisStore{}

	if got := rs.key("passive", "1.2.3.4"); got != "rendezvous:passive:1.2.3.4" {
		t.Errorf("passive key = %q", got)
	}
	if got := rs.key("simultaneous", "1.2.3.4"); got != "rendezvous:simultaneous:1.2.3.4" {
		t.Errorf("simultaneous key = %q", got)
	}
}
