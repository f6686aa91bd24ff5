package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestPresenceKey(t *testing.T) {
	if got := presenceKey("alice"); got != "presence:alice" {
		t.Errorf("Expected presence:alice, got %s", got)
	}
}

func TestEncodePresence(t *testing.T) {
	since := time.Unix(1700000000, 0)
	data, err := encodePresence(since)
	if err != nil {
		t.Fatalf("encodePresence: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["status"] != "online" {
		t.Errorf("Expected status online, got %v", rec["status"])
	}
	if rec["connected_at"] != float64(1700000000) {
		t.Errorf("Expected connected_at 1700000000, got %v", rec["connected_at"])
	}
}

func newTestMirror(t *testing.T, ttl time.Duration) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), mr.Addr(), "")
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, ttl), mr
}

func TestRedisMirror_SetOnline(t *testing.T) {
	m, mr := newTestMirror(t, 5*time.Minute)
	ctx := context.Background()

	if err := m.SetOnline(ctx, "alice", time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	if !mr.Exists("presence:alice") {
		t.Fatal("Expected presence:alice to exist")
	}
	if ttl := mr.TTL("presence:alice"); ttl != 5*time.Minute {
		t.Errorf("Expected TTL 5m, got %v", ttl)
	}
	raw, err := mr.Get("presence:alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if raw != `{"status":"online","connected_at":1700000000}` {
		t.Errorf("Unexpected value %s", raw)
	}

	status, err := m.Status(ctx, "alice")
	if err != nil || status != "online" {
		t.Errorf("Expected online, got %q (%v)", status, err)
	}
}

func TestRedisMirror_RefreshRestoresTTL(t *testing.T) {
	m, mr := newTestMirror(t, time.Minute)
	ctx := context.Background()

	if err := m.SetOnline(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	mr.FastForward(40 * time.Second)
	if ttl := mr.TTL("presence:alice"); ttl != 20*time.Second {
		t.Fatalf("Expected TTL to run down to 20s, got %v", ttl)
	}

	if err := m.Refresh(ctx, "alice"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ttl := mr.TTL("presence:alice"); ttl != time.Minute {
		t.Errorf("Expected TTL reset to 1m, got %v", ttl)
	}
}

func TestRedisMirror_ExpiresWithoutRefresh(t *testing.T) {
	m, mr := newTestMirror(t, time.Minute)
	ctx := context.Background()

	if err := m.SetOnline(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if mr.Exists("presence:alice") {
		t.Error("Expected key to expire")
	}
	if status, err := m.Status(ctx, "alice"); err != nil || status != "offline" {
		t.Errorf("Expected offline after expiry, got %q (%v)", status, err)
	}
}

func TestRedisMirror_SetOffline(t *testing.T) {
	m, mr := newTestMirror(t, time.Minute)
	ctx := context.Background()

	if err := m.SetOnline(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if err := m.SetOffline(ctx, "alice"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	if mr.Exists("presence:alice") {
		t.Error("Expected presence:alice deleted")
	}
}

func TestRedisMirror_StatusCorruptValue(t *testing.T) {
	m, mr := newTestMirror(t, time.Minute)
	if err := mr.Set("presence:alice", "not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Status(context.Background(), "alice"); err == nil {
		t.Error("Expected error for corrupt value")
	}
}

func TestRedisMirror_FollowsRegistry(t *testing.T) {
	m, mr := newTestMirror(t, time.Minute)
	reg := NewRegistry(Options{Mirror: m, SendTimeout: time.Second})
	ctx := context.Background()
	sink := &fakeSink{}

	reg.Register(ctx, "alice", sink)
	if !mr.Exists("presence:alice") {
		t.Fatal("Expected register to write the presence key")
	}

	mr.FastForward(30 * time.Second)
	reg.Touch(ctx, "alice")
	if ttl := mr.TTL("presence:alice"); ttl != time.Minute {
		t.Errorf("Expected heartbeat to refresh TTL, got %v", ttl)
	}

	reg.Unregister(ctx, "alice", sink)
	if mr.Exists("presence:alice") {
		t.Error("Expected unregister to delete the presence key")
	}
}

func TestRedisMirror_UnavailableIsSwallowed(t *testing.T) {
	m, mr := newTestMirror(t, time.Minute)
	reg := NewRegistry(Options{Mirror: m, SendTimeout: 200 * time.Millisecond})
	mr.Close()

	sink := &fakeSink{}
	reg.Register(context.Background(), "alice", sink)
	if !reg.IsOnline("alice") {
		t.Error("Expected registration to succeed without the mirror")
	}
	if !reg.Unregister(context.Background(), "alice", sink) {
		t.Error("Expected unregister to succeed without the mirror")
	}
}

func TestDialRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := DialRedis(context.Background(), addr, ""); err == nil {
		t.Error("Expected dial to fail against a closed server")
	}
}

var _ Mirror = (*RedisMirror)(nil)
