package socket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/identity"
	"github.com/ashureev/callrelay/internal/presence"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/session"
	"github.com/ashureev/callrelay/internal/signaling"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]bool
}

func (u *memUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.users[id] {
		return &domain.User{UserID: id}, nil
	}
	return nil, domain.ErrNotFound
}

func (u *memUsers) UserExists(_ context.Context, id string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.users[id], nil
}

func (u *memUsers) UpsertUser(_ context.Context, user *domain.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[user.UserID] = true
	return nil
}

func (u *memUsers) ListUsers(context.Context) ([]*domain.User, error) {
	return nil, nil
}

type testServer struct {
	*httptest.Server
	deps signaling.Deps
}

func newTestServer(t *testing.T, opts Options, verifier *identity.Verifier) *testServer {
	t.Helper()
	users := &memUsers{users: map[string]bool{"alice": true, "bob": true}}
	deps := signaling.Deps{
		Presence: presence.NewRegistry(presence.Options{SendTimeout: time.Second}),
		Sessions: session.NewStore(session.Options{}),
		Users:    users,
	}
	opts.IsDev = true
	h := NewHandler(signaling.NewRouter(deps), signaling.NewLifecycle(deps), users, verifier, opts)

	r := chi.NewRouter()
	r.Get("/ws/{user_id}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, deps: deps}
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func writeJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil returns the first frame matching pred, skipping others.
func readUntil(t *testing.T, c *websocket.Conn, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if pred(m) {
			return m
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func replyTo(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["reply_to"] == typ }
}

func waitOnline(t *testing.T, reg *presence.Registry, userID string, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reg.IsOnline(userID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %s online=%v never reached", userID, want)
}

func TestHandler_CallFlow(t *testing.T) {
	srv := newTestServer(t, Options{}, nil)
	alice := srv.dial(t, "/ws/alice")
	bob := srv.dial(t, "/ws/bob")
	waitOnline(t, srv.deps.Presence, "alice", true)
	waitOnline(t, srv.deps.Presence, "bob", true)

	writeJSON(t, alice, map[string]any{"type": "start_call", "receiver_id": "bob"})
	resp := readUntil(t, alice, replyTo("start_call"))
	if resp["success"] != true {
		t.Fatalf("start_call failed: %v", resp)
	}
	sid, _ := resp["session_id"].(string)

	incoming := readUntil(t, bob, ofType("incoming_call"))
	if incoming["caller_id"] != "alice" || incoming["session_id"] != sid {
		t.Errorf("Unexpected incoming_call %v", incoming)
	}

	writeJSON(t, alice, map[string]any{"type": "offer", "receiver_id": "bob", "session_id": sid, "sdp": map[string]any{"type": "offer"}})
	if r := readUntil(t, alice, replyTo("offer")); r["success"] != true || r["queued"] == true {
		t.Errorf("Expected live offer, got %v", r)
	}
	offer := readUntil(t, bob, ofType("offer"))
	if offer["caller_id"] != "alice" || offer["session_id"] != sid {
		t.Errorf("Unexpected offer %v", offer)
	}
	if _, ok := offer["timestamp"]; !ok {
		t.Error("Expected timestamp on relayed offer")
	}

	writeJSON(t, bob, map[string]any{"type": "heartbeat"})
	readUntil(t, bob, ofType("pong"))

	writeJSON(t, bob, map[string]any{"type": "end_call", "session_id": sid})
	if r := readUntil(t, bob, replyTo("end_call")); r["success"] != true {
		t.Errorf("end_call failed: %v", r)
	}
	ended := readUntil(t, alice, ofType("call_ended"))
	if ended["reason"] != "hangup" {
		t.Errorf("Unexpected call_ended %v", ended)
	}
}

func TestHandler_MalformedKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t, Options{}, nil)
	alice := srv.dial(t, "/ws/alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{oops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readUntil(t, alice, func(m map[string]any) bool { return m["success"] == false })
	if reason, _ := resp["error"].(string); reason == "" {
		t.Errorf("Expected error reason, got %v", resp)
	}

	writeJSON(t, alice, map[string]any{"type": "ping"})
	readUntil(t, alice, ofType("pong"))
}

func TestHandler_ReconnectDrainsQueue(t *testing.T) {
	srv := newTestServer(t, Options{}, nil)
	alice := srv.dial(t, "/ws/alice")
	bob := srv.dial(t, "/ws/bob")
	waitOnline(t, srv.deps.Presence, "bob", true)

	writeJSON(t, alice, map[string]any{"type": "start_call", "receiver_id": "bob"})
	sid, _ := readUntil(t, alice, replyTo("start_call"))["session_id"].(string)
	readUntil(t, bob, ofType("incoming_call"))

	if err := bob.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	readUntil(t, alice, ofType("peer_disconnected"))

	writeJSON(t, alice, map[string]any{"type": "ice-candidate", "target_id": "bob", "session_id": sid, "candidate": "cand-1"})
	if r := readUntil(t, alice, replyTo("ice-candidate")); r["queued"] != true {
		t.Fatalf("Expected queued candidate, got %v", r)
	}

	bob2 := srv.dial(t, "/ws/bob?reconnect=true")
	reconnected := readUntil(t, bob2, ofType("reconnected"))
	if reconnected["session_id"] != sid {
		t.Errorf("Unexpected reconnected %v", reconnected)
	}
	cand := readUntil(t, bob2, ofType("ice-candidate"))
	if cand["candidate"] != "cand-1" || cand["from"] != "alice" || cand["queued_at"] == nil {
		t.Errorf("Unexpected drained candidate %v", cand)
	}
	readUntil(t, alice, ofType("peer_reconnected"))
}

func TestHandler_UnknownUserClosed(t *testing.T) {
	srv := newTestServer(t, Options{}, nil)
	c := srv.dial(t, "/ws/mallory")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != StatusUserNotFound {
		t.Errorf("Expected close status 4004, got %v (%v)", got, err)
	}
}

func TestHandler_AutoRegister(t *testing.T) {
	srv := newTestServer(t, Options{AutoRegister: true}, nil)
	srv.dial(t, "/ws/newcomer")
	waitOnline(t, srv.deps.Presence, "newcomer", true)
}

func TestHandler_ReplacedConnection(t *testing.T) {
	srv := newTestServer(t, Options{}, nil)
	first := srv.dial(t, "/ws/alice")
	waitOnline(t, srv.deps.Presence, "alice", true)
	second := srv.dial(t, "/ws/alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := first.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != StatusReplaced {
				t.Errorf("Expected close status %d, got %v (%v)", StatusReplaced, got, err)
			}
			break
		}
	}

	writeJSON(t, second, map[string]any{"type": "ping"})
	readUntil(t, second, ofType("pong"))
	if !srv.deps.Presence.IsOnline("alice") {
		t.Error("Expected alice to stay online on the new connection")
	}
}

func TestHandler_TokenRequired(t *testing.T) {
	verifier := identity.NewVerifier("s3cret")
	srv := newTestServer(t, Options{}, verifier)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alice"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("Expected dial without token to fail")
	}

	token, err := verifier.Sign("alice", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	c := srv.dial(t, "/ws/alice?token="+token)
	writeJSON(t, c, map[string]any{"type": "ping"})
	readUntil(t, c, ofType(protocol.TypePong))
}

func TestHandler_MessageRateLimited(t *testing.T) {
	srv := newTestServer(t, Options{MessageRate: 0.001, MessageBurst: 1}, nil)
	c := srv.dial(t, "/ws/alice")

	writeJSON(t, c, map[string]any{"type": "ping"})
	readUntil(t, c, ofType("pong"))
	writeJSON(t, c, map[string]any{"type": "ping"})
	resp := readUntil(t, c, func(m map[string]any) bool { return m["success"] == false })
	if resp["error"] != signaling.ReasonRateLimited {
		t.Errorf("Expected rate limit error, got %v", resp)
	}
}

func TestHandler_DisconnectGoesOffline(t *testing.T) {
	srv := newTestServer(t, Options{}, nil)
	c := srv.dial(t, "/ws/alice")
	waitOnline(t, srv.deps.Presence, "alice", true)

	_ = c.Close(websocket.StatusNormalClosure, "bye")
	waitOnline(t, srv.deps.Presence, "alice", false)
}
