package presence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/callrelay/internal/protocol"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
	wait time.Duration
}

func (s *fakeSink) Send(ctx context.Context, msg protocol.Message) error {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSink) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

type fakeMirror struct {
	mu      sync.Mutex
	online  map[string]bool
	refresh int
	err     error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{online: make(map[string]bool)}
}

func (m *fakeMirror) SetOnline(_ context.Context, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = true
	return m.err
}

func (m *fakeMirror) Refresh(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
	return m.err
}

func (m *fakeMirror) SetOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	return m.err
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(Options{})
	sink := &fakeSink{}

	if evicted := r.Register(context.Background(), "alice", sink); evicted != nil {
		t.Errorf("Expected no evicted sink, got %v", evicted)
	}
	if !r.IsOnline("alice") {
		t.Error("Expected alice to be online")
	}
	conn, ok := r.Get("alice")
	if !ok || conn.Sink != sink {
		t.Errorf("Expected registered sink, got %+v", conn)
	}
	if conn.ConnectedAt.IsZero() {
		t.Error("Expected ConnectedAt to be set")
	}
}

func TestRegistry_RegisterEvictsPrevious(t *testing.T) {
	r := NewRegistry(Options{})
	first := &fakeSink{}
	second := &fakeSink{}

	r.Register(context.Background(), "alice", first)
	evicted := r.Register(context.Background(), "alice", second)

	if evicted != first {
		t.Errorf("Expected first sink to be evicted, got %v", evicted)
	}
	if r.Len() != 1 {
		t.Errorf("Expected one connection, got %d", r.Len())
	}
	if !r.Send(context.Background(), "alice", protocol.Pong()) {
		t.Fatal("Expected send to succeed")
	}
	if len(first.messages()) != 0 {
		t.Errorf("Evicted sink received %d messages", len(first.messages()))
	}
	if len(second.messages()) != 1 {
		t.Errorf("Expected new sink to receive 1 message, got %d", len(second.messages()))
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(Options{})
	sink := &fakeSink{}

	r.Register(context.Background(), "alice", sink)
	if !r.Unregister(context.Background(), "alice", sink) {
		t.Fatal("Expected unregister to remove mapping")
	}
	if r.IsOnline("alice") {
		t.Error("Expected alice to be offline")
	}
	if r.Unregister(context.Background(), "alice", sink) {
		t.Error("Expected second unregister to be a no-op")
	}
}

func TestRegistry_UnregisterStale(t *testing.T) {
	r := NewRegistry(Options{})
	stale := &fakeSink{}
	current := &fakeSink{}

	r.Register(context.Background(), "alice", stale)
	r.Register(context.Background(), "alice", current)

	if r.Unregister(context.Background(), "alice", stale) {
		t.Error("Expected stale unregister to be ignored")
	}
	conn, ok := r.Get("alice")
	if !ok || conn.Sink != current {
		t.Errorf("Expected current sink to remain, got %+v", conn)
	}
}

func TestRegistry_PresenceBroadcast(t *testing.T) {
	r := NewRegistry(Options{})
	alice := &fakeSink{}
	bob := &fakeSink{}

	r.Register(context.Background(), "alice", alice)
	r.Register(context.Background(), "bob", bob)
	r.Unregister(context.Background(), "bob", bob)

	msgs := alice.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 status updates for alice, got %d", len(msgs))
	}
	if msgs[0].Type != protocol.TypeStatusUpdate || msgs[0].UserID != "bob" || msgs[0].Status != protocol.StatusOnline {
		t.Errorf("Unexpected first update: %+v", msgs[0])
	}
	if msgs[1].Status != protocol.StatusOffline {
		t.Errorf("Expected offline update, got %+v", msgs[1])
	}
	for _, m := range bob.messages() {
		if m.UserID == "bob" {
			t.Errorf("bob received own presence change: %+v", m)
		}
	}
}

func TestRegistry_SendOffline(t *testing.T) {
	r := NewRegistry(Options{})
	if r.Send(context.Background(), "nobody", protocol.Pong()) {
		t.Error("Expected send to offline user to fail")
	}
}

func TestRegistry_SendFailure(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register(context.Background(), "alice", &fakeSink{err: errors.New("broken pipe")})

	if r.Send(context.Background(), "alice", protocol.Pong()) {
		t.Error("Expected send to fail")
	}
}

func TestRegistry_SendTimeout(t *testing.T) {
	r := NewRegistry(Options{SendTimeout: 20 * time.Millisecond})
	r.Register(context.Background(), "alice", &fakeSink{wait: time.Second})

	start := time.Now()
	if r.Send(context.Background(), "alice", protocol.Pong()) {
		t.Error("Expected slow send to fail")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Send was not bounded by timeout, took %v", elapsed)
	}
}

func TestRegistry_BroadcastSkipsFailures(t *testing.T) {
	r := NewRegistry(Options{SendTimeout: 20 * time.Millisecond})
	good := &fakeSink{}
	r.Register(context.Background(), "good", good)
	r.Register(context.Background(), "bad", &fakeSink{err: errors.New("closed")})
	r.Register(context.Background(), "slow", &fakeSink{wait: time.Second})

	n := r.Broadcast(context.Background(), "", protocol.Pong())
	if n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
}

func TestRegistry_ListOnline(t *testing.T) {
	r := NewRegistry(Options{})
	for _, id := range []string{"carol", "alice", "bob"} {
		r.Register(context.Background(), id, &fakeSink{})
	}

	got := r.ListOnline()
	want := []string{"alice", "bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}
}

func TestRegistry_Mirror(t *testing.T) {
	mirror := newFakeMirror()
	r := NewRegistry(Options{Mirror: mirror})
	sink := &fakeSink{}

	r.Register(context.Background(), "alice", sink)
	if !mirror.online["alice"] {
		t.Error("Expected mirror to record alice online")
	}

	r.Touch(context.Background(), "alice")
	r.Touch(context.Background(), "nobody")
	if mirror.refresh != 1 {
		t.Errorf("Expected 1 refresh, got %d", mirror.refresh)
	}

	r.Unregister(context.Background(), "alice", sink)
	if mirror.online["alice"] {
		t.Error("Expected mirror to drop alice")
	}
}

func TestRegistry_MirrorErrorsIgnored(t *testing.T) {
	mirror := newFakeMirror()
	mirror.err = errors.New("redis down")
	r := NewRegistry(Options{Mirror: mirror})

	r.Register(context.Background(), "alice", &fakeSink{})
	if !r.IsOnline("alice") {
		t.Error("Expected registration to survive mirror failure")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(Options{})
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := "user-" + strconv.Itoa(i%5)
			sink := &fakeSink{}
			r.Register(context.Background(), id, sink)
			r.Unregister(context.Background(), id, sink)
		}(i)
		go func(i int) {
			defer wg.Done()
			r.IsOnline("user-" + strconv.Itoa(i%5))
			r.ListOnline()
		}(i)
	}
	wg.Wait()
}
