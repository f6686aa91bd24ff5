package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/presence"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/session"
)

type fakeSink struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	broken bool
}

func (s *fakeSink) Send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("connection closed")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

// ofType returns received messages of the given type, ignoring presence noise.
func (s *fakeSink) ofType(typ string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSink) setBroken(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = b
}

type memCalls struct {
	mu    sync.Mutex
	calls map[string]*domain.CallRecord
}

func newMemCalls() *memCalls {
	return &memCalls{calls: make(map[string]*domain.CallRecord)}
}

func (m *memCalls) CreateCall(_ context.Context, callerID, receiverID string) (*domain.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := &domain.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     domain.CallOngoing,
		StartedAt:  time.Now(),
	}
	m.calls[call.ID] = call
	c := *call
	return &c, nil
}

func (m *memCalls) EndCall(_ context.Context, callID string, status domain.CallStatus) (*domain.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if call.Status == domain.CallOngoing {
		now := time.Now()
		call.Status = status
		call.EndedAt = &now
	}
	c := *call
	return &c, nil
}

func (m *memCalls) GetCall(_ context.Context, callID string) (*domain.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *call
	return &c, nil
}

func (m *memCalls) ListUserCalls(context.Context, string, int) ([]*domain.CallRecord, error) {
	return nil, nil
}

func (m *memCalls) ListActiveCalls(context.Context) ([]*domain.CallRecord, error) {
	return nil, nil
}

func (m *memCalls) status(callID string) domain.CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[callID]; ok {
		return call.Status
	}
	return ""
}

type memUsers struct {
	users map[string]bool
}

func (u *memUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	if u.users[id] {
		return &domain.User{UserID: id}, nil
	}
	return nil, domain.ErrNotFound
}

func (u *memUsers) UserExists(_ context.Context, id string) (bool, error) {
	return u.users[id], nil
}

func (u *memUsers) UpsertUser(_ context.Context, user *domain.User) error {
	u.users[user.UserID] = true
	return nil
}

func (u *memUsers) ListUsers(context.Context) ([]*domain.User, error) {
	return nil, nil
}

type harness struct {
	t         *testing.T
	deps      Deps
	router    *Router
	lifecycle *Lifecycle
	calls     *memCalls
	sinks     map[string]*fakeSink
}

func newHarness(t *testing.T, policy session.Policy) *harness {
	t.Helper()
	calls := newMemCalls()
	deps := Deps{
		Presence: presence.NewRegistry(presence.Options{SendTimeout: 100 * time.Millisecond}),
		Sessions: session.NewStore(session.Options{Policy: policy}),
		Users:    &memUsers{users: map[string]bool{"alice": true, "bob": true, "carol": true, "dave": true}},
		Calls:    calls,
	}
	return &harness{
		t:         t,
		deps:      deps,
		router:    NewRouter(deps),
		lifecycle: NewLifecycle(deps),
		calls:     calls,
		sinks:     make(map[string]*fakeSink),
	}
}

func (h *harness) connect(userID string) *fakeSink {
	sink := &fakeSink{}
	h.sinks[userID] = sink
	h.lifecycle.Connect(context.Background(), userID, sink)
	return sink
}

func (h *harness) disconnect(userID string) {
	h.lifecycle.Disconnect(context.Background(), userID, h.sinks[userID])
}

func (h *harness) send(userID string, event map[string]any) protocol.Message {
	h.t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		h.t.Fatalf("marshal event: %v", err)
	}
	return h.router.Handle(context.Background(), userID, data)
}

func (h *harness) startCall(caller, receiver string) string {
	h.t.Helper()
	resp := h.send(caller, map[string]any{"type": "start_call", "receiver_id": receiver})
	if !resp.Succeeded() {
		h.t.Fatalf("start_call %s -> %s failed: %s", caller, receiver, resp.Error)
	}
	return resp.SessionID
}
