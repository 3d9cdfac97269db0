package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/bridgectl/internal/link"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	ch chan Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Message, 32)}
}

func (r *recorder) OnMessage(msg Message) {
	r.ch <- msg
}

func (r *recorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for message")
		return Message{}
	}
}

func (r *recorder) empty(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected message %q", msg.Data)
	default:
	}
}

type surfaceRecorder struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (s *surfaceRecorder) SetVisible(_ context.Context, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, visible)
	return nil
}

func (s *surfaceRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func await[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return f.Await(ctx)
}

func newTestSession(t *testing.T, role Side, sessionID string) *Session {
	t.Helper()
	s, err := NewSession(Config{Role: role, SessionID: sessionID, PeerIdentity: role.String() + "-peer"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// pair attaches dialer and acceptor over an in-process pipe.
func pair(t *testing.T, dialer, acceptor *Session) (error, error) {
	t.Helper()
	a, b := link.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- acceptor.Attach(ctx, b, false) }()
	dialErr := dialer.Attach(ctx, a, true)
	return dialErr, <-acceptErr
}

func pairedSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	near := newTestSession(t, SideNear, "s-1")
	far := newTestSession(t, SideFar, "s-1")
	dialErr, acceptErr := pair(t, near, far)
	if dialErr != nil || acceptErr != nil {
		t.Fatalf("pair: dial=%v accept=%v", dialErr, acceptErr)
	}
	return near, far
}
