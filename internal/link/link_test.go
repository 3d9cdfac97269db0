package link

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/frame"
	"github.com/danmuck/bridgectl/internal/protocol/session"
	"github.com/danmuck/bridgectl/internal/testutil/testlog"
)

func dataFrame(t *testing.T, id uint64, payload string) frame.Frame {
	t.Helper()
	f, err := session.EncodeDataFrame(id, []byte(payload))
	if err != nil {
		t.Fatalf("encode data frame: %v", err)
	}
	return f
}

func exchange(t *testing.T, a, b Link) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := a.Send(ctx, dataFrame(t, uint64(i+1), payload)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		f, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		got, err := session.DecodeDataFrame(f)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("frame %d got=%q want=%q", i, got, want)
		}
		if f.Header.MessageID != uint64(i+1) {
			t.Fatalf("frame %d out of order: id=%d", i, f.Header.MessageID)
		}
	}
}

func TestPipeRoundTripInOrder(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	defer a.Close()
	exchange(t, a, b)
	exchange(t, b, a)
	if a.RemoteAddr() != "mem:b" || b.RemoteAddr() != "mem:a" {
		t.Fatalf("unexpected addrs: %q %q", a.RemoteAddr(), b.RemoteAddr())
	}
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	ctx := context.Background()
	if err := b.Send(ctx, dataFrame(t, 1, "{}")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on recv, got %v", err)
	}
}

func TestPipeRecvHonorsContext(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	testlog.Start(t)
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Link, 1)
	go func() {
		l, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- l
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialTCP(ctx, DialConfig{Address: ln.Addr(), MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server Link
	select {
	case server = <-accepted:
		if server == nil {
			t.Fatalf("accept failed")
		}
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}
	defer server.Close()

	exchange(t, client, server)
	exchange(t, server, client)

	if err := client.Close(); err != nil {
		t.Fatalf("close client: %v", err)
	}
	if _, err := server.Recv(ctx); err == nil {
		t.Fatalf("expected recv error after peer close")
	}
}

func TestDialTCPGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr()
	_ = ln.Close()

	cfg := session.DefaultConfig()
	cfg.Backoff.InitialDelay = time.Millisecond
	cfg.Backoff.Jitter = false
	_, err = DialTCP(context.Background(), DialConfig{Address: addr, Session: cfg, MaxConnectAttempts: 2})
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if _, err := DialTCP(context.Background(), DialConfig{}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	accepted := make(chan Link, 1)
	srv := httptest.NewServer(WebSocketHandler(nil, func(l Link) { accepted <- l }))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(ctx, url, session.DefaultConfig())
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer client.Close()

	var server Link
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatalf("upgrade timed out")
	}
	defer server.Close()

	exchange(t, client, server)
	exchange(t, server, client)

	if err := client.Close(); err != nil {
		t.Fatalf("close client: %v", err)
	}
	if _, err := server.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close handshake, got %v", err)
	}
}

func TestOriginChecker(t *testing.T) {
	testlog.Start(t)
	if originChecker(nil) != nil {
		t.Fatalf("expected default same-origin check")
	}
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest("GET", "/bridge/ws", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	if !check(req) {
		t.Fatalf("expected allowed origin")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Fatalf("expected rejected origin")
	}
	if !originChecker([]string{"*"})(req) {
		t.Fatalf("expected wildcard to allow")
	}
}
