package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/bridgectl/internal/auth"
	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/link"
	"github.com/danmuck/bridgectl/internal/protocol/session"
	"github.com/danmuck/bridgectl/internal/testutil/testlog"
)

func newSession(t *testing.T, role bridge.Side, surface bridge.Surface) *bridge.Session {
	t.Helper()
	s, err := bridge.NewSession(bridge.Config{Role: role, SessionID: "admin-test", Surface: surface})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pairOverPipe(t *testing.T, near, far *bridge.Session) {
	t.Helper()
	a, b := link.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errs := make(chan error, 1)
	go func() { errs <- far.Attach(ctx, b, false) }()
	if err := near.Attach(ctx, a, true); err != nil {
		t.Fatalf("near attach: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("far attach: %v", err)
	}
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	out := map[string]any{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, out
}

type inbox struct {
	mu  sync.Mutex
	got [][]byte
	ch  chan struct{}
}

func newInbox() *inbox {
	return &inbox{ch: make(chan struct{}, 16)}
}

func (i *inbox) OnMessage(msg bridge.Message) {
	i.mu.Lock()
	i.got = append(i.got, msg.Data)
	i.mu.Unlock()
	i.ch <- struct{}{}
}

func (i *inbox) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-i.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.got[len(i.got)-1]
}

func TestHealthAndReadiness(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	far := newSession(t, bridge.SideFar, nil)
	h := New(near, Options{Name: "near-admin"}).Router()

	rr, body := do(t, h, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["service"] != "near-admin" {
		t.Fatalf("unexpected health: %d %v", rr.Code, body)
	}
	if rr, _ := do(t, h, http.MethodGet, "/ready", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before pairing, got %d", rr.Code)
	}
	_, body = do(t, h, http.MethodGet, "/side", nil)
	if body["side"] != "none" || body["role"] != "near" || body["paired"] != false {
		t.Fatalf("unexpected side before pairing: %v", body)
	}

	pairOverPipe(t, near, far)
	if rr, _ := do(t, h, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after pairing, got %d", rr.Code)
	}
	_, body = do(t, h, http.MethodGet, "/side", nil)
	if body["side"] != "near" || body["session_id"] != "admin-test" || body["paired"] != true {
		t.Fatalf("unexpected side after pairing: %v", body)
	}
}

func TestMessagesRoute(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	far := newSession(t, bridge.SideFar, nil)
	h := New(near, Options{}).Router()

	rr, body := do(t, h, http.MethodPost, "/messages", []byte(`{"a":1}`))
	if rr.Code != http.StatusServiceUnavailable || body["sent"] != false {
		t.Fatalf("expected unpaired refusal, got %d %v", rr.Code, body)
	}
	if rr, _ := do(t, h, http.MethodPost, "/messages", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rr.Code)
	}

	pairOverPipe(t, near, far)
	got := newInbox()
	far.AddOnMessageListener(got)
	rr, body = do(t, h, http.MethodPost, "/messages", []byte(`{"a":1}`))
	if rr.Code != http.StatusAccepted || body["sent"] != true {
		t.Fatalf("expected accepted send, got %d %v", rr.Code, body)
	}
	if string(got.wait(t)) != `{"a":1}` {
		t.Fatalf("far received wrong payload")
	}
}

func TestOverlayRoutes(t *testing.T) {
	testlog.Start(t)

	var (
		mu   sync.Mutex
		seen []bool
	)
	surface := bridge.SurfaceFunc(func(_ context.Context, visible bool) error {
		mu.Lock()
		seen = append(seen, visible)
		mu.Unlock()
		return nil
	})
	near := newSession(t, bridge.SideNear, surface)
	h := New(near, Options{}).Router()

	if _, body := do(t, h, http.MethodGet, "/overlay", nil); body["state"] != "hidden" {
		t.Fatalf("expected hidden, got %v", body)
	}
	for i := 0; i < 2; i++ {
		rr, body := do(t, h, http.MethodPost, "/overlay/show", nil)
		if rr.Code != http.StatusOK || body["state"] != "shown" {
			t.Fatalf("show %d: %d %v", i, rr.Code, body)
		}
	}
	if rr, body := do(t, h, http.MethodPost, "/overlay/hide", nil); rr.Code != http.StatusOK || body["state"] != "hidden" {
		t.Fatalf("hide: %d %v", rr.Code, body)
	}
	// Futures resolve after the surface returns, so seen is settled here.
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != true || seen[1] != false {
		t.Fatalf("expected surface calls [true false], got %v", seen)
	}
}

func TestRepeatedShowNeverHides(t *testing.T) {
	testlog.Start(t)

	var hides, shows atomic.Int32
	surface := bridge.SurfaceFunc(func(_ context.Context, visible bool) error {
		if visible {
			shows.Add(1)
		} else {
			hides.Add(1)
		}
		return nil
	})
	near := newSession(t, bridge.SideNear, surface)
	h := New(near, Options{}).Router()

	for i := 0; i < 20; i++ {
		if rr, body := do(t, h, http.MethodPost, "/overlay/show", nil); rr.Code != http.StatusOK || body["state"] != "shown" {
			t.Fatalf("show %d: %d %v", i, rr.Code, body)
		}
	}
	// Give any stray operation time to reach the surface.
	time.Sleep(50 * time.Millisecond)
	if hides.Load() != 0 || shows.Load() != 1 {
		t.Fatalf("expected one show and no hides, got shows=%d hides=%d", shows.Load(), hides.Load())
	}
	if near.OverlayState() != bridge.OverlayShown {
		t.Fatalf("expected shown, got %s", near.OverlayState())
	}
}

func TestCorsPreflightAllowsAuthorization(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	h := New(near, Options{
		CorsOrigins: []string{"http://localhost:3000"},
		Validator:   auth.ForToken("s3cret"),
	}).Router()

	req := httptest.NewRequest(http.MethodOptions, "/overlay/show", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	allowed := strings.ToLower(rr.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowed, "authorization") {
		t.Fatalf("preflight does not allow authorization: %q", allowed)
	}
}

func TestOverlaySurfaceFailure(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, bridge.SurfaceFunc(func(context.Context, bool) error {
		return context.Canceled
	}))
	h := New(near, Options{}).Router()
	rr, body := do(t, h, http.MethodPost, "/overlay/show", nil)
	if rr.Code != http.StatusBadGateway || body["state"] != "hidden" {
		t.Fatalf("expected 502 with hidden state, got %d %v", rr.Code, body)
	}
}

func TestMetricsRoute(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	h := New(near, Options{Name: "metrics-admin"}).Router()
	do(t, h, http.MethodGet, "/health", nil)

	rr, _ := do(t, h, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bridgectl_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}

func TestWebSocketLinkRoute(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	far := newSession(t, bridge.SideFar, nil)

	attached := make(chan error, 1)
	srv := New(far, Options{AcceptLink: func(l link.Link) {
		go func() { attached <- far.Attach(context.Background(), l, false) }()
	}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := link.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/bridge/ws", session.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := near.Attach(ctx, l, true); err != nil {
		t.Fatalf("near attach: %v", err)
	}
	if err := <-attached; err != nil {
		t.Fatalf("far attach: %v", err)
	}

	got := newInbox()
	far.AddOnMessageListener(got)
	ok, err := near.SendMessageToOtherSide(bridge.NewMessage([]byte(`"over-ws"`))).Await(ctx)
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	if string(got.wait(t)) != `"over-ws"` {
		t.Fatalf("wrong payload over websocket")
	}
}

func TestStartAndShutdown(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	srv := New(near, Options{Addr: "127.0.0.1:0"})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTokenGuardsMutatingRoutes(t *testing.T) {
	testlog.Start(t)

	near := newSession(t, bridge.SideNear, nil)
	h := New(near, Options{Validator: auth.ForToken("s3cret")}).Router()

	if rr, _ := do(t, h, http.MethodPost, "/overlay/show", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if near.OverlayState() != bridge.OverlayHidden {
		t.Fatalf("unauthorized request changed overlay")
	}
	if rr, _ := do(t, h, http.MethodGet, "/overlay", nil); rr.Code != http.StatusOK {
		t.Fatalf("read routes stay open, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/overlay/show", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || near.OverlayState() != bridge.OverlayShown {
		t.Fatalf("expected authorized show, got %d state=%s", rr.Code, near.OverlayState())
	}
}
