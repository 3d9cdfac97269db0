package link

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/protocol/frame"
	"github.com/danmuck/bridgectl/internal/protocol/session"
)

// NewWebSocket wraps an upgraded websocket connection. Each binary message
// carries exactly one frame.
func NewWebSocket(conn *websocket.Conn) Link {
	limits := frame.DefaultLimits()
	conn.SetReadLimit(int64(uint64(frame.FixedHeaderLen) + limits.MaxAuthBytes + limits.MaxPayloadBytes))
	return &wsLink{conn: conn, limits: limits}
}

type wsLink struct {
	conn      *websocket.Conn
	limits    frame.Limits
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (l *wsLink) Send(ctx context.Context, f frame.Frame) error {
	b, err := frame.Marshal(f, l.limits)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadlineFrom(ctx)); err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		if err == websocket.ErrCloseSent {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (l *wsLink) Recv(ctx context.Context) (frame.Frame, error) {
	if err := l.conn.SetReadDeadline(deadlineFrom(ctx)); err != nil {
		return frame.Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	mt, b, err := l.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return frame.Frame{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return frame.Frame{}, ErrClosed
		}
		return frame.Frame{}, err
	}
	if mt != websocket.BinaryMessage {
		return frame.Frame{}, ErrNotBinary
	}
	return frame.Unmarshal(b, l.limits)
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *wsLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// DialWebSocket dials a ws:// or wss:// bridge endpoint.
func DialWebSocket(ctx context.Context, url string, cfg session.Config) (Link, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	logs.Debugf("link.DialWebSocket connected url=%q", url)
	return NewWebSocket(conn), nil
}

// WebSocketHandler upgrades requests and hands each new link to accept.
// An empty origins list keeps gorilla's same-origin check; "*" allows any.
func WebSocketHandler(origins []string, accept func(Link)) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: originChecker(origins)}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logs.Warnf("link.WebSocketHandler upgrade failed remote=%q err=%v", r.RemoteAddr, err)
			return
		}
		accept(NewWebSocket(conn))
	})
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
