package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/protocol/frame"
	"github.com/danmuck/bridgectl/internal/protocol/session"
)

// NewConn wraps an established stream connection as a Link.
func NewConn(conn net.Conn) Link {
	return &connLink{
		conn:   conn,
		reader: bufio.NewReader(conn),
		limits: frame.DefaultLimits(),
	}
}

type connLink struct {
	conn    net.Conn
	reader  *bufio.Reader
	limits  frame.Limits
	writeMu sync.Mutex
}

func (l *connLink) Send(ctx context.Context, f frame.Frame) error {
	b, err := frame.Marshal(f, l.limits)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadlineFrom(ctx)); err != nil {
		return mapClosed(err)
	}
	if _, err := l.conn.Write(b); err != nil {
		return mapClosed(err)
	}
	return nil
}

func (l *connLink) Recv(ctx context.Context) (frame.Frame, error) {
	if err := l.conn.SetReadDeadline(deadlineFrom(ctx)); err != nil {
		return frame.Frame{}, mapClosed(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	f, err := frame.ReadFrame(l.reader, l.limits)
	if err != nil {
		if ctx.Err() != nil {
			return frame.Frame{}, ctx.Err()
		}
		return frame.Frame{}, mapClosed(err)
	}
	return f, nil
}

func (l *connLink) Close() error {
	return l.conn.Close()
}

func (l *connLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

func mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return err
}

// DialConfig controls TCP dial retries.
type DialConfig struct {
	Address            string
	Session            session.Config
	MaxConnectAttempts int
}

// DialTCP dials addr, retrying with session backoff until MaxConnectAttempts
// is reached (0 retries forever) or ctx ends.
func DialTCP(ctx context.Context, cfg DialConfig) (Link, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	attempt := 0
	for {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err == nil {
			logs.Debugf("link.DialTCP connected addr=%q attempt=%d", cfg.Address, attempt)
			return NewConn(conn), nil
		}
		logs.Warnf("link.DialTCP dial attempt=%d addr=%q err=%v", attempt, cfg.Address, err)
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// Listener accepts inbound TCP links.
type Listener struct {
	ln net.Listener
}

func ListenTCP(addr string) (*Listener, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a peer connects or the listener is closed.
func (l *Listener) Accept() (Link, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, mapClosed(err)
	}
	return NewConn(conn), nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
