package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bridgectl/internal/link"
	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/observability"
	"github.com/danmuck/bridgectl/internal/protocol/frame"
	"github.com/danmuck/bridgectl/internal/protocol/schema"
	"github.com/danmuck/bridgectl/internal/protocol/session"
)

var (
	ErrInvalidRole       = errors.New("bridge: role must be near or far")
	ErrSessionIDRequired = errors.New("bridge: session_id required")
	ErrAlreadyPaired     = errors.New("bridge: session already paired")
	ErrSessionClosed     = errors.New("bridge: session closed")
	ErrSideConflict      = errors.New("bridge: peer side conflicts with local role")
)

const closeTimeout = 500 * time.Millisecond

// Config describes one endpoint of a bridge session.
type Config struct {
	Role         Side
	SessionID    string
	PeerIdentity string
	InboundQueue int
	Session      session.Config
	Surface      Surface
}

// Session is one endpoint of a paired near/far bridge. It is unpaired until
// Attach completes a handshake over a link.
type Session struct {
	cfg Config

	mu       sync.RWMutex
	resolved Side
	link     link.Link
	linkDone chan struct{}
	peer     string
	closed   bool

	nextMessageID atomic.Uint64
	listeners     *ListenerRegistry
	dispatcher    *Dispatcher
	overlay       *OverlayController

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Bridge = (*Session)(nil)

func NewSession(cfg Config) (*Session, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, cfg.Role)
	}
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID == "" {
		return nil, ErrSessionIDRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := NewListenerRegistry()
	s := &Session{
		cfg:        cfg,
		listeners:  reg,
		dispatcher: NewDispatcher(reg, cfg.InboundQueue),
		overlay:    NewOverlayController(cfg.Surface, cfg.Role == SideNear, cfg.Session.SurfaceTimeout),
		ctx:        ctx,
		cancel:     cancel,
	}
	return s, nil
}

func (s *Session) Role() Side {
	return s.cfg.Role
}

func (s *Session) SessionID() string {
	return s.cfg.SessionID
}

// ResolvedSide is the synchronous form of GetSide.
func (s *Session) ResolvedSide() Side {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved
}

// Paired reports whether a live link is attached.
func (s *Session) Paired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link != nil
}

// Unpaired returns a channel closed once the current link is released. It
// is already closed when no link is attached.
func (s *Session) Unpaired() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.link == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.linkDone
}

// Peer returns the identity the remote endpoint announced, if any.
func (s *Session) Peer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *Session) OverlayState() OverlayState {
	return s.overlay.State()
}

func (s *Session) ListenerCount() int {
	return s.listeners.Len()
}

func (s *Session) GetSide() *Future[Side] {
	return Async(func() (Side, error) {
		return s.ResolvedSide(), nil
	})
}

func (s *Session) SendMessageToOtherSide(msg Message) *Future[bool] {
	data := msg.Clone().Data
	return Async(func() (bool, error) {
		ok := s.send(data)
		observability.RecordMessageSent(ok)
		return ok, nil
	})
}

func (s *Session) AddOnMessageListener(l Listener) {
	if err := s.listeners.Add(l); err != nil {
		logs.Errf("bridge.Session.AddOnMessageListener ignored listener=%T err=%v", l, err)
	}
}

func (s *Session) RemoveOnMessageListener(l Listener) {
	s.listeners.Remove(l)
}

func (s *Session) ShowOverlay() *Future[struct{}] {
	return Async(func() (struct{}, error) {
		return struct{}{}, s.overlay.Show()
	})
}

func (s *Session) HideOverlay() *Future[struct{}] {
	return Async(func() (struct{}, error) {
		return struct{}{}, s.overlay.Hide()
	})
}

// Attach runs the pairing handshake over l and, on success, starts reading
// inbound frames. The initiator sends Pair; the other end answers PairAck.
// On failure l is closed. A session holds at most one link at a time.
func (s *Session) Attach(ctx context.Context, l link.Link, initiator bool) error {
	if err := s.checkAttachable(); err != nil {
		_ = l.Close()
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	var (
		peer string
		err  error
	)
	if initiator {
		peer, err = s.pairAsDialer(hctx, l)
	} else {
		peer, err = s.pairAsAcceptor(hctx, l)
	}
	if err != nil {
		_ = l.Close()
		logs.Warnf("bridge.Session.Attach handshake failed session_id=%q remote=%q err=%v", s.cfg.SessionID, l.RemoteAddr(), err)
		return err
	}

	s.mu.Lock()
	if s.closed || s.link != nil {
		closed := s.closed
		s.mu.Unlock()
		_ = l.Close()
		if closed {
			return ErrSessionClosed
		}
		return ErrAlreadyPaired
	}
	if s.resolved == SideNone {
		s.resolved = s.cfg.Role
	}
	s.link = l
	s.linkDone = make(chan struct{})
	s.peer = peer
	s.mu.Unlock()

	observability.SetPaired(s.cfg.Role.String(), 1)
	logs.Infof("bridge.Session.Attach paired session_id=%q side=%s peer=%q remote=%q", s.cfg.SessionID, s.cfg.Role, peer, l.RemoteAddr())

	s.wg.Add(1)
	go s.readLoop(l)
	return nil
}

// Detach drops the current link, if any, after sending a close frame. The
// resolved side stays cached.
func (s *Session) Detach(reason string) {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return
	}
	s.sendClose(l, reason)
	s.release(l)
}

// Done is closed after Close.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close detaches any link and stops inbound delivery. Pending sends resolve
// false. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.link
	s.mu.Unlock()

	if l != nil {
		s.sendClose(l, "session closed")
		s.release(l)
	}
	s.cancel()
	s.wg.Wait()
	s.dispatcher.Close()
	logs.Debugf("bridge.Session.Close session_id=%q", s.cfg.SessionID)
	return nil
}

func (s *Session) checkAttachable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.link != nil {
		return ErrAlreadyPaired
	}
	return nil
}

func (s *Session) localPair() session.Pair {
	return session.Pair{
		Side:         uint8(s.cfg.Role),
		SessionID:    s.cfg.SessionID,
		PeerIdentity: s.cfg.PeerIdentity,
	}
}

func (s *Session) pairAsDialer(ctx context.Context, l link.Link) (string, error) {
	req, err := session.EncodePairFrame(s.nextMessageID.Add(1), s.localPair())
	if err != nil {
		return "", err
	}
	if err := l.Send(ctx, req); err != nil {
		return "", err
	}
	resp, err := l.Recv(ctx)
	if err != nil {
		return "", err
	}
	ack, err := session.DecodePairAckFrame(resp)
	if err != nil {
		return "", err
	}
	if ack.Status != session.AckStatusAccepted {
		return "", fmt.Errorf("%w: %s", session.ErrPairRejected, ack.Message)
	}
	if ack.SessionID != s.cfg.SessionID {
		return "", fmt.Errorf("%w: ack session_id=%q", session.ErrPairRejected, ack.SessionID)
	}
	if Side(ack.Side) == s.cfg.Role || !Side(ack.Side).Valid() {
		return "", fmt.Errorf("%w: peer=%s local=%s", ErrSideConflict, Side(ack.Side), s.cfg.Role)
	}
	return ack.Message, nil
}

func (s *Session) pairAsAcceptor(ctx context.Context, l link.Link) (string, error) {
	req, err := l.Recv(ctx)
	if err != nil {
		return "", err
	}
	remote, err := session.DecodePairFrame(req)
	if err != nil {
		return "", err
	}
	ok, reason := session.Evaluate(s.localPair(), remote)
	ack := session.PairAck{
		Status:      session.AckStatusAccepted,
		Side:        uint8(s.cfg.Role),
		SessionID:   s.cfg.SessionID,
		Message:     s.cfg.PeerIdentity,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if !ok {
		ack.Status = session.AckStatusRejected
		ack.Message = reason
	}
	resp, err := session.EncodePairAckFrame(req.Header.MessageID, ack)
	if err != nil {
		return "", err
	}
	if err := l.Send(ctx, resp); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrPairRejected, reason)
	}
	return remote.PeerIdentity, nil
}

func (s *Session) send(data []byte) bool {
	s.mu.RLock()
	l := s.link
	s.mu.RUnlock()
	if l == nil {
		logs.Debugf("bridge.Session.send refused session_id=%q reason=unpaired", s.cfg.SessionID)
		return false
	}
	f, err := session.EncodeDataFrame(s.nextMessageID.Add(1), data)
	if err != nil {
		logs.Warnf("bridge.Session.send encode failed bytes=%d err=%v", len(data), err)
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Session.WriteTimeout)
	defer cancel()
	if err := l.Send(ctx, f); err != nil {
		logs.Warnf("bridge.Session.send failed remote=%q err=%v", l.RemoteAddr(), err)
		return false
	}
	return true
}

func (s *Session) readLoop(l link.Link) {
	defer s.wg.Done()
	defer s.release(l)
	for {
		f, err := l.Recv(s.ctx)
		if err != nil {
			if !errors.Is(err, link.ErrClosed) && s.ctx.Err() == nil {
				logs.Warnf("bridge.Session.readLoop recv failed remote=%q err=%v", l.RemoteAddr(), err)
			}
			return
		}
		if !s.handleFrame(f) {
			return
		}
	}
}

// handleFrame returns false when the link should be released.
func (s *Session) handleFrame(f frame.Frame) bool {
	switch f.Header.MessageType {
	case schema.MsgData:
		payload, err := session.DecodeDataFrame(f)
		if err != nil {
			logs.Warnf("bridge.Session.handleFrame dropped data message_id=%d err=%v", f.Header.MessageID, err)
			return true
		}
		observability.RecordMessageReceived()
		return s.dispatcher.Push(s.ctx, Message{Data: payload})
	case schema.MsgClose:
		reason, _ := session.DecodeCloseFrame(f)
		logs.Infof("bridge.Session.handleFrame peer closed session_id=%q reason=%q", s.cfg.SessionID, reason)
		return false
	default:
		logs.Warnf("bridge.Session.handleFrame unexpected type=%s message_id=%d", schema.Name(f.Header.MessageType), f.Header.MessageID)
		return true
	}
}

func (s *Session) sendClose(l link.Link, reason string) {
	f, err := session.EncodeCloseFrame(s.nextMessageID.Add(1), reason)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = l.Send(ctx, f)
}

// release clears l as the active link if it still is, then closes it.
func (s *Session) release(l link.Link) {
	s.mu.Lock()
	current := s.link == l
	if current {
		s.link = nil
		s.peer = ""
		close(s.linkDone)
	}
	s.mu.Unlock()
	if current {
		observability.SetPaired(s.cfg.Role.String(), -1)
		logs.Infof("bridge.Session.release unpaired session_id=%q remote=%q", s.cfg.SessionID, l.RemoteAddr())
	}
	_ = l.Close()
}
