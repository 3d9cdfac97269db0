package endpoint

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/bridgectl/internal/auth"
	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/config"
	"github.com/danmuck/bridgectl/internal/link"
	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/protocol/session"
	"github.com/danmuck/bridgectl/internal/server"
)

const shutdownTimeout = 3 * time.Second

// Service supervises one bridge endpoint as a standalone process.
type Service struct {
	cfg     config.BridgeConfig
	session *bridge.Session
	admin   *server.Server

	mu       sync.Mutex
	listener *link.Listener
	loopback *bridge.Session
	rng      *rand.Rand
}

// NewService builds the session for cfg. surface may be nil, in which case
// overlay transitions are only logged.
func NewService(cfg config.BridgeConfig, surface bridge.Surface) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if surface == nil {
		surface = LogSurface{SessionID: cfg.SessionID}
	}
	sess, err := bridge.NewSession(cfg.BridgeSession(surface))
	if err != nil {
		return nil, err
	}
	sess.AddOnMessageListener(bridge.NewListener(func(msg bridge.Message) {
		logs.Debugf("endpoint.Service inbound session_id=%q bytes=%d", cfg.SessionID, len(msg.Data))
	}))

	s := &Service{
		cfg:     cfg,
		session: sess,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.AdminAddr != "" {
		opts := server.Options{
			Name:         "bridgectl." + cfg.Role.String(),
			Addr:         cfg.AdminAddr,
			CorsOrigins:  cfg.CorsOrigins,
			Validator:    auth.ForToken(cfg.AdminToken),
			AwaitTimeout: cfg.Session.WriteTimeout,
		}
		if cfg.Transport == config.TransportWS && !cfg.Initiator() {
			opts.AcceptLink = s.acceptLink(context.Background())
		}
		s.admin = server.New(sess, opts)
	}
	return s, nil
}

func (s *Service) Session() *bridge.Session {
	return s.session
}

// AdminAddr returns the bound admin address once Serve has started it.
func (s *Service) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Listen binds the tcp link listener ahead of Serve. It is a no-op for
// other transports or for dialing endpoints.
func (s *Service) Listen() error {
	if s.cfg.Transport != config.TransportTCP || s.cfg.Initiator() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := link.ListenTCP(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	logs.Infof("endpoint.Service.Listen tcp addr=%s", ln.Addr())
	return nil
}

// LinkAddr returns the bound tcp link address, if any.
func (s *Service) LinkAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs the admin API, the link loop, and the heartbeat until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	defer s.shutdown()

	if err := s.Listen(); err != nil {
		return err
	}
	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			return err
		}
	}

	linkErr := make(chan error, 1)
	go func() { linkErr <- s.runLinkLoop(ctx) }()

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs.Infof(
		"endpoint.Service.Serve ready session_id=%q role=%s transport=%s initiator=%v",
		s.cfg.SessionID,
		s.cfg.Role,
		s.cfg.Transport,
		s.cfg.Initiator(),
	)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("endpoint.Service.Serve shutdown session_id=%q", s.cfg.SessionID)
			return nil
		case err := <-linkErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
			linkErr = nil
		case <-ticker.C:
			logs.Infof(
				"endpoint.Service.heartbeat session_id=%q side=%s paired=%v peer=%q overlay=%s listeners=%d",
				s.cfg.SessionID,
				s.session.ResolvedSide(),
				s.session.Paired(),
				s.session.Peer(),
				s.session.OverlayState(),
				s.session.ListenerCount(),
			)
		}
	}
}

func (s *Service) runLinkLoop(ctx context.Context) error {
	switch {
	case s.cfg.Transport == config.TransportMem:
		return s.runLoopback(ctx)
	case s.cfg.Initiator():
		return s.runDialLoop(ctx)
	case s.cfg.Transport == config.TransportTCP:
		return s.runAcceptLoop(ctx)
	default:
		// ws acceptors are fed by the admin router.
		<-ctx.Done()
		return nil
	}
}

// runDialLoop keeps one dialed link attached, reconnecting with backoff.
func (s *Service) runDialLoop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.dialAndAttach(ctx)
		if err != nil {
			if errors.Is(err, bridge.ErrSessionClosed) {
				return nil
			}
			attempt++
			logs.Warnf("endpoint.Service.runDialLoop attach failed attempt=%d addr=%q err=%v", attempt, s.cfg.DialAddr, err)
			if s.cfg.MaxConnectAttempts > 0 && attempt >= s.cfg.MaxConnectAttempts {
				return err
			}
			if err := session.SleepBackoff(ctx, s.cfg.Session.Backoff, attempt, s.rng); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		select {
		case <-ctx.Done():
			return nil
		case <-s.session.Unpaired():
			logs.Warnf("endpoint.Service.runDialLoop link lost addr=%q", s.cfg.DialAddr)
		}
	}
}

func (s *Service) dialAndAttach(ctx context.Context) error {
	var (
		l   link.Link
		err error
	)
	switch s.cfg.Transport {
	case config.TransportWS:
		l, err = link.DialWebSocket(ctx, s.cfg.DialAddr, s.cfg.Session)
	default:
		l, err = link.DialTCP(ctx, link.DialConfig{
			Address:            s.cfg.DialAddr,
			Session:            s.cfg.Session,
			MaxConnectAttempts: 1,
		})
	}
	if err != nil {
		return err
	}
	return s.session.Attach(ctx, l, true)
}

func (s *Service) runAcceptLoop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return link.ErrAddressRequired
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	accept := s.acceptLink(ctx)
	for {
		l, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, link.ErrClosed) {
				return nil
			}
			return err
		}
		accept(l)
	}
}

// acceptLink returns the handler for inbound links. A second peer is turned
// away while one is attached.
func (s *Service) acceptLink(ctx context.Context) func(link.Link) {
	return func(l link.Link) {
		go func() {
			if err := s.session.Attach(ctx, l, false); err != nil {
				logs.Warnf("endpoint.Service.acceptLink rejected remote=%q err=%v", l.RemoteAddr(), err)
			}
		}()
	}
}

// runLoopback pairs the session with an in-process peer of the opposite
// role. Messages the peer receives are logged.
func (s *Service) runLoopback(ctx context.Context) error {
	peerRole := bridge.SideFar
	if s.cfg.Role == bridge.SideFar {
		peerRole = bridge.SideNear
	}
	peerCfg := s.cfg.BridgeSession(LogSurface{SessionID: s.cfg.SessionID})
	peerCfg.Role = peerRole
	peerCfg.PeerIdentity = "loopback"
	peer, err := bridge.NewSession(peerCfg)
	if err != nil {
		return err
	}
	peer.AddOnMessageListener(bridge.NewListener(func(msg bridge.Message) {
		logs.Infof("endpoint.Service.loopback received bytes=%d", len(msg.Data))
	}))
	s.mu.Lock()
	s.loopback = peer
	s.mu.Unlock()

	a, b := link.Pipe()
	errs := make(chan error, 1)
	go func() { errs <- peer.Attach(ctx, b, false) }()
	if err := s.session.Attach(ctx, a, true); err != nil {
		return err
	}
	if err := <-errs; err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *Service) shutdown() {
	_ = s.session.Close()
	s.mu.Lock()
	loopback := s.loopback
	ln := s.listener
	s.mu.Unlock()
	if loopback != nil {
		_ = loopback.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.admin.Shutdown(ctx); err != nil {
			logs.Warnf("endpoint.Service.shutdown admin err=%v", err)
		}
	}
}
