package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/bridgectl/internal/auth"
	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/link"
	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const version = "0.1.0"

// Endpoint is the bridge surface the admin API drives.
type Endpoint interface {
	bridge.Bridge
	Role() bridge.Side
	SessionID() string
	Paired() bool
	OverlayState() bridge.OverlayState
}

type Options struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// AcceptLink, when set, mounts the websocket link endpoint.
	AcceptLink func(link.Link)
	// Validator guards the POST routes and the websocket endpoint. Nil
	// leaves them open.
	Validator auth.Validator
	// AwaitTimeout bounds how long a handler waits on a bridge future.
	AwaitTimeout time.Duration
}

// Server is the bridgectl admin HTTP API.
type Server struct {
	opts     Options
	endpoint Endpoint
	router   *gin.Engine
	appeared time.Time

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

func New(endpoint Endpoint, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "bridgectl"
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(observability.InitLogger(opts.Name), "/metrics", "/bridge/ws", "/health"))
	router.Use(observability.RequestMetricsMiddleware(opts.Name))
	if len(opts.CorsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: opts.CorsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{
		opts:     opts,
		endpoint: endpoint,
		router:   router,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.ln = ln
	s.http = srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errf("server.Server.Start serve failed addr=%s err=%v", ln.Addr(), err)
		}
	}()
	logs.Infof("server.Server.Start admin listening addr=%s", ln.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
