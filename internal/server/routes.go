package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/bridgectl/internal/auth"
	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/link"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxMessageBytes = 1 << 20

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/side", s.side)
	r.GET("/overlay", s.overlay)

	guarded := r.Group("/", s.requireToken())
	guarded.POST("/overlay/show", s.setOverlay(true))
	guarded.POST("/overlay/hide", s.setOverlay(false))
	guarded.POST("/messages", s.sendMessage)
	if s.opts.AcceptLink != nil {
		guarded.GET("/bridge/ws", gin.WrapH(link.WebSocketHandler(s.opts.CorsOrigins, s.opts.AcceptLink)))
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.Check(s.opts.Validator, c.Request); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) awaitCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.opts.AwaitTimeout)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.appeared).Round(time.Second).String(),
		"service": s.opts.Name,
		"version": version,
	})
}

func (s *Server) ready(c *gin.Context) {
	if !s.endpoint.Paired() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unpaired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paired"})
}

func (s *Server) side(c *gin.Context) {
	ctx, cancel := s.awaitCtx(c)
	defer cancel()
	side, err := s.endpoint.GetSide().Await(ctx)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"side":       side.String(),
		"role":       s.endpoint.Role().String(),
		"session_id": s.endpoint.SessionID(),
		"paired":     s.endpoint.Paired(),
	})
}

func (s *Server) overlay(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.endpoint.OverlayState().String()})
}

func (s *Server) setOverlay(visible bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := s.awaitCtx(c)
		defer cancel()
		var f *bridge.Future[struct{}]
		if visible {
			f = s.endpoint.ShowOverlay()
		} else {
			f = s.endpoint.HideOverlay()
		}
		if _, err := f.Await(ctx); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			c.JSON(status, gin.H{"error": err.Error(), "state": s.endpoint.OverlayState().String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": s.endpoint.OverlayState().String()})
	}
}

func (s *Server) sendMessage(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message body"})
		return
	}
	ctx, cancel := s.awaitCtx(c)
	defer cancel()
	ok, err := s.endpoint.SendMessageToOtherSide(bridge.Message{Data: body}).Await(ctx)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"sent": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true, "bytes": len(body)})
}
