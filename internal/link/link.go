// Package link carries whole bridge frames between the two endpoints of a session.
//
// A Link is byte transport only. Pairing, side resolution and dispatch
// belong to package bridge.
package link

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/frame"
)

var (
	ErrClosed          = errors.New("link: closed")
	ErrAddressRequired = errors.New("link: address required")
	ErrNotBinary       = errors.New("link: non-binary websocket message")
)

// Link is one bidirectional, ordered frame channel to the other side.
// Send may be called concurrently; Recv is called by a single reader.
type Link interface {
	Send(ctx context.Context, f frame.Frame) error
	Recv(ctx context.Context) (frame.Frame, error)
	Close() error
	RemoteAddr() string
}

// deadlineFrom returns the ctx deadline, or the zero time when ctx has none.
func deadlineFrom(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}
