package link

import (
	"context"
	"sync"

	"github.com/danmuck/bridgectl/internal/protocol/frame"
)

const memQueue = 16

// Pipe returns two connected in-process links. Frames are marshaled on
// send and unmarshaled on receive, so both ends see only wire bytes.
// Closing either end closes both.
func Pipe() (Link, Link) {
	ab := make(chan []byte, memQueue)
	ba := make(chan []byte, memQueue)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &memLink{name: "mem:a", out: ab, in: ba, done: done, once: once, limits: frame.DefaultLimits()}
	b := &memLink{name: "mem:b", out: ba, in: ab, done: done, once: once, limits: frame.DefaultLimits()}
	return a, b
}

type memLink struct {
	name   string
	out    chan<- []byte
	in     <-chan []byte
	done   chan struct{}
	once   *sync.Once
	limits frame.Limits
}

func (l *memLink) Send(ctx context.Context, f frame.Frame) error {
	b, err := frame.Marshal(f, l.limits)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.out <- b:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv drains frames already queued before reporting a closed pipe, so a
// final frame written just before Close is still observed.
func (l *memLink) Recv(ctx context.Context) (frame.Frame, error) {
	select {
	case b := <-l.in:
		return frame.Unmarshal(b, l.limits)
	default:
	}
	select {
	case b := <-l.in:
		return frame.Unmarshal(b, l.limits)
	case <-l.done:
		return frame.Frame{}, ErrClosed
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *memLink) RemoteAddr() string {
	if l.name == "mem:a" {
		return "mem:b"
	}
	return "mem:a"
}
