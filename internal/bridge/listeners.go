package bridge

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/observability"
)

var ErrInvalidListener = errors.New("bridge: listener must be a non-nil comparable value")

type listenerEntry struct {
	listener Listener
	active   atomic.Bool
}

// ListenerRegistry is the set of message listeners for one session.
type ListenerRegistry struct {
	mu    sync.Mutex
	byRef map[Listener]*listenerEntry
	order []*listenerEntry
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{byRef: make(map[Listener]*listenerEntry)}
}

// Add registers l. Adding an already registered listener is a no-op.
func (r *ListenerRegistry) Add(l Listener) error {
	if !hashable(l) {
		return ErrInvalidListener
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRef[l]; ok {
		return nil
	}
	entry := &listenerEntry{listener: l}
	entry.active.Store(true)
	r.byRef[l] = entry
	r.order = append(r.order, entry)
	return nil
}

// Remove drops l entirely. Removing an unknown listener is a no-op.
func (r *ListenerRegistry) Remove(l Listener) {
	if !hashable(l) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byRef[l]
	if !ok {
		return
	}
	entry.active.Store(false)
	delete(r.byRef, l)
	for i, e := range r.order {
		if e == entry {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// hashable reports whether l can key a map. The check looks at the dynamic
// value, so a struct whose interface field holds a slice is rejected.
func hashable(l Listener) bool {
	return l != nil && reflect.ValueOf(l).Comparable()
}

func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Deliver invokes every listener registered when delivery starts, in
// registration order. Listeners removed mid-delivery are skipped, and a
// panicking listener does not stop the rest. Each listener gets its own
// copy of the payload. Returns the number of listeners that completed.
func (r *ListenerRegistry) Deliver(msg Message) int {
	r.mu.Lock()
	snapshot := make([]*listenerEntry, len(r.order))
	copy(snapshot, r.order)
	r.mu.Unlock()

	delivered := 0
	for _, entry := range snapshot {
		if !entry.active.Load() {
			continue
		}
		if invoke(entry.listener, msg) {
			delivered++
		}
	}
	return delivered
}

func invoke(l Listener, msg Message) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			observability.RecordListenerPanic()
			logs.Errf("bridge.ListenerRegistry.Deliver listener=%T panic=%v", l, p)
			ok = false
		}
	}()
	l.OnMessage(msg.Clone())
	return true
}

// Dispatcher delivers queued inbound messages to a registry, one at a time,
// in arrival order, on its own goroutine.
type Dispatcher struct {
	reg   *ListenerRegistry
	queue chan Message
	done  chan struct{}
	once  sync.Once
}

func NewDispatcher(reg *ListenerRegistry, size int) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	d := &Dispatcher{
		reg:   reg,
		queue: make(chan Message, size),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Push queues msg, blocking while the queue is full. It returns false when
// the dispatcher or ctx is done.
func (d *Dispatcher) Push(ctx context.Context, msg Message) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- msg:
		return true
	case <-d.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops delivery. Queued messages are dropped; a listener already
// running is allowed to finish.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.queue:
			select {
			case <-d.done:
				return
			default:
			}
			d.reg.Deliver(msg)
		}
	}
}
