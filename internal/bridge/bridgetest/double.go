// Package bridgetest provides a scripted bridge.Bridge for host tests.
package bridgetest

import (
	"context"
	"sync"

	"github.com/danmuck/bridgectl/internal/bridge"
)

// Double is an in-process bridge.Bridge with a settable side, a recorded
// outbound log, and injected inbound messages. Operations still resolve on
// other goroutines, like a real session.
type Double struct {
	mu         sync.Mutex
	side       bridge.Side
	sendResult bool
	sent       []bridge.Message

	listeners  *bridge.ListenerRegistry
	dispatcher *bridge.Dispatcher
	overlay    *bridge.OverlayController
}

var _ bridge.Bridge = (*Double)(nil)

// New returns a Double reporting side. Sends succeed unless side is
// SideNone or SetSendResult(false) was called.
func New(side bridge.Side) *Double {
	reg := bridge.NewListenerRegistry()
	return &Double{
		side:       side,
		sendResult: true,
		listeners:  reg,
		dispatcher: bridge.NewDispatcher(reg, 64),
		overlay:    bridge.NewOverlayController(nil, true, 0),
	}
}

func (d *Double) SetSide(side bridge.Side) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.side = side
}

func (d *Double) SetSendResult(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendResult = ok
}

// Sent returns copies of every message accepted by SendMessageToOtherSide.
func (d *Double) Sent() []bridge.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bridge.Message, 0, len(d.sent))
	for _, m := range d.sent {
		out = append(out, m.Clone())
	}
	return out
}

// Inject queues msg as if it arrived from the other side.
func (d *Double) Inject(msg bridge.Message) bool {
	return d.dispatcher.Push(context.Background(), msg.Clone())
}

func (d *Double) OverlayState() bridge.OverlayState {
	return d.overlay.State()
}

func (d *Double) Close() {
	d.dispatcher.Close()
}

func (d *Double) GetSide() *bridge.Future[bridge.Side] {
	return bridge.Async(func() (bridge.Side, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.side, nil
	})
}

func (d *Double) SendMessageToOtherSide(msg bridge.Message) *bridge.Future[bool] {
	msg = msg.Clone()
	return bridge.Async(func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.side == bridge.SideNone || !d.sendResult {
			return false, nil
		}
		d.sent = append(d.sent, msg)
		return true, nil
	})
}

func (d *Double) AddOnMessageListener(l bridge.Listener) {
	_ = d.listeners.Add(l)
}

func (d *Double) RemoveOnMessageListener(l bridge.Listener) {
	d.listeners.Remove(l)
}

func (d *Double) ShowOverlay() *bridge.Future[struct{}] {
	return bridge.Async(func() (struct{}, error) {
		return struct{}{}, d.overlay.Show()
	})
}

func (d *Double) HideOverlay() *bridge.Future[struct{}] {
	return bridge.Async(func() (struct{}, error) {
		return struct{}{}, d.overlay.Hide()
	})
}
