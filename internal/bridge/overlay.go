package bridge

import (
	"context"
	"sync"
	"time"

	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/observability"
)

type OverlayState uint8

const (
	OverlayHidden OverlayState = iota
	OverlayShown
)

func (s OverlayState) String() string {
	if s == OverlayShown {
		return "shown"
	}
	return "hidden"
}

// Surface renders the overlay. It is supplied by the host.
type Surface interface {
	SetVisible(ctx context.Context, visible bool) error
}

// SurfaceFunc adapts a func to Surface.
type SurfaceFunc func(ctx context.Context, visible bool) error

func (f SurfaceFunc) SetVisible(ctx context.Context, visible bool) error {
	return f(ctx, visible)
}

// OverlayController owns the near-side visibility flag. The surface is
// touched only on a real transition; repeated show or hide calls succeed
// without side effects. A disabled controller (far side) accepts every
// call as a no-op.
type OverlayController struct {
	mu      sync.Mutex
	state   OverlayState
	surface Surface
	enabled bool
	timeout time.Duration
}

func NewOverlayController(surface Surface, enabled bool, timeout time.Duration) *OverlayController {
	return &OverlayController{
		state:   OverlayHidden,
		surface: surface,
		enabled: enabled,
		timeout: timeout,
	}
}

func (o *OverlayController) Show() error {
	return o.apply(OverlayShown)
}

func (o *OverlayController) Hide() error {
	return o.apply(OverlayHidden)
}

func (o *OverlayController) State() OverlayState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *OverlayController) apply(target OverlayState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled {
		logs.Debugf("bridge.OverlayController.apply ignored target=%s reason=not_near", target)
		return nil
	}
	if o.state == target {
		return nil
	}
	if o.surface != nil {
		ctx := context.Background()
		if o.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.timeout)
			defer cancel()
		}
		if err := o.surface.SetVisible(ctx, target == OverlayShown); err != nil {
			logs.Warnf("bridge.OverlayController.apply surface failed target=%s err=%v", target, err)
			return err
		}
	}
	o.state = target
	observability.RecordOverlayTransition(target.String())
	logs.Debugf("bridge.OverlayController.apply state=%s", target)
	return nil
}
