package endpoint

import (
	"context"

	logs "github.com/danmuck/bridgectl/internal/logging"
)

// LogSurface is the headless overlay surface: it only records transitions.
type LogSurface struct {
	SessionID string
}

func (s LogSurface) SetVisible(_ context.Context, visible bool) error {
	logs.Infof("endpoint.LogSurface.SetVisible session_id=%q visible=%v", s.SessionID, visible)
	return nil
}
