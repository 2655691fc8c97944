package dock

import (
	"context"
	"time"

	"github.com/metalagman/deckhand/internal/sandbox"
)

const healthTimeout = 2 * time.Second

// ManagerSource reads viewers from a sandbox manager and checks each agent.
type ManagerSource struct {
	Manager *sandbox.Manager
}

func (s ManagerSource) Snapshot(ctx context.Context) ([]Row, error) {
	viewers := s.Manager.Registry().List()
	rows := make([]Row, 0, len(viewers))
	for _, v := range viewers {
		rows = append(rows, Row{
			Dock:      v.Dock,
			SandboxID: v.SandboxID,
			Title:     v.Title,
			StoryID:   v.StoryID(),
			Display:   v.DisplayEndpoint,
			Status:    agentStatus(ctx, v),
		})
	}
	return rows, nil
}

func (s ManagerSource) Close(ctx context.Context, sandboxID string) error {
	s.Manager.Destroy(ctx, sandboxID)
	return nil
}

func agentStatus(ctx context.Context, v *sandbox.Viewer) string {
	if v.Session == nil {
		return StatusUnreachable
	}
	if v.Busy() {
		return StatusWorking
	}
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	h, err := v.Session.Bridge().Health(hctx)
	switch {
	case err != nil:
		return StatusUnreachable
	case h.Ready():
		return StatusReady
	default:
		return StatusStarting
	}
}
