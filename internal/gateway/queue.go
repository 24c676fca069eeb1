package gateway

import (
	"context"

	"github.com/soyeahso/livechat/internal/domain"
)

func (o *Orchestrator) getQueue(ctx context.Context, sess *Session, p *queueParams) (any, error) {
	ws := sess.Identity.WorkspaceID
	return domain.BuildQueue(ws, p.DepartmentID, o.tracker.Visitors(ctx, ws), o.now()), nil
}

// broadcastQueue sends the workspace queue to every agent of the workspace
// and, when departmentID is set, the department's queue to its agents.
func (o *Orchestrator) broadcastQueue(ctx context.Context, workspaceID, departmentID string) {
	visitors := o.tracker.Visitors(ctx, workspaceID)
	now := o.now()
	o.hub.Emit(ctx, []string{workspaceChannel(workspaceID)}, OutQueueUpdated, domain.BuildQueue(workspaceID, "", visitors, now))
	if departmentID != "" {
		o.hub.Emit(ctx, []string{departmentChannel(workspaceID, departmentID)}, OutQueueUpdated, domain.BuildQueue(workspaceID, departmentID, visitors, now))
	}
}
