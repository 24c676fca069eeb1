package gateway

import (
	"context"
	"errors"

	"github.com/soyeahso/livechat/internal/domain"
)

func (o *Orchestrator) identifyVisitor(ctx context.Context, sess *Session, p *identifyParams) (any, error) {
	session, err := o.dir.IdentifyVisitor(ctx, sess.Identity.SessionID, p.Name, p.Email, p.Phone)
	if err != nil {
		return nil, systemError(err, "identifying visitor")
	}
	o.hub.Emit(ctx, []string{workspaceChannel(sess.Identity.WorkspaceID)}, OutVisitorUpdated, map[string]any{
		"sessionId": session.ID,
		"visitorId": session.VisitorID,
		"name":      session.Name,
		"email":     session.Email,
		"phone":     session.Phone,
	})
	return session, nil
}

func (o *Orchestrator) visitorActive(ctx context.Context, sess *Session, _ *noParams) (any, error) {
	status := domain.StatusActive
	rooms, err := o.chats.GetVisitorActiveRooms(ctx, sess.Identity.SessionID)
	if err != nil {
		return nil, systemError(err, "loading visitor rooms")
	}
	for _, room := range rooms {
		if len(room.AgentIDs) > 0 {
			status = domain.StatusCurrentlyServed
			break
		}
	}
	return o.signalVisitor(ctx, sess, status)
}

func (o *Orchestrator) visitorIdle(ctx context.Context, sess *Session, _ *noParams) (any, error) {
	return o.signalVisitor(ctx, sess, domain.StatusIdle)
}

// visitorAway ends the session: AWAY is terminal, so the visitor leaves
// the same way a grace period expiry does and any later connection on the
// session is refused.
func (o *Orchestrator) visitorAway(ctx context.Context, sess *Session, _ *noParams) (any, error) {
	id := sess.Identity
	prev := domain.StatusActive
	if rec := o.tracker.Get(ctx, id); rec != nil {
		prev = rec.Status
	}
	o.hub.Emit(ctx, []string{visitorChannel(id.SessionID), workspaceChannel(id.WorkspaceID)}, OutVisitorStatus, map[string]any{
		"sessionId": id.SessionID,
		"status":    domain.StatusAway,
		"ended":     true,
	})
	o.finalize(ctx, &domain.DisconnectMarker{
		Identity:       id,
		PreviousStatus: prev,
		SocketID:       sess.ConnID,
		DisconnectedAt: o.now(),
	})
	sess.ended = true
	return map[string]any{"status": domain.StatusAway, "changed": true, "ended": true}, nil
}

// signalVisitor applies an explicit activity signal. A pending transfer or
// invitation keeps its overlay until resolved.
func (o *Orchestrator) signalVisitor(ctx context.Context, sess *Session, status domain.Status) (any, error) {
	rec := o.tracker.Get(ctx, sess.Identity)
	if rec != nil && rec.Status.Pending() {
		return map[string]any{"status": rec.Status, "changed": false}, nil
	}
	if rec != nil && rec.Status == status {
		return map[string]any{"status": status, "changed": false}, nil
	}
	o.setVisitorStatus(ctx, sess.Identity.SessionID, sess.Identity.WorkspaceID, status)
	dept := ""
	if rec != nil {
		dept = rec.DepartmentID
	}
	o.broadcastQueue(ctx, sess.Identity.WorkspaceID, dept)
	return map[string]any{"status": status, "changed": true}, nil
}

func (o *Orchestrator) trackPage(ctx context.Context, sess *Session, p *pageParams) (any, error) {
	pv := &domain.PageView{
		SessionID:   sess.Identity.SessionID,
		WorkspaceID: sess.Identity.WorkspaceID,
		URL:         p.URL,
		Title:       p.Title,
		Referrer:    p.Referrer,
		ViewedAt:    o.now(),
	}
	if err := o.content.RecordPageView(ctx, pv); err != nil {
		return nil, systemError(err, "recording page view")
	}
	o.hub.Emit(ctx, []string{workspaceChannel(pv.WorkspaceID)}, OutVisitorPageView, pv)
	return map[string]any{"tracked": true}, nil
}

func (o *Orchestrator) postChatForm(ctx context.Context, sess *Session, p *postChatParams) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	form := &domain.PostChatForm{
		RoomID:      room.ID,
		SessionID:   sess.Identity.SessionID,
		Rating:      p.Rating,
		Comment:     p.Comment,
		Answers:     p.Answers,
		SubmittedAt: o.now(),
	}
	if err := o.content.SavePostChatForm(ctx, form); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, validationError(CodeRoomNotFound, "room not found")
		}
		return nil, systemError(err, "saving post-chat form")
	}
	o.hub.Emit(ctx, []string{viewerChannel(room.ID), workspaceChannel(room.WorkspaceID)}, OutPostChatForm, form)
	return map[string]any{"roomId": room.ID, "saved": true}, nil
}
