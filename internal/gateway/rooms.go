package gateway

import (
	"context"
	"errors"
	"slices"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/hooks"
)

func (o *Orchestrator) joinRoom(ctx context.Context, sess *Session, p *roomParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	return o.join(ctx, sess, room)
}

// join makes the session's socket a participant of room. Join side effects
// run only the first time the agent enters the room, whichever socket it
// uses.
func (o *Orchestrator) join(ctx context.Context, sess *Session, room *domain.Room) (map[string]any, error) {
	agentID, ws := sess.Identity.AgentID, sess.Identity.WorkspaceID

	if rec := o.tracker.Get(ctx, sess.Identity); rec != nil && slices.Contains(rec.SocketRooms[sess.ConnID], room.ID) {
		return map[string]any{"roomId": room.ID, "joined": true, "alreadyJoined": true}, nil
	}
	if o.tracker.IsAgentInRoomFromOtherSocket(ctx, agentID, ws, room.ID, sess.ConnID) {
		if o.tracker.AddRoomToAgentSocket(ctx, agentID, ws, sess.ConnID, room.ID) == nil {
			return nil, systemError(errors.New("socket not bound to agent"), "joining room")
		}
		o.hub.Join(ctx, sess.ConnID, roomChannel(room.ID))
		return map[string]any{"roomId": room.ID, "joined": true, "alreadyJoined": true}, nil
	}

	rec := o.tracker.AddRoomToAgentSocket(ctx, agentID, ws, sess.ConnID, room.ID)
	if rec == nil {
		return nil, systemError(errors.New("socket not bound to agent"), "joining room")
	}
	o.hub.Join(ctx, sess.ConnID, roomChannel(room.ID))
	if !room.HasAgent(agentID) {
		if err := o.chats.AddAgentToRoom(ctx, room.ID, agentID); err != nil {
			o.tracker.RemoveRoomFromAgentSocket(ctx, agentID, ws, sess.ConnID, room.ID)
			o.hub.Leave(ctx, sess.ConnID, roomChannel(room.ID))
			return nil, systemError(err, "joining room")
		}
	}

	name := o.agentName(ctx, agentID, ws)
	msg := o.systemMessage(ctx, room.ID, name+" joined the chat")
	o.hub.Emit(ctx, []string{roomChannel(room.ID), viewerChannel(room.ID)}, OutAgentJoined, map[string]any{
		"roomId":    room.ID,
		"agentId":   agentID,
		"agentName": name,
		"message":   msg,
	}, sess.ConnID)

	visitor := domain.VisitorIdentity(room.VisitorSessionID, ws)
	if vrec := o.tracker.Get(ctx, visitor); vrec != nil && vrec.Live() && !vrec.Status.Pending() {
		o.setVisitorStatus(ctx, room.VisitorSessionID, ws, domain.StatusCurrentlyServed)
	} else if m := o.tracker.PeekMarker(ctx, visitor); m != nil && !m.PreviousStatus.Pending() {
		// The visitor is inside its grace period; the reconnect reconciles
		// the tracked status against the room.
		o.persistVisitorStatus(ctx, room.VisitorSessionID, domain.StatusCurrentlyServed)
	}

	o.emitHook(ctx, hooks.EventAgentJoinedRoom, ws, map[string]any{"roomId": room.ID, "agentId": agentID})
	o.broadcastQueue(ctx, ws, room.DepartmentID)
	o.tracker.OpenRoom(ctx, agentID, ws, room.ID)
	o.emitAgentStatus(ctx, rec)

	return map[string]any{"roomId": room.ID, "joined": true, "message": msg}, nil
}

func (o *Orchestrator) leaveRoom(ctx context.Context, sess *Session, p *roomParams) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	agentID, ws := sess.Identity.AgentID, sess.Identity.WorkspaceID
	if !o.tracker.IsAgentInRoom(ctx, agentID, ws, room.ID) {
		return nil, validationError(CodeNotInRoom, "not a participant of the room")
	}
	if o.tracker.IsAgentInRoomFromOtherSocket(ctx, agentID, ws, room.ID, sess.ConnID) {
		o.tracker.RemoveRoomFromAgentSocket(ctx, agentID, ws, sess.ConnID, room.ID)
		o.hub.Leave(ctx, sess.ConnID, roomChannel(room.ID))
		return map[string]any{"roomId": room.ID, "left": true, "partial": true}, nil
	}
	o.releaseRoom(ctx, agentID, ws, room.ID, "left")
	return map[string]any{"roomId": room.ID, "left": true}, nil
}

// releaseRoom takes the agent out of the room on every socket and every
// node, then settles the visitor's status.
func (o *Orchestrator) releaseRoom(ctx context.Context, agentID, workspaceID, roomID, reason string) {
	var sockets []string
	if rec := o.tracker.Get(ctx, domain.AgentIdentity(agentID, workspaceID)); rec != nil {
		sockets = rec.SocketIDs
	}
	rec := o.tracker.RemoveRoomFromAgent(ctx, agentID, workspaceID, roomID)
	for _, socketID := range sockets {
		o.hub.Leave(ctx, socketID, roomChannel(roomID))
	}
	if err := o.chats.RemoveAgentFromRoom(ctx, roomID, agentID); err != nil {
		o.log.Warn().Err(err).Str("room", roomID).Str("agent", agentID).Msg("removing agent from room failed")
	}

	name := o.agentName(ctx, agentID, workspaceID)
	msg := o.systemMessage(ctx, roomID, name+" left the chat")
	o.hub.Emit(ctx, []string{roomChannel(roomID), viewerChannel(roomID), agentChannel(workspaceID, agentID)}, OutAgentLeft, map[string]any{
		"roomId":    roomID,
		"agentId":   agentID,
		"agentName": name,
		"reason":    reason,
		"message":   msg,
	})

	if room, err := o.chats.GetRoomByID(ctx, roomID); err == nil {
		o.settleVisitor(ctx, room)
	}
	o.emitHook(ctx, hooks.EventAgentLeftRoom, workspaceID, map[string]any{"roomId": roomID, "agentId": agentID, "reason": reason})
	o.emitAgentStatus(ctx, rec)
}

// settleVisitor recomputes a visitor's status once the last agent left
// room. The tracked status wins over the persisted one: a visitor that went
// idle while being served drops to IDLE, not ACTIVE.
func (o *Orchestrator) settleVisitor(ctx context.Context, room *domain.Room) {
	if len(room.AgentIDs) > 0 || room.Closed() {
		return
	}
	ws := room.WorkspaceID
	visitor := domain.VisitorIdentity(room.VisitorSessionID, ws)
	vrec := o.tracker.Get(ctx, visitor)
	if vrec == nil || vrec.Status.Pending() {
		return
	}
	if !vrec.Live() {
		if m := o.tracker.PeekMarker(ctx, visitor); m != nil && m.PreviousStatus == domain.StatusCurrentlyServed {
			o.persistVisitorStatus(ctx, room.VisitorSessionID, domain.StatusActive)
		}
		return
	}

	next := domain.StatusActive
	switch vrec.Status {
	case domain.StatusAway, domain.StatusIdle:
		next = vrec.Status
	default:
		if session, err := o.dir.GetVisitorSession(ctx, room.VisitorSessionID); err == nil && session.Status == domain.StatusIdle {
			next = domain.StatusIdle
		}
	}
	if next == vrec.Status {
		return
	}
	o.setVisitorStatus(ctx, room.VisitorSessionID, ws, next)
	o.broadcastQueue(ctx, ws, vrec.DepartmentID)
}

func (o *Orchestrator) viewRoom(ctx context.Context, sess *Session, p *roomParams) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	o.hub.Join(ctx, sess.ConnID, viewerChannel(room.ID))
	o.tracker.OpenRoom(ctx, sess.Identity.AgentID, sess.Identity.WorkspaceID, room.ID)
	return map[string]any{"roomId": room.ID, "viewing": true, "room": room}, nil
}

func (o *Orchestrator) closeRoom(ctx context.Context, sess *Session, p *roomParams) (any, error) {
	o.tracker.CloseRoom(ctx, sess.Identity.AgentID, sess.Identity.WorkspaceID, p.RoomID)
	o.hub.Leave(ctx, sess.ConnID, viewerChannel(p.RoomID))
	return map[string]any{"roomId": p.RoomID, "closed": true}, nil
}

func (o *Orchestrator) endChat(ctx context.Context, sess *Session, p *endChatParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	ws := room.WorkspaceID

	by := "The visitor"
	if sess.IsAgent() {
		by = o.agentName(ctx, sess.Identity.AgentID, ws)
	}
	msg := o.systemMessage(ctx, room.ID, by+" ended the chat")
	if err := o.chats.CloseRoom(ctx, room.ID); err != nil {
		return nil, systemError(err, "closing room")
	}
	if err := o.messages.RemoveTracking(ctx, room.ID); err != nil {
		o.log.Warn().Err(err).Str("room", room.ID).Msg("dropping message tracking failed")
	}

	o.hub.Emit(ctx, []string{roomChannel(room.ID), viewerChannel(room.ID), visitorChannel(room.VisitorSessionID)}, OutChatEnded, map[string]any{
		"roomId":  room.ID,
		"endedBy": sess.Identity.Actor,
		"reason":  p.Reason,
		"message": msg,
	})

	for _, agentID := range room.AgentIDs {
		rec := o.tracker.RemoveRoomFromAgent(ctx, agentID, ws, room.ID)
		o.tracker.CloseRoom(ctx, agentID, ws, room.ID)
		o.emitAgentStatus(ctx, rec)
	}
	o.hub.Dissolve(ctx, roomChannel(room.ID))
	o.hub.Dissolve(ctx, viewerChannel(room.ID))

	visitor := domain.VisitorIdentity(room.VisitorSessionID, ws)
	if vrec := o.tracker.Get(ctx, visitor); vrec != nil && vrec.Live() {
		o.setVisitorStatus(ctx, room.VisitorSessionID, ws, domain.StatusActive)
	}

	o.emitHook(ctx, hooks.EventRoomClosed, ws, map[string]any{
		"roomId":  room.ID,
		"endedBy": sess.Identity.Actor,
		"reason":  p.Reason,
	})
	o.broadcastQueue(ctx, ws, room.DepartmentID)
	return map[string]any{"roomId": room.ID, "ended": true}, nil
}
