package gateway

import (
	"context"
	"errors"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/hooks"
	"github.com/soyeahso/livechat/internal/tracking"
)

// handoffEvents names the outbound events and the correlation field of one
// request kind.
type handoffEvents struct {
	request  string
	accepted string
	rejected string
	idField  string
}

var handoffs = map[domain.RequestKind]handoffEvents{
	domain.AgentTransfer:      {"chat-transfer-request", "chat-transfer-accepted", "chat-transfer-rejected", "transferId"},
	domain.AgentInvite:        {"chat-invitation", "chat-invitation-accepted", "chat-invitation-rejected", "invitationId"},
	domain.DepartmentTransfer: {"department-transfer-request", "department-transfer-accepted", "department-transfer-rejected", "transferId"},
	domain.DepartmentInvite:   {"department-invitation", "department-invitation-accepted", "department-invitation-rejected", "invitationId"},
}

func (o *Orchestrator) transferToAgent(ctx context.Context, sess *Session, p *toAgentParams) (any, error) {
	return o.initiate(ctx, sess, domain.AgentTransfer, &p.handoffParams)
}

func (o *Orchestrator) inviteAgent(ctx context.Context, sess *Session, p *toAgentParams) (any, error) {
	return o.initiate(ctx, sess, domain.AgentInvite, &p.handoffParams)
}

func (o *Orchestrator) transferToDepartment(ctx context.Context, sess *Session, p *toDepartmentParams) (any, error) {
	return o.initiate(ctx, sess, domain.DepartmentTransfer, &p.handoffParams)
}

func (o *Orchestrator) inviteDepartment(ctx context.Context, sess *Session, p *toDepartmentParams) (any, error) {
	return o.initiate(ctx, sess, domain.DepartmentInvite, &p.handoffParams)
}

func (o *Orchestrator) acceptTransfer(ctx context.Context, sess *Session, p *resolveTransferParams) (any, error) {
	return o.resolve(ctx, sess, domain.AgentTransfer, &p.handoffParams, true)
}

func (o *Orchestrator) rejectTransfer(ctx context.Context, sess *Session, p *resolveTransferParams) (any, error) {
	return o.resolve(ctx, sess, domain.AgentTransfer, &p.handoffParams, false)
}

func (o *Orchestrator) acceptInvitation(ctx context.Context, sess *Session, p *resolveInvitationParams) (any, error) {
	return o.resolve(ctx, sess, domain.AgentInvite, &p.handoffParams, true)
}

func (o *Orchestrator) rejectInvitation(ctx context.Context, sess *Session, p *resolveInvitationParams) (any, error) {
	return o.resolve(ctx, sess, domain.AgentInvite, &p.handoffParams, false)
}

func (o *Orchestrator) acceptDepartmentTransfer(ctx context.Context, sess *Session, p *resolveTransferParams) (any, error) {
	return o.resolve(ctx, sess, domain.DepartmentTransfer, &p.handoffParams, true)
}

func (o *Orchestrator) rejectDepartmentTransfer(ctx context.Context, sess *Session, p *resolveTransferParams) (any, error) {
	return o.resolve(ctx, sess, domain.DepartmentTransfer, &p.handoffParams, false)
}

func (o *Orchestrator) acceptDepartmentInvitation(ctx context.Context, sess *Session, p *resolveInvitationParams) (any, error) {
	return o.resolve(ctx, sess, domain.DepartmentInvite, &p.handoffParams, true)
}

func (o *Orchestrator) rejectDepartmentInvitation(ctx context.Context, sess *Session, p *resolveInvitationParams) (any, error) {
	return o.resolve(ctx, sess, domain.DepartmentInvite, &p.handoffParams, false)
}

// initiate validates the target, stores the request, puts the visitor in
// the pending overlay and delivers the request to its recipients.
func (o *Orchestrator) initiate(ctx context.Context, sess *Session, kind domain.RequestKind, p *handoffParams) (any, error) {
	ev := handoffs[kind]
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	agentID, ws := sess.Identity.AgentID, sess.Identity.WorkspaceID

	req := &domain.TransferRequest{
		ID:               p.requestID(kind),
		Kind:             kind,
		RoomID:           room.ID,
		WorkspaceID:      ws,
		FromAgentID:      agentID,
		Reason:           p.Reason,
		VisitorSessionID: room.VisitorSessionID,
		Timestamp:        o.now(),
	}

	var target string
	if kind.ToDepartment() {
		dept, err := o.dir.GetDepartment(ctx, p.DepartmentID)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && dept.WorkspaceID != ws) {
			return nil, validationError(CodeDepartmentNotFound, "department not found").With("departmentId", p.DepartmentID)
		}
		if err != nil {
			return nil, systemError(err, "loading department")
		}
		if !dept.Active {
			return nil, validationError(CodeDepartmentInactive, "department is not active").With("departmentId", dept.ID)
		}
		req.TargetDepartmentID = dept.ID
		target = departmentChannel(ws, dept.ID)
	} else {
		if p.TargetAgentID == agentID {
			return nil, validationError(CodeSelfTarget, "cannot target yourself")
		}
		if rec := o.tracker.Get(ctx, domain.AgentIdentity(p.TargetAgentID, ws)); rec == nil || !rec.Live() {
			return nil, validationError(CodeTargetUnavailable, "agent is not online").With("targetAgentId", p.TargetAgentID)
		}
		agent, err := o.dir.GetAgent(ctx, p.TargetAgentID, ws)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && !agent.Active) {
			return nil, validationError(CodeTargetUnavailable, "agent is not available").With("targetAgentId", p.TargetAgentID)
		}
		if err != nil {
			return nil, systemError(err, "loading agent")
		}
		if room.HasAgent(agent.ID) || o.tracker.IsAgentInRoom(ctx, agent.ID, ws, room.ID) {
			return nil, validationError(CodeAlreadyInRoom, "agent is already in the room").With("targetAgentId", agent.ID)
		}
		req.TargetAgentID = agent.ID
		target = agentChannel(ws, agent.ID)
	}

	visitor := domain.VisitorIdentity(room.VisitorSessionID, ws)
	vrec := o.tracker.Get(ctx, visitor)
	req.PreviousStatus = domain.StatusCurrentlyServed
	if vrec != nil {
		if vrec.Status.Pending() {
			return nil, validationError(CodeRequestPending, "a transfer or invitation is already pending for this visitor")
		}
		if vrec.Live() {
			req.PreviousStatus = vrec.Status
		}
	}

	if err := o.requests.Create(ctx, req); err != nil {
		if errors.Is(err, tracking.ErrRequestExists) {
			return nil, validationError(CodeDuplicateRequest, "request id already in use").With(ev.idField, req.ID)
		}
		return nil, systemError(err, "storing request")
	}

	if vrec != nil && vrec.Live() {
		o.setVisitorStatus(ctx, room.VisitorSessionID, ws, kind.PendingStatus())
	} else {
		o.persistVisitorStatus(ctx, room.VisitorSessionID, kind.PendingStatus())
	}
	o.broadcastQueue(ctx, ws, room.DepartmentID)

	data := map[string]any{
		ev.idField:         req.ID,
		"requestId":        req.ID,
		"kind":             kind,
		"roomId":           room.ID,
		"fromAgentId":      agentID,
		"fromAgentName":    o.agentName(ctx, agentID, ws),
		"visitorSessionId": room.VisitorSessionID,
		"reason":           req.Reason,
		"timestamp":        req.Timestamp,
	}
	if kind.ToDepartment() {
		data["departmentId"] = req.TargetDepartmentID
	} else {
		data["targetAgentId"] = req.TargetAgentID
	}
	o.hub.Emit(ctx, []string{target}, ev.request, data, sess.ConnID)

	o.log.Info().
		Str("kind", string(kind)).
		Str(ev.idField, req.ID).
		Str("room", room.ID).
		Str("from", agentID).
		Str("target", req.Target()).
		Msg("handoff requested")
	return map[string]any{ev.idField: req.ID, "roomId": room.ID, "status": "pending"}, nil
}

// resolve accepts or rejects a pending request. Each request resolves at
// most once; every failed check leaves it in place.
func (o *Orchestrator) resolve(ctx context.Context, sess *Session, kind domain.RequestKind, p *handoffParams, accept bool) (any, error) {
	ev := handoffs[kind]
	id := p.requestID(kind)
	agentID, ws := sess.Identity.AgentID, sess.Identity.WorkspaceID

	req, err := o.requests.Get(ctx, id)
	if errors.Is(err, tracking.ErrRequestNotFound) || (err == nil && req.Kind != kind) {
		return nil, validationError(CodeRequestNotFound, "request not found or already resolved").With(ev.idField, id)
	}
	if err != nil {
		return nil, systemError(err, "loading request")
	}
	if req.RoomID != p.RoomID {
		return nil, validationError(CodeRequestRoomMismatch, "request belongs to another room").With(ev.idField, id)
	}
	if !o.isRecipient(sess, req) {
		return nil, validationError(CodeRequestUnauthorized, "request is addressed to someone else").With(ev.idField, id)
	}

	room, err := o.loadRoom(ctx, sess, req.RoomID)
	if err != nil {
		return nil, err
	}
	if accept && room.Closed() {
		return nil, validationError(CodeRoomClosed, "room is closed").With(ev.idField, id)
	}

	req, err = o.requests.Take(ctx, id)
	if errors.Is(err, tracking.ErrRequestNotFound) {
		return nil, validationError(CodeRequestNotFound, "request not found or already resolved").With(ev.idField, id)
	}
	if err != nil {
		return nil, systemError(err, "resolving request")
	}

	if accept {
		return o.acceptRequest(ctx, sess, req, room)
	}
	return o.rejectRequest(ctx, sess, req, room, p.Reason, agentID, ws)
}

func (o *Orchestrator) isRecipient(sess *Session, req *domain.TransferRequest) bool {
	if req.WorkspaceID != sess.Identity.WorkspaceID {
		return false
	}
	if req.Kind.ToDepartment() {
		return sess.Agent != nil && sess.Agent.InDepartment(req.TargetDepartmentID) && req.FromAgentID != sess.Identity.AgentID
	}
	return req.TargetAgentID == sess.Identity.AgentID
}

func (o *Orchestrator) acceptRequest(ctx context.Context, sess *Session, req *domain.TransferRequest, room *domain.Room) (any, error) {
	ev := handoffs[req.Kind]
	agentID, ws := sess.Identity.AgentID, sess.Identity.WorkspaceID

	joined, err := o.join(ctx, sess, room)
	if err != nil {
		if rerr := o.requests.Create(ctx, req); rerr != nil {
			o.log.Warn().Err(rerr).Str(ev.idField, req.ID).Msg("restoring request failed")
		}
		return nil, err
	}

	if req.Kind.IsTransfer() && req.FromAgentID != agentID {
		if room.HasAgent(req.FromAgentID) || o.tracker.IsAgentInRoom(ctx, req.FromAgentID, ws, room.ID) {
			o.releaseRoom(ctx, req.FromAgentID, ws, room.ID, "transferred")
		}
	}

	dept := room.DepartmentID
	visitor := domain.VisitorIdentity(req.VisitorSessionID, ws)
	if req.Kind == domain.DepartmentTransfer {
		dept = req.TargetDepartmentID
		if err := o.chats.SetRoomDepartment(ctx, room.ID, dept); err != nil {
			o.log.Warn().Err(err).Str("room", room.ID).Msg("moving room to department failed")
		}
		if err := o.dir.SetSessionDepartment(ctx, req.VisitorSessionID, dept); err != nil {
			o.log.Warn().Err(err).Str("session", req.VisitorSessionID).Msg("moving session to department failed")
		}
		o.tracker.SetDepartment(ctx, visitor, dept)
	}

	vrec := o.tracker.Get(ctx, visitor)
	switch {
	case o.sessionEnded(ctx, req.VisitorSessionID):
		// An ended session keeps its terminal status.
	case vrec != nil && (vrec.Live() || vrec.Status.Pending()):
		o.setVisitorStatus(ctx, req.VisitorSessionID, ws, domain.StatusCurrentlyServed)
	default:
		o.persistVisitorStatus(ctx, req.VisitorSessionID, domain.StatusCurrentlyServed)
	}

	name := o.agentName(ctx, agentID, ws)
	o.hub.Emit(ctx, []string{agentChannel(ws, req.FromAgentID)}, ev.accepted, map[string]any{
		ev.idField:     req.ID,
		"roomId":       room.ID,
		"acceptedBy":   agentID,
		"acceptedName": name,
	})
	if req.Kind.IsTransfer() {
		o.hub.Emit(ctx, []string{roomChannel(room.ID), visitorChannel(req.VisitorSessionID)}, OutChatTransferred, map[string]any{
			"roomId":       room.ID,
			"fromAgentId":  req.FromAgentID,
			"toAgentId":    agentID,
			"toAgentName":  name,
			"departmentId": dept,
		})
	}
	if req.Kind.ToDepartment() {
		o.hub.Emit(ctx, []string{departmentChannel(ws, req.TargetDepartmentID)}, OutRequestResolved, map[string]any{
			ev.idField:   req.ID,
			"roomId":     room.ID,
			"outcome":    "accepted",
			"resolvedBy": agentID,
		})
	}

	hook := hooks.EventInvitationAccepted
	if req.Kind.IsTransfer() {
		hook = hooks.EventChatTransferred
	}
	o.emitHook(ctx, hook, ws, map[string]any{
		"requestId":    req.ID,
		"kind":         req.Kind,
		"roomId":       room.ID,
		"fromAgentId":  req.FromAgentID,
		"toAgentId":    agentID,
		"departmentId": req.TargetDepartmentID,
	})
	o.broadcastQueue(ctx, ws, dept)

	return map[string]any{ev.idField: req.ID, "roomId": room.ID, "status": "accepted", "join": joined}, nil
}

func (o *Orchestrator) rejectRequest(ctx context.Context, sess *Session, req *domain.TransferRequest, room *domain.Room, reason, agentID, ws string) (any, error) {
	ev := handoffs[req.Kind]

	revert := req.PreviousStatus
	if revert == "" || revert.Pending() || !revert.ValidFor(domain.ActorVisitor) || revert == domain.StatusAway {
		revert = domain.StatusCurrentlyServed
	}
	visitor := domain.VisitorIdentity(req.VisitorSessionID, ws)
	if vrec := o.tracker.Get(ctx, visitor); vrec != nil && vrec.Status.Pending() {
		o.setVisitorStatus(ctx, req.VisitorSessionID, ws, revert)
	} else if vrec == nil && !o.sessionEnded(ctx, req.VisitorSessionID) {
		o.persistVisitorStatus(ctx, req.VisitorSessionID, revert)
	}

	o.hub.Emit(ctx, []string{agentChannel(ws, req.FromAgentID)}, ev.rejected, map[string]any{
		ev.idField:   req.ID,
		"roomId":     room.ID,
		"rejectedBy": agentID,
		"reason":     reason,
	})
	if req.Kind.ToDepartment() {
		o.hub.Emit(ctx, []string{departmentChannel(ws, req.TargetDepartmentID)}, OutRequestResolved, map[string]any{
			ev.idField:   req.ID,
			"roomId":     room.ID,
			"outcome":    "rejected",
			"resolvedBy": agentID,
		})
	}
	o.broadcastQueue(ctx, ws, room.DepartmentID)

	return map[string]any{ev.idField: req.ID, "roomId": room.ID, "status": "rejected"}, nil
}
