package gateway

import (
	"context"
	"errors"
	"slices"

	"github.com/soyeahso/livechat/internal/auth"
	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/hooks"
	"github.com/soyeahso/livechat/internal/version"
)

// Authenticate validates creds and resolves them to a Session. Every
// failure carries Disconnect.
func (o *Orchestrator) Authenticate(ctx context.Context, creds Credentials, connID, remote string) (*Session, *Error) {
	sess, gerr := o.authenticate(ctx, creds, connID, remote)
	if gerr != nil {
		gerr.Disconnect = true
		o.stats.rejected.Add(1)
		o.log.Warn().
			Str("connId", connID).
			Str("remote", remote).
			Str("code", gerr.Code).
			Err(gerr.Unwrap()).
			Msg("connection rejected: " + gerr.Message)
		return nil, gerr
	}
	return sess, nil
}

func (o *Orchestrator) authenticate(ctx context.Context, creds Credentials, connID, remote string) (*Session, *Error) {
	if err := creds.Validate(); err != nil {
		return nil, asError(err)
	}
	sess := &Session{ConnID: connID, ConnectedAt: o.now(), RemoteAddr: remote}

	if creds.IsAgent() {
		claims, err := o.auth.VerifyAgentToken(creds.Token)
		if err != nil {
			return nil, authError(CodeInvalidToken, "invalid token")
		}
		workspaceID := claims.WorkspaceID
		if workspaceID == "" {
			workspaceID = creds.WorkspaceID
		}
		if workspaceID == "" {
			return nil, authError(CodeInvalidToken, "token carries no workspace")
		}
		if creds.WorkspaceID != "" && creds.WorkspaceID != workspaceID {
			return nil, authError(CodeInvalidToken, "workspace does not match token")
		}
		agent, err := o.auth.ValidateAgent(ctx, claims.UserID, workspaceID)
		if errors.Is(err, auth.ErrUnknownAgent) {
			return nil, authError(CodeUnknownAgent, "unknown or inactive agent")
		}
		if err != nil {
			return nil, systemError(err, "agent lookup failed")
		}
		sess.Identity = domain.AgentIdentity(agent.ID, workspaceID)
		sess.UserID = agent.ID
		sess.Agent = agent
		return sess, nil
	}

	ok, err := o.auth.ValidateVisitorSession(ctx, creds.SessionID, creds.VisitorID, creds.WorkspaceID)
	if err != nil {
		return nil, systemError(err, "session lookup failed")
	}
	if !ok {
		return nil, authError(CodeInvalidSession, "invalid or ended session")
	}
	sess.Identity = domain.VisitorIdentity(creds.SessionID, creds.WorkspaceID)
	sess.UserID = creds.VisitorID
	return sess, nil
}

// Connect registers an authenticated connection. A disconnect marker left
// by the same identity within the grace period turns it into a transparent
// reconnect: the recorded status is restored and no presence side effects
// are emitted.
func (o *Orchestrator) Connect(ctx context.Context, sess *Session) (*Welcome, *Error) {
	id := sess.Identity
	now := o.now()

	marker := o.tracker.ConsumeMarker(ctx, id)
	if marker != nil && marker.Stale(now, o.grace) {
		o.log.Info().Str("identity", id.Key()).Time("disconnectedAt", marker.DisconnectedAt).Msg("discarding stale disconnect marker")
		o.finalize(ctx, marker)
		marker = nil
		if !id.IsAgent() {
			o.stats.rejected.Add(1)
			return nil, authError(CodeSessionExpired, "session expired")
		}
	}
	if marker == nil && !id.IsAgent() {
		// A record left without sockets and without a marker belongs to a
		// process that died inside the grace window.
		if rec := o.tracker.Get(ctx, id); rec != nil && !rec.Live() && now.Sub(rec.LastUpdated) > o.grace {
			o.finalize(ctx, &domain.DisconnectMarker{
				Identity:       id,
				PreviousStatus: rec.Status,
				DisconnectedAt: rec.LastUpdated,
			})
			o.stats.rejected.Add(1)
			return nil, authError(CodeSessionExpired, "session expired")
		}
	}

	sess.Reconnected = marker != nil
	rec := o.tracker.AddConnection(ctx, id, sess.ConnID, sess.UserID)

	var (
		welcome *Welcome
		gerr    *Error
	)
	if id.IsAgent() {
		welcome, gerr = o.connectAgent(ctx, sess, rec, marker)
	} else {
		welcome, gerr = o.connectVisitor(ctx, sess, rec, marker)
	}
	if gerr != nil {
		o.tracker.RemoveConnection(ctx, id, sess.ConnID)
		return nil, gerr
	}

	o.stats.connected(sess.Reconnected)
	o.log.Info().
		Str("connId", sess.ConnID).
		Str("identity", id.Key()).
		Str("status", string(welcome.Status)).
		Bool("reconnected", sess.Reconnected).
		Msg("connected")
	return welcome, nil
}

func (o *Orchestrator) welcome(sess *Session, rec *domain.Record) *Welcome {
	return &Welcome{
		Protocol:    ProtocolVersion,
		ConnID:      sess.ConnID,
		Identity:    sess.Identity,
		Status:      rec.Status,
		Reconnected: sess.Reconnected,
		Rooms:       []string{},
		Agent:       sess.Agent,
		Server: ServerInfo{
			Version: version.Version,
			Commit:  version.Short(),
			Node:    o.hub.Node(),
		},
	}
}

func (o *Orchestrator) connectVisitor(ctx context.Context, sess *Session, rec *domain.Record, marker *domain.DisconnectMarker) (*Welcome, *Error) {
	id := sess.Identity
	session, err := o.dir.GetVisitorSession(ctx, id.SessionID)
	if err != nil {
		return nil, systemError(err, "loading visitor session")
	}
	rooms, err := o.chats.GetVisitorActiveRooms(ctx, id.SessionID)
	if err != nil {
		return nil, systemError(err, "loading visitor rooms")
	}
	if len(rooms) == 0 {
		room, err := o.chats.CreateChatRoom(ctx, session)
		if err != nil {
			return nil, systemError(err, "creating chat room")
		}
		rooms = append(rooms, room)
	}

	if marker != nil {
		restored := reconcileServed(marker.RestoredStatus(), rooms)
		if rec.Status != restored {
			if r := o.tracker.UpdateStatus(ctx, id, restored); r != nil {
				rec = r
			}
		}
		if restored != marker.PreviousStatus || restored != session.Status {
			o.persistVisitorStatus(ctx, id.SessionID, restored)
			o.broadcastQueue(ctx, id.WorkspaceID, rec.DepartmentID)
		}
	}

	o.hub.Join(ctx, sess.ConnID, visitorChannel(id.SessionID))
	w := o.welcome(sess, rec)
	for _, room := range rooms {
		o.hub.Join(ctx, sess.ConnID, roomChannel(room.ID))
		w.Rooms = append(w.Rooms, room.ID)
	}

	if marker == nil {
		if session.DepartmentID != "" && rec.DepartmentID != session.DepartmentID {
			if r := o.tracker.SetDepartment(ctx, id, session.DepartmentID); r != nil {
				rec = r
			}
		}
		if len(rec.SocketIDs) == 1 {
			o.emitHook(ctx, hooks.EventVisitorConnected, id.WorkspaceID, map[string]any{
				"sessionId": id.SessionID,
				"visitorId": sess.UserID,
				"rooms":     w.Rooms,
			})
			o.broadcastQueue(ctx, id.WorkspaceID, rec.DepartmentID)
		}
	}
	w.Status = rec.Status
	return w, nil
}

// reconcileServed aligns a restored visitor status with the agents that
// joined or left the visitor's rooms during the grace period. Pending
// overlays are left to the transfer workflow.
func reconcileServed(status domain.Status, rooms []*domain.Room) domain.Status {
	if status.Pending() {
		return status
	}
	served := false
	for _, room := range rooms {
		if !room.Closed() && len(room.AgentIDs) > 0 {
			served = true
			break
		}
	}
	switch {
	case served:
		return domain.StatusCurrentlyServed
	case status == domain.StatusCurrentlyServed:
		return domain.StatusActive
	}
	return status
}

func (o *Orchestrator) connectAgent(ctx context.Context, sess *Session, rec *domain.Record, marker *domain.DisconnectMarker) (*Welcome, *Error) {
	id := sess.Identity
	agentID, ws := id.AgentID, id.WorkspaceID

	if marker != nil {
		for _, roomID := range marker.Rooms {
			room, err := o.chats.GetRoomByID(ctx, roomID)
			if err != nil || room.Closed() || room.WorkspaceID != ws {
				continue
			}
			if r := o.tracker.AddRoomToAgentSocket(ctx, agentID, ws, sess.ConnID, roomID); r != nil {
				rec = r
				o.hub.Join(ctx, sess.ConnID, roomChannel(roomID))
			}
		}
	}

	o.hub.Join(ctx, sess.ConnID, agentChannel(ws, agentID))
	o.hub.Join(ctx, sess.ConnID, workspaceChannel(ws))
	if sess.Agent != nil {
		for _, dept := range sess.Agent.DepartmentIDs {
			o.hub.Join(ctx, sess.ConnID, departmentChannel(ws, dept))
		}
	}
	open := o.tracker.OpenRooms(ctx, agentID, ws)
	for _, roomID := range open {
		o.hub.Join(ctx, sess.ConnID, viewerChannel(roomID))
	}

	w := o.welcome(sess, rec)
	w.OpenRooms = open
	w.JoinedRooms = slices.Clone(rec.SocketRooms[sess.ConnID])
	assigned, err := o.chats.GetAgentActiveRooms(ctx, agentID, ws)
	if err != nil {
		o.log.Warn().Err(err).Str("agent", agentID).Msg("loading assigned rooms failed")
	}
	for _, room := range assigned {
		w.Rooms = append(w.Rooms, room.ID)
	}

	if marker == nil && len(rec.SocketIDs) == 1 {
		o.emitHook(ctx, hooks.EventAgentOnline, ws, map[string]any{"agentId": agentID})
		o.refreshDepartments(ctx, ws, agentDepartments(sess.Agent))
		o.emitAgentStatus(ctx, rec)
	}
	return w, nil
}

// Disconnect unbinds a closed connection. Dropping the last socket of an
// identity starts the grace period instead of tearing presence down.
func (o *Orchestrator) Disconnect(ctx context.Context, sess *Session) {
	o.stats.disconnected()
	id := sess.Identity

	rm := o.tracker.RemoveConnection(ctx, id, sess.ConnID)
	if rm == nil {
		return
	}
	if !rm.Last {
		for _, roomID := range rm.Orphaned {
			o.releaseRoom(ctx, id.AgentID, id.WorkspaceID, roomID, "disconnected")
		}
		if id.IsAgent() {
			o.emitAgentStatus(ctx, o.tracker.Get(ctx, id))
		}
		return
	}

	marker := &domain.DisconnectMarker{
		Identity:       id,
		PreviousStatus: rm.PreviousStatus,
		Rooms:          rm.Rooms,
		SocketID:       sess.ConnID,
		DisconnectedAt: o.now(),
	}
	if err := o.tracker.WriteMarker(ctx, marker, o.markerTTL); err != nil {
		o.log.Warn().Err(err).Str("identity", id.Key()).Msg("disconnect marker not written, finalizing now")
		o.finalize(ctx, marker)
		return
	}
	o.sched.AfterFunc(o.grace, func() {
		o.expire(context.WithoutCancel(ctx), id, sess.ConnID)
	})
	o.log.Debug().Str("identity", id.Key()).Dur("grace", o.grace).Msg("last connection closed, grace period started")
}

// expire runs when the grace period of socketID's disconnect ends.
func (o *Orchestrator) expire(ctx context.Context, id domain.Identity, socketID string) {
	if m := o.tracker.PeekMarker(ctx, id); m == nil || m.SocketID != socketID {
		return
	}
	m := o.tracker.ConsumeMarker(ctx, id)
	if m == nil {
		return
	}
	if m.SocketID != socketID {
		// Another disconnect replaced the marker after the peek.
		if err := o.tracker.WriteMarker(ctx, m, o.markerTTL); err != nil {
			o.log.Warn().Err(err).Str("identity", id.Key()).Msg("restoring disconnect marker failed")
		}
		return
	}
	if rec := o.tracker.Get(ctx, id); rec != nil && rec.Live() {
		return
	}
	o.finalize(ctx, m)
	o.stats.expired.Add(1)
}

// finalize is the definitive departure of an identity.
func (o *Orchestrator) finalize(ctx context.Context, m *domain.DisconnectMarker) {
	id := m.Identity
	if id.IsAgent() {
		o.finalizeAgent(ctx, m)
	} else {
		o.finalizeVisitor(ctx, m)
	}
	o.log.Info().Str("identity", id.Key()).Str("previousStatus", string(m.PreviousStatus)).Msg("presence ended")
}

func (o *Orchestrator) finalizeVisitor(ctx context.Context, m *domain.DisconnectMarker) {
	id := m.Identity
	ws := id.WorkspaceID

	rooms, err := o.chats.GetVisitorActiveRooms(ctx, id.SessionID)
	if err != nil {
		o.log.Warn().Err(err).Str("session", id.SessionID).Msg("loading visitor rooms failed")
	}
	for _, room := range rooms {
		o.hub.Emit(ctx, []string{roomChannel(room.ID), viewerChannel(room.ID)}, OutParticipantDisconnected, map[string]any{
			"roomId":    room.ID,
			"actor":     domain.ActorVisitor,
			"sessionId": id.SessionID,
		})
		for _, agentID := range room.AgentIDs {
			o.forceViewer(ctx, agentID, ws, room.ID)
		}
	}

	if err := o.dir.EndVisitorSession(ctx, id.SessionID, o.now()); err != nil {
		o.log.Warn().Err(err).Str("session", id.SessionID).Msg("ending visitor session failed")
	}
	o.persistVisitorStatus(ctx, id.SessionID, domain.StatusAway)
	rec := o.tracker.Retire(ctx, id, domain.StatusAway, o.markerTTL)
	o.emitHook(ctx, hooks.EventVisitorDisconnected, ws, map[string]any{
		"sessionId":      id.SessionID,
		"previousStatus": m.PreviousStatus,
	})
	dept := ""
	if rec != nil {
		dept = rec.DepartmentID
	}
	o.broadcastQueue(ctx, ws, dept)
}

// forceViewer moves a joined agent to viewing mode after the room's
// visitor left for good.
func (o *Orchestrator) forceViewer(ctx context.Context, agentID, workspaceID, roomID string) {
	var sockets []string
	if rec := o.tracker.Get(ctx, domain.AgentIdentity(agentID, workspaceID)); rec != nil {
		sockets = rec.SocketIDs
	}
	rec := o.tracker.RemoveRoomFromAgent(ctx, agentID, workspaceID, roomID)
	for _, socketID := range sockets {
		o.hub.Leave(ctx, socketID, roomChannel(roomID))
		o.hub.Join(ctx, socketID, viewerChannel(roomID))
	}
	if err := o.chats.RemoveAgentFromRoom(ctx, roomID, agentID); err != nil {
		o.log.Warn().Err(err).Str("room", roomID).Str("agent", agentID).Msg("removing agent from room failed")
	}
	o.hub.Emit(ctx, []string{agentChannel(workspaceID, agentID)}, OutRoomLeft, map[string]any{
		"roomId":  roomID,
		"reason":  "visitor-disconnected",
		"viewing": true,
	})
	o.emitAgentStatus(ctx, rec)
}

func (o *Orchestrator) finalizeAgent(ctx context.Context, m *domain.DisconnectMarker) {
	id := m.Identity
	ws := id.WorkspaceID

	for _, roomID := range m.Rooms {
		o.hub.Emit(ctx, []string{roomChannel(roomID), viewerChannel(roomID)}, OutParticipantDisconnected, map[string]any{
			"roomId":  roomID,
			"actor":   domain.ActorAgent,
			"agentId": id.AgentID,
		})
		o.releaseRoom(ctx, id.AgentID, ws, roomID, "disconnected")
	}
	rec := o.tracker.Retire(ctx, id, domain.StatusOffline, o.markerTTL)
	o.emitHook(ctx, hooks.EventAgentOffline, ws, map[string]any{"agentId": id.AgentID})

	agent, err := o.dir.GetAgent(ctx, id.AgentID, ws)
	if err == nil {
		o.refreshDepartments(ctx, ws, agentDepartments(agent))
	}
	o.emitAgentStatus(ctx, rec)
}

func agentDepartments(a *domain.Agent) []string {
	if a == nil {
		return nil
	}
	return a.DepartmentIDs
}

// refreshDepartments recomputes the online state of each department: online
// while any of its agents has a live connection.
func (o *Orchestrator) refreshDepartments(ctx context.Context, workspaceID string, departmentIDs []string) {
	for _, deptID := range departmentIDs {
		dept, err := o.dir.GetDepartment(ctx, deptID)
		if err != nil {
			continue
		}
		agentIDs, err := o.dir.DepartmentAgentIDs(ctx, deptID)
		if err != nil {
			o.log.Warn().Err(err).Str("department", deptID).Msg("listing department agents failed")
			continue
		}
		status := domain.DepartmentOffline
		for _, agentID := range agentIDs {
			if rec := o.tracker.Get(ctx, domain.AgentIdentity(agentID, workspaceID)); rec != nil && rec.Live() {
				status = domain.DepartmentOnline
				break
			}
		}
		if dept.Status == status {
			continue
		}
		if err := o.dir.UpdateDepartmentStatus(ctx, deptID, status); err != nil {
			o.log.Warn().Err(err).Str("department", deptID).Msg("updating department status failed")
			continue
		}
		data := map[string]any{"departmentId": deptID, "status": status}
		o.hub.Emit(ctx, []string{workspaceChannel(workspaceID)}, OutDepartmentStatus, data)
		o.emitHook(ctx, hooks.EventDepartmentStatus, workspaceID, data)
	}
}

func (o *Orchestrator) persistVisitorStatus(ctx context.Context, sessionID string, status domain.Status) {
	if err := o.dir.UpdateVisitorSessionStatus(ctx, sessionID, status); err != nil {
		o.log.Warn().Err(err).Str("session", sessionID).Msg("persisting visitor status failed")
	}
}
