// Package domain holds the presence, routing and chat types shared by the
// tracking services, the data store and the gateway.
package domain

import (
	"slices"
	"time"
)

// ActorType distinguishes the two kinds of connected party.
type ActorType string

const (
	ActorVisitor ActorType = "visitor"
	ActorAgent   ActorType = "agent"
)

// Status is the logical presence status of an identity. Visitors and agents
// use disjoint value sets.
type Status string

// Visitor statuses.
const (
	StatusActive          Status = "ACTIVE"
	StatusIdle            Status = "IDLE"
	StatusAway            Status = "AWAY"
	StatusIncoming        Status = "INCOMING"
	StatusCurrentlyServed Status = "CURRENTLY_SERVED"
	StatusPendingTransfer Status = "PENDING_TRANSFER"
	StatusPendingInvite   Status = "PENDING_INVITE"
)

// Agent statuses.
const (
	StatusOnline  Status = "ONLINE"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// ValidFor reports whether s belongs to the actor's status set.
func (s Status) ValidFor(actor ActorType) bool {
	switch actor {
	case ActorVisitor:
		switch s {
		case StatusActive, StatusIdle, StatusAway, StatusIncoming,
			StatusCurrentlyServed, StatusPendingTransfer, StatusPendingInvite:
			return true
		}
	case ActorAgent:
		switch s {
		case StatusOnline, StatusBusy, StatusOffline:
			return true
		}
	}
	return false
}

// Pending reports whether s is a transfer or invitation overlay.
func (s Status) Pending() bool {
	return s == StatusPendingTransfer || s == StatusPendingInvite
}

// Disengaged reports whether a reconnect from s escalates to the engaged default.
func (s Status) Disengaged() bool {
	return s == StatusAway || s == StatusIdle
}

// Identity is the logical actor presence is tracked against: a visitor
// session or an (agent, workspace) pair.
type Identity struct {
	Actor       ActorType `json:"actor"`
	SessionID   string    `json:"sessionId,omitempty"`
	AgentID     string    `json:"agentId,omitempty"`
	WorkspaceID string    `json:"workspaceId"`
}

// VisitorIdentity identifies a visitor session.
func VisitorIdentity(sessionID, workspaceID string) Identity {
	return Identity{Actor: ActorVisitor, SessionID: sessionID, WorkspaceID: workspaceID}
}

// AgentIdentity identifies an agent within a workspace.
func AgentIdentity(agentID, workspaceID string) Identity {
	return Identity{Actor: ActorAgent, AgentID: agentID, WorkspaceID: workspaceID}
}

// IsAgent reports whether the identity is an agent.
func (i Identity) IsAgent() bool { return i.Actor == ActorAgent }

// Key is the canonical store key fragment for the identity.
func (i Identity) Key() string {
	if i.IsAgent() {
		return "agent:" + i.WorkspaceID + ":" + i.AgentID
	}
	return "visitor:" + i.SessionID
}

// RecipientID names the identity inside tracked-message recipient sets.
func (i Identity) RecipientID() string {
	if i.IsAgent() {
		return AgentRecipient(i.AgentID)
	}
	return VisitorRecipient(i.SessionID)
}

// AgentRecipient returns the recipient id used for an agent.
func AgentRecipient(agentID string) string { return "agent:" + agentID }

// VisitorRecipient returns the recipient id used for a visitor session.
func VisitorRecipient(sessionID string) string { return "visitor:" + sessionID }

func (i Identity) String() string { return i.Key() }

// Record is the session connection record: the live physical connections of
// one identity and, for agents, the rooms joined through each of them.
//
// JoinedRooms is always the union of the SocketRooms values.
type Record struct {
	Identity     Identity            `json:"identity"`
	UserID       string              `json:"userId,omitempty"`
	DepartmentID string              `json:"departmentId,omitempty"`
	SocketIDs    []string            `json:"socketIds"`
	Status       Status              `json:"status"`
	LastUpdated  time.Time           `json:"lastUpdated"`
	JoinedRooms  []string            `json:"joinedRooms,omitempty"`
	SocketRooms  map[string][]string `json:"socketRooms,omitempty"`
}

// NewRecord creates a record with the actor's engaged default status.
func NewRecord(id Identity, userID string, now time.Time) *Record {
	status := StatusActive
	if id.IsAgent() {
		status = StatusOnline
	}
	return &Record{
		Identity:    id,
		UserID:      userID,
		SocketIDs:   []string{},
		Status:      status,
		LastUpdated: now,
	}
}

// Live reports whether any physical connection is bound to the identity.
func (r *Record) Live() bool { return len(r.SocketIDs) > 0 }

// HasSocket reports whether socketID is bound to the identity.
func (r *Record) HasSocket(socketID string) bool {
	return slices.Contains(r.SocketIDs, socketID)
}

// AddSocket binds socketID; adding an existing socket is a no-op.
func (r *Record) AddSocket(socketID string) {
	if !r.HasSocket(socketID) {
		r.SocketIDs = append(r.SocketIDs, socketID)
	}
}

// RemoveSocket unbinds socketID and drops the rooms joined through it.
// It reports whether the socket was bound.
func (r *Record) RemoveSocket(socketID string) bool {
	idx := slices.Index(r.SocketIDs, socketID)
	if idx < 0 {
		return false
	}
	r.SocketIDs = slices.Delete(r.SocketIDs, idx, idx+1)
	if r.SocketRooms != nil {
		delete(r.SocketRooms, socketID)
		r.rebuildJoined()
	}
	return true
}

// InRoom reports whether any socket of the identity has joined roomID.
func (r *Record) InRoom(roomID string) bool {
	return slices.Contains(r.JoinedRooms, roomID)
}

// InRoomFromOtherSocket reports whether a socket other than socketID has joined roomID.
func (r *Record) InRoomFromOtherSocket(roomID, socketID string) bool {
	for sid, rooms := range r.SocketRooms {
		if sid != socketID && slices.Contains(rooms, roomID) {
			return true
		}
	}
	return false
}

// AddRoom records roomID as joined through socketID. Idempotent.
func (r *Record) AddRoom(socketID, roomID string) {
	if r.SocketRooms == nil {
		r.SocketRooms = make(map[string][]string)
	}
	if !slices.Contains(r.SocketRooms[socketID], roomID) {
		r.SocketRooms[socketID] = append(r.SocketRooms[socketID], roomID)
	}
	r.rebuildJoined()
}

// RemoveRoom drops roomID from socketID. The room leaves JoinedRooms only
// when no other socket still lists it.
func (r *Record) RemoveRoom(socketID, roomID string) {
	if rooms, ok := r.SocketRooms[socketID]; ok {
		rooms = slices.DeleteFunc(rooms, func(id string) bool { return id == roomID })
		if len(rooms) == 0 {
			delete(r.SocketRooms, socketID)
		} else {
			r.SocketRooms[socketID] = rooms
		}
	}
	r.rebuildJoined()
}

// RemoveRoomEverywhere drops roomID from every socket.
func (r *Record) RemoveRoomEverywhere(roomID string) {
	for sid := range r.SocketRooms {
		r.RemoveRoom(sid, roomID)
	}
	r.rebuildJoined()
}

func (r *Record) rebuildJoined() {
	var joined []string
	for _, rooms := range r.SocketRooms {
		for _, id := range rooms {
			if !slices.Contains(joined, id) {
				joined = append(joined, id)
			}
		}
	}
	slices.Sort(joined)
	r.JoinedRooms = joined
}

// AgentStatusFromRooms returns BUSY when any room is joined, ONLINE otherwise,
// and OFFLINE when no socket is live.
func (r *Record) AgentStatusFromRooms() Status {
	switch {
	case !r.Live():
		return StatusOffline
	case len(r.JoinedRooms) > 0:
		return StatusBusy
	default:
		return StatusOnline
	}
}

// DisconnectMarker is written when an identity's last socket drops and
// consumed by whichever comes first: a reconnect or the grace-period check.
type DisconnectMarker struct {
	Identity       Identity  `json:"identity"`
	PreviousStatus Status    `json:"previousStatus"`
	Rooms          []string  `json:"rooms,omitempty"`
	SocketID       string    `json:"socketId"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
}

// Stale reports whether the marker outlived the grace window that should
// have consumed it, e.g. because the owning process restarted.
func (m *DisconnectMarker) Stale(now time.Time, grace time.Duration) bool {
	return now.Sub(m.DisconnectedAt) > grace
}

// RestoredStatus is the status a reconnect within the grace period resumes.
// IDLE is promoted to ACTIVE; every other status is restored as recorded.
func (m *DisconnectMarker) RestoredStatus() Status {
	if m.PreviousStatus == StatusIdle {
		return StatusActive
	}
	return m.PreviousStatus
}
