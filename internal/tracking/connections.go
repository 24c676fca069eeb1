package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/logging"
)

// ConnectionTracker maps identities to their live sockets and, for agents,
// to the rooms joined through each socket.
//
// Store failures are logged and swallowed: reads degrade to "absent" and
// writes are dropped. Callers decide whether that matters.
type ConnectionTracker struct {
	store *Guard
	locks *keyedMutex
	log   *logging.Logger
	now   func() time.Time
}

// NewConnectionTracker creates a tracker over the guarded store.
func NewConnectionTracker(store *Guard, log *logging.Logger) *ConnectionTracker {
	return &ConnectionTracker{
		store: store,
		locks: newKeyedMutex(),
		log:   log,
		now:   time.Now,
	}
}

// SetClock replaces the time source used for LastUpdated.
func (t *ConnectionTracker) SetClock(now func() time.Time) { t.now = now }

// Removal describes the effect of RemoveConnection.
type Removal struct {
	Record *domain.Record
	// PreviousStatus is the status before the socket was removed.
	PreviousStatus domain.Status
	// Last is true when the removed socket was the identity's final one.
	Last bool
	// Rooms lists the rooms that were joined through the removed socket.
	Rooms []string
	// Orphaned lists rooms no remaining socket still holds. Empty when Last.
	Orphaned []string
}

// HasSession reports whether a record exists for id.
func (t *ConnectionTracker) HasSession(ctx context.Context, id domain.Identity) bool {
	ok, err := t.store.Exists(ctx, recordKey(id))
	if err != nil {
		t.log.Warn().Err(err).Str("identity", id.Key()).Msg("presence existence check failed")
		return false
	}
	return ok
}

// Get returns the record for id, or nil when it is absent, unreadable or the
// store is unavailable.
func (t *ConnectionTracker) Get(ctx context.Context, id domain.Identity) *domain.Record {
	return t.load(ctx, id)
}

func (t *ConnectionTracker) load(ctx context.Context, id domain.Identity) *domain.Record {
	raw, err := t.store.Get(ctx, recordKey(id))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			t.log.Warn().Err(err).Str("identity", id.Key()).Msg("presence read failed")
		}
		return nil
	}
	var rec domain.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.log.Error().Err(err).Str("identity", id.Key()).Msg("discarding unreadable presence record")
		return nil
	}
	return &rec
}

func (t *ConnectionTracker) save(ctx context.Context, rec *domain.Record) {
	rec.LastUpdated = t.now()
	data, err := json.Marshal(rec)
	if err != nil {
		t.log.Error().Err(err).Str("identity", rec.Identity.Key()).Msg("encoding presence record")
		return
	}
	if err := t.store.Set(ctx, recordKey(rec.Identity), string(data), 0); err != nil {
		t.log.Warn().Err(err).Str("identity", rec.Identity.Key()).Msg("presence write failed")
	}
}

func memberID(id domain.Identity) string {
	if id.IsAgent() {
		return id.AgentID
	}
	return id.SessionID
}

func (t *ConnectionTracker) index(ctx context.Context, id domain.Identity) {
	if err := t.store.HSet(ctx, indexKey(id.WorkspaceID, id.Actor), memberID(id), "1"); err != nil {
		t.log.Warn().Err(err).Str("identity", id.Key()).Msg("presence index write failed")
	}
}

// mutate runs fn on the stored record under the identity's lock and saves
// it when fn reports a change. A missing record yields nil.
func (t *ConnectionTracker) mutate(ctx context.Context, id domain.Identity, fn func(*domain.Record) bool) *domain.Record {
	unlock := t.locks.lock(id.Key())
	defer unlock()

	rec := t.load(ctx, id)
	if rec == nil {
		return nil
	}
	if fn(rec) {
		t.save(ctx, rec)
	}
	return rec
}

// AddConnection binds socketID to id, creating the record on first sight.
// A disengaged visitor (AWAY or IDLE) is promoted to ACTIVE; an agent's
// status is recomputed from its rooms.
func (t *ConnectionTracker) AddConnection(ctx context.Context, id domain.Identity, socketID, userID string) *domain.Record {
	unlock := t.locks.lock(id.Key())
	defer unlock()

	rec := t.load(ctx, id)
	created := rec == nil
	if created {
		rec = domain.NewRecord(id, userID, t.now())
	} else if userID != "" {
		rec.UserID = userID
	}
	rec.AddSocket(socketID)

	if id.IsAgent() {
		rec.Status = rec.AgentStatusFromRooms()
	} else if rec.Status.Disengaged() {
		rec.Status = domain.StatusActive
	}

	t.save(ctx, rec)
	if created {
		t.index(ctx, id)
	}
	return rec
}

// RemoveConnection unbinds socketID. When it was the last socket the status
// becomes AWAY (visitor) or OFFLINE (agent) but the record is kept until
// Delete. Returns nil when id has no record.
func (t *ConnectionTracker) RemoveConnection(ctx context.Context, id domain.Identity, socketID string) *Removal {
	unlock := t.locks.lock(id.Key())
	defer unlock()

	rec := t.load(ctx, id)
	if rec == nil {
		return nil
	}
	res := &Removal{Record: rec, PreviousStatus: rec.Status}
	if !rec.HasSocket(socketID) {
		return res
	}

	res.Rooms = append(res.Rooms, rec.SocketRooms[socketID]...)
	rec.RemoveSocket(socketID)

	if !rec.Live() {
		res.Last = true
		if id.IsAgent() {
			rec.Status = domain.StatusOffline
		} else {
			rec.Status = domain.StatusAway
		}
	} else {
		for _, room := range res.Rooms {
			if !rec.InRoom(room) {
				res.Orphaned = append(res.Orphaned, room)
			}
		}
		if id.IsAgent() {
			rec.Status = rec.AgentStatusFromRooms()
		}
	}

	t.save(ctx, rec)
	return res
}

// AddRoomToAgentSocket records roomID as joined through socketID and marks
// the agent BUSY. Idempotent. Returns nil when the agent has no record or
// the socket is not bound to it.
func (t *ConnectionTracker) AddRoomToAgentSocket(ctx context.Context, agentID, workspaceID, socketID, roomID string) *domain.Record {
	id := domain.AgentIdentity(agentID, workspaceID)
	var bound bool
	rec := t.mutate(ctx, id, func(r *domain.Record) bool {
		if !r.HasSocket(socketID) {
			return false
		}
		bound = true
		r.AddRoom(socketID, roomID)
		r.Status = r.AgentStatusFromRooms()
		return true
	})
	if rec != nil && !bound {
		t.log.Warn().Str("identity", id.Key()).Str("socket", socketID).Str("room", roomID).
			Msg("room join for a socket not bound to the agent")
		return nil
	}
	return rec
}

// RemoveRoomFromAgentSocket drops roomID from socketID. The room stays
// joined while another socket of the agent still holds it.
func (t *ConnectionTracker) RemoveRoomFromAgentSocket(ctx context.Context, agentID, workspaceID, socketID, roomID string) *domain.Record {
	return t.mutate(ctx, domain.AgentIdentity(agentID, workspaceID), func(r *domain.Record) bool {
		r.RemoveRoom(socketID, roomID)
		r.Status = r.AgentStatusFromRooms()
		return true
	})
}

// RemoveRoomFromAgent drops roomID from every socket of the agent.
func (t *ConnectionTracker) RemoveRoomFromAgent(ctx context.Context, agentID, workspaceID, roomID string) *domain.Record {
	return t.mutate(ctx, domain.AgentIdentity(agentID, workspaceID), func(r *domain.Record) bool {
		r.RemoveRoomEverywhere(roomID)
		r.Status = r.AgentStatusFromRooms()
		return true
	})
}

// IsAgentInRoom reports whether any socket of the agent has joined roomID.
func (t *ConnectionTracker) IsAgentInRoom(ctx context.Context, agentID, workspaceID, roomID string) bool {
	rec := t.load(ctx, domain.AgentIdentity(agentID, workspaceID))
	return rec != nil && rec.InRoom(roomID)
}

// IsAgentInRoomFromOtherSocket reports whether a socket other than socketID
// has joined roomID.
func (t *ConnectionTracker) IsAgentInRoomFromOtherSocket(ctx context.Context, agentID, workspaceID, roomID, socketID string) bool {
	rec := t.load(ctx, domain.AgentIdentity(agentID, workspaceID))
	return rec != nil && rec.InRoomFromOtherSocket(roomID, socketID)
}

// UpdateStatus overwrites the status of id. Statuses outside the actor's
// set are refused.
func (t *ConnectionTracker) UpdateStatus(ctx context.Context, id domain.Identity, status domain.Status) *domain.Record {
	if !status.ValidFor(id.Actor) {
		t.log.Warn().Str("identity", id.Key()).Str("status", string(status)).Msg("refusing status outside the actor's set")
		return nil
	}
	return t.mutate(ctx, id, func(r *domain.Record) bool {
		r.Status = status
		return true
	})
}

// UpdateSessionStatus overwrites a visitor session's status.
func (t *ConnectionTracker) UpdateSessionStatus(ctx context.Context, sessionID, workspaceID string, status domain.Status) *domain.Record {
	return t.UpdateStatus(ctx, domain.VisitorIdentity(sessionID, workspaceID), status)
}

// UpdateAgentStatus overwrites an agent's status.
func (t *ConnectionTracker) UpdateAgentStatus(ctx context.Context, agentID, workspaceID string, status domain.Status) *domain.Record {
	return t.UpdateStatus(ctx, domain.AgentIdentity(agentID, workspaceID), status)
}

// SetDepartment records the department a visitor is queued for.
func (t *ConnectionTracker) SetDepartment(ctx context.Context, id domain.Identity, departmentID string) *domain.Record {
	return t.mutate(ctx, id, func(r *domain.Record) bool {
		if r.DepartmentID == departmentID {
			return false
		}
		r.DepartmentID = departmentID
		return true
	})
}

// Retire moves id to a terminal status with no sockets or rooms. The record
// is kept for retention so queue snapshots can still show it, then expires.
func (t *ConnectionTracker) Retire(ctx context.Context, id domain.Identity, status domain.Status, retention time.Duration) *domain.Record {
	if !status.ValidFor(id.Actor) {
		return nil
	}
	unlock := t.locks.lock(id.Key())
	defer unlock()

	rec := t.load(ctx, id)
	if rec == nil {
		return nil
	}
	rec.Status = status
	rec.SocketIDs = []string{}
	rec.SocketRooms = nil
	rec.JoinedRooms = nil
	rec.LastUpdated = t.now()

	data, err := json.Marshal(rec)
	if err != nil {
		return rec
	}
	if err := t.store.Set(ctx, recordKey(id), string(data), retention); err != nil {
		t.log.Warn().Err(err).Str("identity", id.Key()).Msg("presence write failed")
	}
	return rec
}

// Delete removes the record of id and its workspace index entry.
func (t *ConnectionTracker) Delete(ctx context.Context, id domain.Identity) {
	unlock := t.locks.lock(id.Key())
	defer unlock()

	if err := t.store.Del(ctx, recordKey(id)); err != nil {
		t.log.Warn().Err(err).Str("identity", id.Key()).Msg("presence delete failed")
	}
	if err := t.store.HDel(ctx, indexKey(id.WorkspaceID, id.Actor), memberID(id)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		t.log.Warn().Err(err).Str("identity", id.Key()).Msg("presence index delete failed")
	}
}

// Visitors returns the visitor records of a workspace.
func (t *ConnectionTracker) Visitors(ctx context.Context, workspaceID string) []*domain.Record {
	return t.list(ctx, workspaceID, domain.ActorVisitor)
}

// Agents returns the agent records of a workspace.
func (t *ConnectionTracker) Agents(ctx context.Context, workspaceID string) []*domain.Record {
	return t.list(ctx, workspaceID, domain.ActorAgent)
}

func (t *ConnectionTracker) list(ctx context.Context, workspaceID string, actor domain.ActorType) []*domain.Record {
	key := indexKey(workspaceID, actor)
	members, err := t.store.HGetAll(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			t.log.Warn().Err(err).Str("workspace", workspaceID).Msg("presence index read failed")
		}
		return nil
	}

	var out []*domain.Record
	var stale []string
	for member := range members {
		id := domain.VisitorIdentity(member, workspaceID)
		if actor == domain.ActorAgent {
			id = domain.AgentIdentity(member, workspaceID)
		}
		if rec := t.load(ctx, id); rec != nil {
			out = append(out, rec)
		} else {
			stale = append(stale, member)
		}
	}
	if len(stale) > 0 {
		_ = t.store.HDel(ctx, key, stale...)
	}
	return out
}

// WriteMarker stores a disconnect marker for the marker's identity.
func (t *ConnectionTracker) WriteMarker(ctx context.Context, m *domain.DisconnectMarker, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, markerKey(m.Identity), string(data), ttl)
}

// ConsumeMarker atomically reads and deletes the disconnect marker of id.
// Exactly one of several concurrent callers receives it.
func (t *ConnectionTracker) ConsumeMarker(ctx context.Context, id domain.Identity) *domain.DisconnectMarker {
	raw, err := t.store.GetDel(ctx, markerKey(id))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			t.log.Warn().Err(err).Str("identity", id.Key()).Msg("disconnect marker read failed")
		}
		return nil
	}
	var m domain.DisconnectMarker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.log.Error().Err(err).Str("identity", id.Key()).Msg("discarding unreadable disconnect marker")
		return nil
	}
	return &m
}

// PeekMarker returns the pending disconnect marker of id without consuming it.
func (t *ConnectionTracker) PeekMarker(ctx context.Context, id domain.Identity) *domain.DisconnectMarker {
	raw, err := t.store.Get(ctx, markerKey(id))
	if err != nil {
		return nil
	}
	var m domain.DisconnectMarker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return &m
}

// HasMarker reports whether a disconnect marker is pending for id.
func (t *ConnectionTracker) HasMarker(ctx context.Context, id domain.Identity) bool {
	ok, err := t.store.Exists(ctx, markerKey(id))
	return err == nil && ok
}

// OpenRoom records that the agent has roomID open in its UI.
func (t *ConnectionTracker) OpenRoom(ctx context.Context, agentID, workspaceID, roomID string) {
	if err := t.store.HSet(ctx, openRoomsKey(agentID, workspaceID), roomID, t.now().Format(time.RFC3339Nano)); err != nil {
		t.log.Warn().Err(err).Str("agent", agentID).Str("room", roomID).Msg("open room write failed")
	}
}

// CloseRoom drops roomID from the agent's open rooms.
func (t *ConnectionTracker) CloseRoom(ctx context.Context, agentID, workspaceID, roomID string) {
	if err := t.store.HDel(ctx, openRoomsKey(agentID, workspaceID), roomID); err != nil && !errors.Is(err, kv.ErrNotFound) {
		t.log.Warn().Err(err).Str("agent", agentID).Str("room", roomID).Msg("open room delete failed")
	}
}

// OpenRooms lists the rooms the agent has open, sorted.
func (t *ConnectionTracker) OpenRooms(ctx context.Context, agentID, workspaceID string) []string {
	fields, err := t.store.HGetAll(ctx, openRoomsKey(agentID, workspaceID))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(fields))
	for room := range fields {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}
