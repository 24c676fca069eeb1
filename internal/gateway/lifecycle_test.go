package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/livechat/internal/domain"
)

// --- Authenticate tests ---

func TestAuthenticate_Visitor(t *testing.T) {
	h := newHarness(t)

	sess, gerr := h.orch.Authenticate(h.ctx, Credentials{SessionID: "s1", WorkspaceID: "w1", VisitorID: "vis-1"}, "c1", "10.0.0.1:1")
	require.Nil(t, gerr)
	assert.Equal(t, visitorS1, sess.Identity)
	assert.Equal(t, "vis-1", sess.UserID)
	assert.False(t, sess.IsAgent())
}

func TestAuthenticate_Agent(t *testing.T) {
	h := newHarness(t)

	sess, gerr := h.orch.Authenticate(h.ctx, Credentials{Token: h.token("a1", "w1")}, "c1", "")
	require.Nil(t, gerr)
	assert.Equal(t, agentA1, sess.Identity)
	require.NotNil(t, sess.Agent)
	assert.Equal(t, "Ann", sess.Agent.Name)
}

func TestAuthenticate_Rejections(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		creds Credentials
		typ   ErrorType
		code  string
	}{
		{"nothing", Credentials{}, AuthenticationError, CodeMissingCredentials},
		{"bad token", Credentials{Token: "nope"}, AuthenticationError, CodeInvalidToken},
		{"workspace mismatch", Credentials{Token: h.token("a1", "w1"), WorkspaceID: "w2"}, AuthenticationError, CodeInvalidToken},
		{"no workspace", Credentials{Token: h.token("a1", "")}, AuthenticationError, CodeInvalidToken},
		{"unknown agent", Credentials{Token: h.token("zz", "w1")}, AuthenticationError, CodeUnknownAgent},
		{"wrong visitor", Credentials{SessionID: "s1", WorkspaceID: "w1", VisitorID: "vis-2"}, AuthenticationError, CodeInvalidSession},
		{"unknown session", Credentials{SessionID: "s9", WorkspaceID: "w1", VisitorID: "v9"}, AuthenticationError, CodeInvalidSession},
		{"missing workspace", Credentials{SessionID: "s1", VisitorID: "vis-1"}, ValidationError, CodeInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, gerr := h.orch.Authenticate(h.ctx, tt.creds, "c1", "10.0.0.1:1")
			assert.Nil(t, sess)
			require.NotNil(t, gerr)
			assert.Equal(t, tt.typ, gerr.Type)
			assert.Equal(t, tt.code, gerr.Code)
			assert.True(t, gerr.Disconnect, "authentication failures always close the connection")
		})
	}
	assert.Equal(t, int64(len(tests)), h.orch.Stats().Snapshot().Rejected)
}

func TestAuthenticate_AgentWorkspaceFromCredentials(t *testing.T) {
	h := newHarness(t)

	sess, gerr := h.orch.Authenticate(h.ctx, Credentials{Token: h.token("a1", ""), WorkspaceID: "w1"}, "c1", "")
	require.Nil(t, gerr)
	assert.Equal(t, "w1", sess.Identity.WorkspaceID)
}

// --- Connect tests ---

func TestConnect_VisitorCreatesRoom(t *testing.T) {
	h := newHarness(t)

	_, w := h.visitor("s1", "vis-1", "c1")
	require.Len(t, w.Rooms, 1)
	assert.Equal(t, domain.StatusActive, w.Status)
	assert.False(t, w.Reconnected)
	assert.Equal(t, "node-1", w.Server.Node)

	channels := h.hub.Channels("c1")
	assert.Contains(t, channels, visitorChannel("s1"))
	assert.Contains(t, channels, roomChannel(w.Rooms[0]))

	// A second tab reuses the open room.
	_, w2 := h.visitor("s1", "vis-1", "c2")
	assert.Equal(t, w.Rooms, w2.Rooms)
	rec := h.tracker.Get(h.ctx, visitorS1)
	require.NotNil(t, rec)
	assert.ElementsMatch(t, []string{"c1", "c2"}, rec.SocketIDs)
}

func TestConnect_AgentBringsDepartmentOnline(t *testing.T) {
	h := newHarness(t)

	sess, w := h.agent("a1", "c1")
	assert.Equal(t, domain.StatusOnline, w.Status)
	assert.Contains(t, h.hub.Channels("c1"), departmentChannel("w1", "d1"))
	assert.Contains(t, h.hub.Channels("c1"), workspaceChannel("w1"))

	dept, err := h.dir.GetDepartment(h.ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepartmentOnline, dept.Status)
	assert.NotNil(t, h.conn("c1").last(OutDepartmentStatus))

	h.drop(sess)
	dept, _ = h.dir.GetDepartment(h.ctx, "d1")
	assert.Equal(t, domain.DepartmentOnline, dept.Status, "still online during the grace period")

	h.advance(DefaultGracePeriod + time.Second)
	h.sched.runAll()

	dept, _ = h.dir.GetDepartment(h.ctx, "d1")
	assert.Equal(t, domain.DepartmentOffline, dept.Status)
	assert.Equal(t, domain.StatusOffline, h.status(agentA1))
	assert.Equal(t, int64(1), h.orch.Stats().Snapshot().Expired)
}

func TestConnect_ReconnectWithinGrace(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, visitor *Session, roomID string)
		want  domain.Status
	}{
		{
			name:  "idle resumes active",
			setup: func(h *harness, v *Session, _ string) { h.call(v, EventVisitorIdle, nil) },
			want:  domain.StatusActive,
		},
		{
			name: "served stays served",
			setup: func(h *harness, _ *Session, roomID string) {
				a, _ := h.agent("a1", "ca")
				h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})
			},
			want: domain.StatusCurrentlyServed,
		},
		{
			name: "incoming stays incoming",
			setup: func(h *harness, v *Session, roomID string) {
				h.call(v, EventVisitorMessage, map[string]any{"roomId": roomID, "content": "hello?"})
			},
			want: domain.StatusIncoming,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			v, w := h.visitor("s1", "vis-1", "c1")
			tt.setup(h, v, w.Rooms[0])

			h.drop(v)
			assert.Equal(t, domain.StatusAway, h.status(visitorS1))

			h.advance(5 * time.Second)
			_, w2 := h.visitor("s1", "vis-1", "c2")
			assert.True(t, w2.Reconnected)
			assert.Equal(t, tt.want, w2.Status)
			assert.Equal(t, w.Rooms, w2.Rooms)

			// The grace check of the first socket finds nothing to do.
			h.advance(DefaultGracePeriod)
			h.sched.runAll()
			assert.Equal(t, tt.want, h.status(visitorS1))
			assert.Nil(t, h.session("s1").EndedAt)
			assert.Equal(t, int64(1), h.orch.Stats().Snapshot().Reconnects)
		})
	}
}

func TestConnect_RoomChangesDuringGrace(t *testing.T) {
	tests := []struct {
		name       string
		before     func(h *harness, visitor *Session, roomID string) *Session
		during     func(h *harness, agent *Session, roomID string)
		wantStored domain.Status
		want       domain.Status
		wantAgents []string
	}{
		{
			name:   "agent joins while visitor is away",
			before: func(h *harness, _ *Session, _ string) *Session {
				a, _ := h.agent("a1", "ca")
				return a
			},
			during: func(h *harness, a *Session, roomID string) {
				h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})
			},
			wantStored: domain.StatusCurrentlyServed,
			want:       domain.StatusCurrentlyServed,
			wantAgents: []string{"a1"},
		},
		{
			name: "agent joins an idle visitor while away",
			before: func(h *harness, v *Session, _ string) *Session {
				a, _ := h.agent("a1", "ca")
				h.call(v, EventVisitorIdle, nil)
				return a
			},
			during: func(h *harness, a *Session, roomID string) {
				h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})
			},
			wantStored: domain.StatusCurrentlyServed,
			want:       domain.StatusCurrentlyServed,
			wantAgents: []string{"a1"},
		},
		{
			name: "last agent leaves while visitor is away",
			before: func(h *harness, _ *Session, roomID string) *Session {
				a, _ := h.agent("a1", "ca")
				h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})
				return a
			},
			during: func(h *harness, a *Session, roomID string) {
				h.call(a, EventLeaveRoom, map[string]any{"roomId": roomID})
			},
			wantStored: domain.StatusActive,
			want:       domain.StatusActive,
			wantAgents: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			v, w := h.visitor("s1", "vis-1", "c1")
			roomID := w.Rooms[0]
			a := tt.before(h, v, roomID)

			h.drop(v)
			tt.during(h, a, roomID)
			assert.Equal(t, tt.wantStored, h.session("s1").Status)

			h.advance(5 * time.Second)
			_, w2 := h.visitor("s1", "vis-1", "c2")
			require.True(t, w2.Reconnected)
			assert.Equal(t, tt.want, w2.Status)
			assert.Equal(t, tt.want, h.status(visitorS1))
			assert.Equal(t, tt.want, h.session("s1").Status)
			assert.ElementsMatch(t, tt.wantAgents, h.room(roomID).AgentIDs)
		})
	}
}

func TestConnect_ReconnectDoesNotFlapPresence(t *testing.T) {
	h := newHarness(t)
	v, w := h.visitor("s1", "vis-1", "c1")
	a, _ := h.agent("a1", "ca")
	h.call(a, EventJoinRoom, map[string]any{"roomId": w.Rooms[0]})
	h.conn("ca").reset()

	h.drop(v)
	h.advance(2 * time.Second)
	h.visitor("s1", "vis-1", "c2")

	assert.Empty(t, h.conn("ca").events(OutParticipantDisconnected))
	assert.Empty(t, h.conn("ca").events(OutRoomLeft))
	assert.True(t, h.tracker.IsAgentInRoom(h.ctx, "a1", "w1", w.Rooms[0]))
}

func TestConnect_GraceExpiryFinalizesVisitor(t *testing.T) {
	h := newHarness(t)
	v, w := h.visitor("s1", "vis-1", "c1")
	roomID := w.Rooms[0]
	a, _ := h.agent("a1", "ca")
	h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})

	h.drop(v)
	require.Equal(t, 1, h.sched.len())
	h.advance(DefaultGracePeriod + time.Second)
	h.sched.runAll()

	assert.NotNil(t, h.session("s1").EndedAt)
	assert.Equal(t, domain.StatusAway, h.status(visitorS1))
	assert.False(t, h.tracker.IsAgentInRoom(h.ctx, "a1", "w1", roomID))
	assert.Equal(t, domain.StatusOnline, h.status(agentA1))

	left := h.conn("ca").last(OutRoomLeft)
	require.NotNil(t, left)
	assert.Equal(t, true, left["viewing"])
	assert.Contains(t, h.hub.Channels("ca"), viewerChannel(roomID))
	assert.NotContains(t, h.hub.Channels("ca"), roomChannel(roomID))
	assert.NotEmpty(t, h.conn("ca").events(OutParticipantDisconnected))

	// The ended session cannot come back.
	_, _, gerr := h.open(Credentials{SessionID: "s1", WorkspaceID: "w1", VisitorID: "vis-1"}, "c9")
	require.NotNil(t, gerr)
	assert.Equal(t, CodeInvalidSession, gerr.Code)
}

func TestConnect_StaleMarkerExpiresVisitor(t *testing.T) {
	h := newHarness(t)
	v, _ := h.visitor("s1", "vis-1", "c1")
	h.drop(v)

	// The grace timer never fires: its process is gone.
	h.advance(DefaultGracePeriod + 5*time.Second)

	_, _, gerr := h.open(Credentials{SessionID: "s1", WorkspaceID: "w1", VisitorID: "vis-1"}, "c2")
	require.NotNil(t, gerr)
	assert.Equal(t, AuthenticationError, gerr.Type)
	assert.Equal(t, CodeSessionExpired, gerr.Code)
	assert.NotNil(t, h.session("s1").EndedAt)
	assert.False(t, h.tracker.HasMarker(h.ctx, visitorS1))
}

func TestConnect_StaleMarkerAgentStartsFresh(t *testing.T) {
	h := newHarness(t)
	a, _ := h.agent("a1", "c1")
	h.drop(a)
	h.advance(DefaultGracePeriod + 5*time.Second)

	_, w := h.agent("a1", "c2")
	assert.False(t, w.Reconnected)
	assert.Equal(t, domain.StatusOnline, w.Status)
}

func TestConnect_OrphanVisitorRecordExpires(t *testing.T) {
	h := newHarness(t)
	h.visitor("s1", "vis-1", "c1")

	// The socket vanished without a marker being written.
	h.tracker.RemoveConnection(h.ctx, visitorS1, "c1")
	h.advance(DefaultGracePeriod + time.Second)

	_, _, gerr := h.open(Credentials{SessionID: "s1", WorkspaceID: "w1", VisitorID: "vis-1"}, "c2")
	require.NotNil(t, gerr)
	assert.Equal(t, CodeSessionExpired, gerr.Code)
}

func TestConnect_AgentReconnectRestoresRooms(t *testing.T) {
	h := newHarness(t)
	_, w := h.visitor("s1", "vis-1", "cv")
	roomID := w.Rooms[0]
	a, _ := h.agent("a1", "c1")
	h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})
	h.conn("cv").reset()

	h.drop(a)
	h.advance(3 * time.Second)
	_, w2 := h.agent("a1", "c2")

	assert.True(t, w2.Reconnected)
	assert.Equal(t, domain.StatusBusy, w2.Status)
	assert.Equal(t, []string{roomID}, w2.JoinedRooms)
	assert.Contains(t, w2.Rooms, roomID)
	assert.Contains(t, h.hub.Channels("c2"), roomChannel(roomID))
	assert.Empty(t, h.conn("cv").events(OutAgentLeft))

	h.advance(DefaultGracePeriod)
	h.sched.runAll()
	assert.True(t, h.tracker.IsAgentInRoom(h.ctx, "a1", "w1", roomID))
}

func TestDisconnect_AgentExpiryReleasesRooms(t *testing.T) {
	h := newHarness(t)
	_, w := h.visitor("s1", "vis-1", "cv")
	roomID := w.Rooms[0]
	a, _ := h.agent("a1", "c1")
	h.call(a, EventJoinRoom, map[string]any{"roomId": roomID})
	require.Equal(t, domain.StatusCurrentlyServed, h.status(visitorS1))

	h.drop(a)
	h.advance(DefaultGracePeriod + time.Second)
	h.sched.runAll()

	assert.NotEmpty(t, h.conn("cv").events(OutAgentLeft))
	assert.False(t, h.room(roomID).HasAgent("a1"))
	assert.Equal(t, domain.StatusActive, h.status(visitorS1), "an unattended visitor goes back to the queue")
}

func TestDisconnect_SecondSocketKeepsPresence(t *testing.T) {
	h := newHarness(t)
	_, w := h.visitor("s1", "vis-1", "cv")
	roomID := w.Rooms[0]
	a1, _ := h.agent("a1", "c1")
	a2, _ := h.agent("a1", "c2")

	h.call(a1, EventJoinRoom, map[string]any{"roomId": roomID})
	res := h.call(a2, EventJoinRoom, map[string]any{"roomId": roomID})
	assert.Equal(t, true, res["alreadyJoined"])

	h.drop(a1)
	assert.Zero(t, h.sched.len(), "no grace period while another socket is live")
	assert.True(t, h.tracker.IsAgentInRoom(h.ctx, "a1", "w1", roomID))
	assert.Equal(t, domain.StatusBusy, h.status(agentA1))
	assert.Empty(t, h.conn("cv").events(OutAgentLeft))
}

func TestConnect_VisitorSecondTabIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.agent("a1", "ca")
	_, w1 := h.visitor("s1", "vis-1", "cv1")
	assert.NotEmpty(t, h.conn("ca").events(OutQueueUpdated))
	h.conn("ca").reset()

	_, w2 := h.visitor("s1", "vis-1", "cv2")
	assert.False(t, w2.Reconnected)
	assert.Equal(t, w1.Rooms, w2.Rooms)
	assert.Empty(t, h.conn("ca").events(OutQueueUpdated))
	assert.Len(t, h.tracker.Get(h.ctx, visitorS1).SocketIDs, 2)
}

func TestDisconnect_OrphanedRoomIsReleased(t *testing.T) {
	h := newHarness(t)
	_, w := h.visitor("s1", "vis-1", "cv")
	roomID := w.Rooms[0]
	a1, _ := h.agent("a1", "c1")
	h.agent("a1", "c2")

	h.call(a1, EventJoinRoom, map[string]any{"roomId": roomID})
	h.drop(a1)

	assert.False(t, h.tracker.IsAgentInRoom(h.ctx, "a1", "w1", roomID))
	assert.Equal(t, domain.StatusOnline, h.status(agentA1))
	assert.NotEmpty(t, h.conn("cv").events(OutAgentLeft))
}
