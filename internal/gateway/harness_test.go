package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/livechat/internal/auth"
	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/logging"
	"github.com/soyeahso/livechat/internal/store"
	"github.com/soyeahso/livechat/internal/tracking"
)

const testSecret = "gateway-test-secret"

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// recorder is a Sender that keeps every frame it is given.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorder) Send(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) events(name string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, f := range r.frames {
		if f.Event != name {
			continue
		}
		var p map[string]any
		_ = json.Unmarshal(f.Payload, &p)
		out = append(out, p)
	}
	return out
}

func (r *recorder) last(name string) map[string]any {
	evs := r.events(name)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// manualScheduler holds deferred work until the test runs it.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*scheduledFunc
}

type scheduledFunc struct {
	fn      func()
	stopped bool
}

func (m *manualScheduler) AfterFunc(_ time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sf := &scheduledFunc{fn: fn}
	m.pending = append(m.pending, sf)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !sf.stopped
		sf.stopped = true
		return was
	}
}

func (m *manualScheduler) runAll() {
	m.mu.Lock()
	due := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, sf := range due {
		if !sf.stopped {
			sf.fn()
		}
	}
}

func (m *manualScheduler) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

type harness struct {
	t   *testing.T
	ctx context.Context
	now time.Time

	mem      *kv.MemoryStore
	dir      *store.SQLiteDirectory
	chats    *store.SQLiteChats
	content  *store.SQLiteContent
	tracker  *tracking.ConnectionTracker
	messages *tracking.MessageTracker
	requests *tracking.RequestStore
	hub      *Hub
	orch     *Orchestrator
	sched    *manualScheduler

	conns map[string]*recorder
}

// newHarness builds an orchestrator over an in-memory database seeded with
// one workspace:
//
//	d1 Sales   (active)   agents a1 Ann, a2 Bob
//	d2 Billing (active)   agent  a3 Cy
//	d3 Legal   (inactive) no agents
//	s1/vis-1, s2/vis-2    visitor sessions
func newHarness(t *testing.T) *harness {
	t.Helper()
	log := testLog()
	ctx := context.Background()

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := kv.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	guard := tracking.NewGuard(mem, nil)

	h := &harness{
		t:        t,
		ctx:      ctx,
		now:      time.Unix(1_750_000_000, 0),
		mem:      mem,
		dir:      store.NewSQLiteDirectory(db),
		chats:    store.NewSQLiteChats(db),
		content:  store.NewSQLiteContent(db),
		tracker:  tracking.NewConnectionTracker(guard, log),
		messages: tracking.NewMessageTracker(guard, log),
		requests: tracking.NewRequestStore(guard, 0),
		sched:    &manualScheduler{},
		conns:    make(map[string]*recorder),
	}
	clock := func() time.Time { return h.now }
	mem.SetClock(clock)
	h.tracker.SetClock(clock)
	h.messages.SetClock(clock)
	h.hub = NewHub("node-1", nil, "", log)

	h.orch = NewOrchestrator(Deps{
		Auth:      auth.NewService(auth.NewJWTVerifier(testSecret, ""), h.dir),
		Directory: h.dir,
		Chats:     h.chats,
		Content:   h.content,
		Tracker:   h.tracker,
		Messages:  h.messages,
		Requests:  h.requests,
		Hub:       h.hub,
	}, log, WithScheduler(h.sched), WithClock(clock), WithGracePeriod(DefaultGracePeriod))

	require.NoError(t, h.dir.CreateWorkspace(ctx, &domain.Workspace{ID: "w1", Name: "Acme", Active: true}))
	require.NoError(t, h.dir.CreateWorkspace(ctx, &domain.Workspace{ID: "w2", Name: "Other", Active: true}))
	for _, d := range []*domain.Department{
		{ID: "d1", WorkspaceID: "w1", Name: "Sales", Active: true},
		{ID: "d2", WorkspaceID: "w1", Name: "Billing", Active: true},
		{ID: "d3", WorkspaceID: "w1", Name: "Legal", Active: false},
	} {
		require.NoError(t, h.dir.CreateDepartment(ctx, d))
	}
	for _, a := range []*domain.Agent{
		{ID: "a1", WorkspaceID: "w1", Name: "Ann", Active: true, DepartmentIDs: []string{"d1"}},
		{ID: "a2", WorkspaceID: "w1", Name: "Bob", Active: true, DepartmentIDs: []string{"d1"}},
		{ID: "a3", WorkspaceID: "w1", Name: "Cy", Active: true, DepartmentIDs: []string{"d2"}},
	} {
		require.NoError(t, h.dir.CreateAgent(ctx, a))
	}
	for _, s := range []*domain.VisitorSession{
		{ID: "s1", VisitorID: "vis-1", WorkspaceID: "w1"},
		{ID: "s2", VisitorID: "vis-2", WorkspaceID: "w1"},
	} {
		require.NoError(t, h.dir.CreateVisitorSession(ctx, s))
	}
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) token(agentID, workspaceID string) string {
	h.t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID:      agentID,
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(h.t, err)
	return tok
}

// open authenticates creds and connects connID the way the server does.
func (h *harness) open(creds Credentials, connID string) (*Session, *Welcome, *Error) {
	sess, gerr := h.orch.Authenticate(h.ctx, creds, connID, "127.0.0.1:5000")
	if gerr != nil {
		return nil, nil, gerr
	}
	rec := &recorder{}
	h.conns[connID] = rec
	h.hub.Register(connID, rec)
	w, gerr := h.orch.Connect(h.ctx, sess)
	if gerr != nil {
		h.hub.Unregister(connID)
		return nil, nil, gerr
	}
	return sess, w, nil
}

func (h *harness) visitor(sessionID, visitorID, connID string) (*Session, *Welcome) {
	h.t.Helper()
	sess, w, gerr := h.open(Credentials{SessionID: sessionID, WorkspaceID: "w1", VisitorID: visitorID}, connID)
	require.Nil(h.t, gerr, "visitor connect: %v", gerr)
	return sess, w
}

func (h *harness) agent(agentID, connID string) (*Session, *Welcome) {
	h.t.Helper()
	sess, w, gerr := h.open(Credentials{Token: h.token(agentID, "w1")}, connID)
	require.Nil(h.t, gerr, "agent connect: %v", gerr)
	return sess, w
}

// drop closes a connection the way the server's read loop does.
func (h *harness) drop(sess *Session) {
	h.hub.Unregister(sess.ConnID)
	h.orch.Disconnect(h.ctx, sess)
}

func (h *harness) conn(connID string) *recorder { return h.conns[connID] }

// call runs event and returns its result decoded into a generic map.
func (h *harness) call(sess *Session, event string, params any) map[string]any {
	h.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(h.t, err)
	out, gerr := h.orch.Handle(h.ctx, sess, event, raw)
	require.Nil(h.t, gerr, "%s failed: %v", event, gerr)
	if out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	require.NoError(h.t, err)
	var m map[string]any
	require.NoError(h.t, json.Unmarshal(data, &m))
	return m
}

func (h *harness) fail(sess *Session, event string, params any) *Error {
	h.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(h.t, err)
	_, gerr := h.orch.Handle(h.ctx, sess, event, raw)
	require.NotNil(h.t, gerr, "%s should fail", event)
	return gerr
}

func (h *harness) status(id domain.Identity) domain.Status {
	rec := h.tracker.Get(h.ctx, id)
	if rec == nil {
		return ""
	}
	return rec.Status
}

func (h *harness) session(id string) *domain.VisitorSession {
	h.t.Helper()
	s, err := h.dir.GetVisitorSession(h.ctx, id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) room(id string) *domain.Room {
	h.t.Helper()
	r, err := h.chats.GetRoomByID(h.ctx, id)
	require.NoError(h.t, err)
	return r
}

var (
	visitorS1 = domain.VisitorIdentity("s1", "w1")
	agentA1   = domain.AgentIdentity("a1", "w1")
)
