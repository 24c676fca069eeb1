package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/livechat/internal/auth"
	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/hooks"
	"github.com/soyeahso/livechat/internal/logging"
	"github.com/soyeahso/livechat/internal/store"
	"github.com/soyeahso/livechat/internal/tracking"
)

// DefaultGracePeriod is how long a dropped identity may reconnect before it
// is treated as gone.
const DefaultGracePeriod = 15 * time.Second

// Authenticator verifies agent tokens and visitor sessions.
type Authenticator interface {
	VerifyAgentToken(token string) (*auth.Claims, error)
	ValidateAgent(ctx context.Context, userID, workspaceID string) (*domain.Agent, error)
	ValidateVisitorSession(ctx context.Context, sessionID, visitorID, workspaceID string) (bool, error)
}

// Directory is the workspace, department, agent and visitor-session data
// the orchestrator reads and updates.
type Directory interface {
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	GetDepartment(ctx context.Context, id string) (*domain.Department, error)
	UpdateDepartmentStatus(ctx context.Context, id string, status domain.DepartmentStatus) error
	DepartmentAgentIDs(ctx context.Context, departmentID string) ([]string, error)
	GetAgent(ctx context.Context, userID, workspaceID string) (*domain.Agent, error)
	GetVisitorSession(ctx context.Context, id string) (*domain.VisitorSession, error)
	EndVisitorSession(ctx context.Context, id string, at time.Time) error
	UpdateVisitorSessionStatus(ctx context.Context, id string, status domain.Status) error
	SetSessionDepartment(ctx context.Context, id, departmentID string) error
	IdentifyVisitor(ctx context.Context, id, name, email, phone string) (*domain.VisitorSession, error)
}

// ChatStore is the room and message data service.
type ChatStore interface {
	CreateChatRoom(ctx context.Context, session *domain.VisitorSession) (*domain.Room, error)
	GetRoomByID(ctx context.Context, id string) (*domain.Room, error)
	GetVisitorActiveRooms(ctx context.Context, sessionID string) ([]*domain.Room, error)
	GetAgentActiveRooms(ctx context.Context, agentID, workspaceID string) ([]*domain.Room, error)
	AddAgentToRoom(ctx context.Context, roomID, agentID string) error
	RemoveAgentFromRoom(ctx context.Context, roomID, agentID string) error
	SetRoomDepartment(ctx context.Context, roomID, departmentID string) error
	CloseRoom(ctx context.Context, roomID string) error
	AssignTag(ctx context.Context, roomID, tag string) error
	UnassignTag(ctx context.Context, roomID, tag string) error
	CreateMessage(ctx context.Context, m *domain.Message) (*domain.Message, error)
	CreateFileMessage(ctx context.Context, m *domain.Message) (*domain.Message, error)
	MarkMessagesAsRead(ctx context.Context, roomID string, messageIDs []string) (int, error)
	MarkMessageAsDelivered(ctx context.Context, messageID string) error
	GetMessages(ctx context.Context, roomID, before string, limit int) (*store.MessagePage, error)
	GetPastChats(ctx context.Context, workspaceID, visitorID string, limit int) ([]*domain.PastChat, error)
}

// ContentStore holds canned responses, page views and post-chat forms.
type ContentStore interface {
	GetCannedResponse(ctx context.Context, workspaceID, idOrShortcut string) (*domain.CannedResponse, error)
	RecordPageView(ctx context.Context, pv *domain.PageView) error
	SavePostChatForm(ctx context.Context, f *domain.PostChatForm) error
}

// Deps are the collaborators an Orchestrator needs. All are required.
type Deps struct {
	Auth      Authenticator
	Directory Directory
	Chats     ChatStore
	Content   ContentStore
	Tracker   *tracking.ConnectionTracker
	Messages  *tracking.MessageTracker
	Requests  *tracking.RequestStore
	Hub       *Hub
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGracePeriod sets the reconnect grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithMarkerTTL sets how long disconnect markers and retired presence
// records live in the store.
func WithMarkerTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.markerTTL = d }
}

// WithScheduler replaces the timer used for grace-period checks.
func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) { o.sched = s }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithHooks sets the lifecycle hook manager.
func WithHooks(m *hooks.Manager) Option {
	return func(o *Orchestrator) { o.hooks = m }
}

// Orchestrator implements the connection lifecycle and the inbound event
// catalog on top of the trackers, the data services and the hub.
type Orchestrator struct {
	auth     Authenticator
	dir      Directory
	chats    ChatStore
	content  ContentStore
	tracker  *tracking.ConnectionTracker
	messages *tracking.MessageTracker
	requests *tracking.RequestStore
	hub      *Hub
	hooks    *hooks.Manager

	sched     Scheduler
	grace     time.Duration
	markerTTL time.Duration
	now       func() time.Time
	stats     Stats
	log       *logging.Logger

	routes map[string]route
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, log *logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		auth:     deps.Auth,
		dir:      deps.Directory,
		chats:    deps.Chats,
		content:  deps.Content,
		tracker:  deps.Tracker,
		messages: deps.Messages,
		requests: deps.Requests,
		hub:      deps.Hub,
		sched:    timerScheduler{},
		grace:    DefaultGracePeriod,
		now:      time.Now,
		log:      log.Sub("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.markerTTL == 0 {
		o.markerTTL = 8 * o.grace
	}
	o.registerRoutes()
	return o
}

// Stats returns the process-local connection counters.
func (o *Orchestrator) Stats() *Stats { return &o.stats }

// Events returns the inbound event names the orchestrator handles.
func (o *Orchestrator) Events() []string {
	names := make([]string, 0, len(o.routes))
	for name := range o.routes {
		names = append(names, name)
	}
	return names
}

// Session is the authenticated context of one physical connection.
type Session struct {
	ConnID   string
	Identity domain.Identity
	// UserID is the agent id or the visitor id.
	UserID      string
	Agent       *domain.Agent
	Reconnected bool
	ConnectedAt time.Time
	RemoteAddr  string

	ended bool
}

// IsAgent reports whether the session belongs to an agent.
func (s *Session) IsAgent() bool { return s.Identity.IsAgent() }

// Ended reports whether the visitor ended the session on this connection.
func (s *Session) Ended() bool { return s.ended }

func (o *Orchestrator) registerRoutes() {
	visitor, agent := domain.ActorVisitor, domain.ActorAgent
	o.routes = map[string]route{
		EventJoinRoom:         {agent, handle(o.joinRoom)},
		EventLeaveRoom:        {agent, handle(o.leaveRoom)},
		EventViewRoom:         {agent, handle(o.viewRoom)},
		EventCloseRoom:        {agent, handle(o.closeRoom)},
		EventEndChat:          {"", handle(o.endChat)},
		EventAgentMessage:     {agent, handle(o.agentMessage)},
		EventVisitorMessage:   {visitor, handle(o.visitorMessage)},
		EventFileMessage:      {"", handle(o.fileMessage)},
		EventFileUploadStatus: {"", handle(o.fileUploadStatus)},
		EventClientTyping:     {"", handle(o.typing)},
		EventReadReceipt:      {"", handle(o.readReceipt)},
		EventMessageDelivered: {"", handle(o.messageDelivered)},
		EventGetMessages:      {"", handle(o.getMessages)},
		EventGetPastChats:     {"", handle(o.getPastChats)},
		EventAssignTag:        {agent, handle(o.assignTag)},
		EventUnassignTag:      {agent, handle(o.unassignTag)},
		EventUseCanned:        {agent, handle(o.useCannedResponse)},
		EventIdentifyVisitor:  {visitor, handle(o.identifyVisitor)},
		EventVisitorActive:    {visitor, handle(o.visitorActive)},
		EventVisitorIdle:      {visitor, handle(o.visitorIdle)},
		EventVisitorAway:      {visitor, handle(o.visitorAway)},
		EventTrackPage:        {visitor, handle(o.trackPage)},
		EventPostChatForm:     {visitor, handle(o.postChatForm)},
		EventGetQueue:         {agent, handle(o.getQueue)},

		EventTransferToAgent:      {agent, handle(o.transferToAgent)},
		EventAcceptTransfer:       {agent, handle(o.acceptTransfer)},
		EventRejectTransfer:       {agent, handle(o.rejectTransfer)},
		EventInviteAgent:          {agent, handle(o.inviteAgent)},
		EventAcceptInvitation:     {agent, handle(o.acceptInvitation)},
		EventRejectInvitation:     {agent, handle(o.rejectInvitation)},
		EventTransferToDepartment: {agent, handle(o.transferToDepartment)},
		EventAcceptDeptTransfer:   {agent, handle(o.acceptDepartmentTransfer)},
		EventRejectDeptTransfer:   {agent, handle(o.rejectDepartmentTransfer)},
		EventInviteDepartment:     {agent, handle(o.inviteDepartment)},
		EventAcceptDeptInvitation: {agent, handle(o.acceptDepartmentInvitation)},
		EventRejectDeptInvitation: {agent, handle(o.rejectDepartmentInvitation)},
	}
}

// Handle dispatches one inbound event. Failures come back as *Error for the
// acting connection only; panics and untyped errors become SYSTEM_ERROR.
func (o *Orchestrator) Handle(ctx context.Context, sess *Session, event string, params json.RawMessage) (result any, gerr *Error) {
	defer func() {
		if r := recover(); r != nil {
			gerr = systemError(fmt.Errorf("panic: %v", r), "internal error")
			result = nil
		}
		if gerr == nil {
			return
		}
		for k, v := range identifyingParams(params) {
			if _, set := gerr.Details[k]; !set {
				gerr.With(k, v)
			}
		}
		ev := o.log.Warn()
		if gerr.Type == SystemError {
			o.stats.errors.Add(1)
			ev = o.log.Error().Err(gerr.Unwrap())
		}
		ev.Str("event", event).
			Str("connId", sess.ConnID).
			Str("identity", sess.Identity.Key()).
			Str("type", string(gerr.Type)).
			Str("code", gerr.Code).
			Interface("details", gerr.Details).
			Msg(gerr.Message)
	}()

	rt, ok := o.routes[event]
	if !ok {
		return nil, validationError(CodeUnknownEvent, "unknown event: "+event).With("event", event)
	}
	if rt.actor != "" && rt.actor != sess.Identity.Actor {
		return nil, validationError(CodeForbidden, event+" is not available to "+string(sess.Identity.Actor)+"s")
	}
	if !sess.IsAgent() && o.visitorEnded(ctx, sess) {
		return nil, authError(CodeSessionExpired, "session ended")
	}
	out, err := rt.fn(ctx, sess, params)
	if err != nil {
		return nil, asError(err)
	}
	return out, nil
}

// visitorEnded reports whether the session was ended while this connection
// stayed open, by this connection or by another tab of the same visitor.
func (o *Orchestrator) visitorEnded(ctx context.Context, sess *Session) bool {
	if sess.ended {
		return true
	}
	rec := o.tracker.Get(ctx, sess.Identity)
	return rec != nil && rec.Status == domain.StatusAway && !rec.HasSocket(sess.ConnID)
}

// sessionEnded reports whether a visitor session has been ended in the
// directory.
func (o *Orchestrator) sessionEnded(ctx context.Context, sessionID string) bool {
	session, err := o.dir.GetVisitorSession(ctx, sessionID)
	return err == nil && session.Ended()
}

// emitHook fires a lifecycle hook without blocking the caller.
func (o *Orchestrator) emitHook(ctx context.Context, event, workspaceID string, data map[string]any) {
	if o.hooks == nil {
		return
	}
	o.hooks.EmitAsync(context.WithoutCancel(ctx), event, workspaceID, data)
}

// loadRoom returns roomID if it belongs to the session's workspace.
func (o *Orchestrator) loadRoom(ctx context.Context, sess *Session, roomID string) (*domain.Room, error) {
	room, err := o.chats.GetRoomByID(ctx, roomID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, validationError(CodeRoomNotFound, "room not found")
	}
	if err != nil {
		return nil, systemError(err, "loading room")
	}
	if room.WorkspaceID != sess.Identity.WorkspaceID {
		return nil, validationError(CodeRoomNotFound, "room not found")
	}
	if !sess.IsAgent() && room.VisitorSessionID != sess.Identity.SessionID {
		return nil, validationError(CodeForbidden, "room belongs to another session")
	}
	return room, nil
}

// loadOpenRoom is loadRoom for rooms that must still be open.
func (o *Orchestrator) loadOpenRoom(ctx context.Context, sess *Session, roomID string) (*domain.Room, error) {
	room, err := o.loadRoom(ctx, sess, roomID)
	if err != nil {
		return nil, err
	}
	if room.Closed() {
		return nil, validationError(CodeRoomClosed, "room is closed")
	}
	return room, nil
}

// requireParticipant checks that the session may act inside room: the
// visitor owning it or an agent joined to it.
func (o *Orchestrator) requireParticipant(ctx context.Context, sess *Session, room *domain.Room) error {
	if !sess.IsAgent() {
		return nil
	}
	if !o.tracker.IsAgentInRoom(ctx, sess.Identity.AgentID, sess.Identity.WorkspaceID, room.ID) {
		return validationError(CodeNotInRoom, "not a participant of the room")
	}
	return nil
}

func (o *Orchestrator) agentName(ctx context.Context, agentID, workspaceID string) string {
	a, err := o.dir.GetAgent(ctx, agentID, workspaceID)
	if err != nil || a.Name == "" {
		return agentID
	}
	return a.Name
}

// systemMessage persists and returns a system message for room. Failures
// are logged; system messages never fail the action that produced them.
func (o *Orchestrator) systemMessage(ctx context.Context, roomID, content string) *domain.Message {
	msg, err := o.chats.CreateMessage(ctx, &domain.Message{
		RoomID:     roomID,
		SenderID:   "system",
		SenderType: domain.SenderSystem,
		Type:       domain.MessageSystem,
		Content:    content,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("room", roomID).Msg("system message failed")
		return nil
	}
	return msg
}

// setVisitorStatus updates the tracked and persisted status of a visitor
// session and tells the visitor.
func (o *Orchestrator) setVisitorStatus(ctx context.Context, sessionID, workspaceID string, status domain.Status) {
	o.tracker.UpdateSessionStatus(ctx, sessionID, workspaceID, status)
	if err := o.dir.UpdateVisitorSessionStatus(ctx, sessionID, status); err != nil {
		o.log.Warn().Err(err).Str("session", sessionID).Msg("persisting visitor status failed")
	}
	o.hub.Emit(ctx, []string{visitorChannel(sessionID), workspaceChannel(workspaceID)}, OutVisitorStatus, map[string]any{
		"sessionId": sessionID,
		"status":    status,
	})
}

func (o *Orchestrator) emitAgentStatus(ctx context.Context, rec *domain.Record) {
	if rec == nil {
		return
	}
	o.hub.Emit(ctx, []string{workspaceChannel(rec.Identity.WorkspaceID)}, OutAgentStatus, map[string]any{
		"agentId":     rec.Identity.AgentID,
		"status":      rec.Status,
		"joinedRooms": rec.JoinedRooms,
	})
}
