package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/soyeahso/livechat/internal/domain"
)

// Inbound events.
const (
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventViewRoom         = "view-room"
	EventCloseRoom        = "close-room"
	EventEndChat          = "end-chat"
	EventAgentMessage     = "agent-message"
	EventVisitorMessage   = "visitor-message"
	EventFileMessage      = "file-message"
	EventFileUploadStatus = "file-upload-status"
	EventClientTyping     = "client-typing"
	EventReadReceipt      = "read-receipt"
	EventMessageDelivered = "message-delivered"
	EventGetMessages      = "get-messages"
	EventGetPastChats     = "get-past-chats"
	EventAssignTag        = "assign-tag"
	EventUnassignTag      = "unassign-tag"
	EventUseCanned        = "use-canned-response"
	EventIdentifyVisitor  = "identify-visitor"
	EventVisitorActive    = "visitor-active"
	EventVisitorIdle      = "visitor-idle"
	EventVisitorAway      = "visitor-away"
	EventTrackPage        = "track-visitor-page"
	EventPostChatForm     = "visitor-post-chat-form"
	EventGetQueue         = "get-queue"

	EventTransferToAgent      = "transfer-chat-to-agent"
	EventAcceptTransfer       = "accept-chat-transfer-request"
	EventRejectTransfer       = "reject-chat-transfer-request"
	EventInviteAgent          = "invite-agent-to-chat"
	EventAcceptInvitation     = "accept-chat-invitation"
	EventRejectInvitation     = "reject-chat-invitation"
	EventTransferToDepartment = "transfer-chat-to-department"
	EventAcceptDeptTransfer   = "accept-department-transfer"
	EventRejectDeptTransfer   = "reject-department-transfer"
	EventInviteDepartment     = "invite-department-to-chat"
	EventAcceptDeptInvitation = "accept-department-invitation"
	EventRejectDeptInvitation = "reject-department-invitation"
)

// Outbound events.
const (
	OutConnected               = "connected"
	OutChallenge               = "connect.challenge"
	OutNewMessage              = "new-message"
	OutAgentJoined             = "agent-joined"
	OutAgentLeft               = "agent-left"
	OutRoomLeft                = "room-left"
	OutParticipantDisconnected = "participant-disconnected"
	OutChatEnded               = "chat-ended"
	OutTyping                  = "typing"
	OutMessagesRead            = "messages-read"
	OutMessageDelivered        = "message-delivered"
	OutFileUploadStatus        = "file-upload-status"
	OutRoomTags                = "room-tags-updated"
	OutVisitorUpdated          = "visitor-updated"
	OutVisitorStatus           = "visitor-status-changed"
	OutVisitorPageView         = "visitor-page-view"
	OutPostChatForm            = "post-chat-form-submitted"
	OutQueueUpdated            = "queue-updated"
	OutAgentStatus             = "agent-status-changed"
	OutDepartmentStatus        = "department-status-changed"
	OutChatTransferred         = "chat-transferred"
	OutRequestResolved         = "department-request-resolved"
	OutShutdown                = "gateway-shutdown"
)

// payload is implemented by every inbound event's parameters.
type payload interface {
	validate() error
}

type handlerFunc func(ctx context.Context, sess *Session, raw json.RawMessage) (any, error)

// handle decodes and validates the event payload before calling fn.
func handle[P any, PP interface {
	*P
	payload
}](fn func(ctx context.Context, sess *Session, p PP) (any, error)) handlerFunc {
	return func(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
		p := PP(new(P))
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, p); err != nil {
				return nil, validationError(CodeInvalidPayload, "malformed payload: "+err.Error())
			}
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return fn(ctx, sess, p)
	}
}

// route binds an event to its handler and the actor allowed to send it.
// An empty actor admits both.
type route struct {
	actor domain.ActorType
	fn    handlerFunc
}

// requireFields takes name/value pairs and reports the empty ones.
func requireFields(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return validationError(CodeInvalidPayload, "missing "+strings.Join(missing, ", ")).With("missing", missing)
}

const maxMessageLength = 10000

type roomParams struct {
	RoomID string `json:"roomId"`
}

func (p *roomParams) validate() error { return requireFields("roomId", p.RoomID) }

type endChatParams struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

func (p *endChatParams) validate() error { return requireFields("roomId", p.RoomID) }

type messageParams struct {
	RoomID          string `json:"roomId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func (p *messageParams) validate() error {
	if err := requireFields("roomId", p.RoomID, "content", p.Content); err != nil {
		return err
	}
	if len(p.Content) > maxMessageLength {
		return validationError(CodeInvalidPayload, "content is too long").With("maxLength", maxMessageLength)
	}
	return nil
}

type fileMessageParams struct {
	RoomID          string            `json:"roomId"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
	Caption         string            `json:"caption,omitempty"`
	Attachment      domain.Attachment `json:"attachment"`
}

func (p *fileMessageParams) validate() error {
	return requireFields("roomId", p.RoomID, "attachment.url", p.Attachment.URL, "attachment.name", p.Attachment.Name)
}

type fileUploadParams struct {
	RoomID   string `json:"roomId"`
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName,omitempty"`
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
}

func (p *fileUploadParams) validate() error {
	if err := requireFields("roomId", p.RoomID, "uploadId", p.UploadID, "status", p.Status); err != nil {
		return err
	}
	switch p.Status {
	case "started", "progress", "completed", "failed":
	default:
		return validationError(CodeInvalidPayload, "unknown upload status").With("status", p.Status)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return validationError(CodeInvalidPayload, "progress must be 0-100")
	}
	return nil
}

type typingParams struct {
	RoomID  string `json:"roomId"`
	Typing  bool   `json:"typing"`
	Preview string `json:"preview,omitempty"`
}

func (p *typingParams) validate() error { return requireFields("roomId", p.RoomID) }

type messageIDsParams struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

func (p *messageIDsParams) validate() error {
	if err := requireFields("roomId", p.RoomID); err != nil {
		return err
	}
	if len(p.MessageIDs) == 0 {
		return validationError(CodeInvalidPayload, "missing messageIds").With("missing", []string{"messageIds"})
	}
	return nil
}

type getMessagesParams struct {
	RoomID string `json:"roomId"`
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (p *getMessagesParams) validate() error { return requireFields("roomId", p.RoomID) }

type pastChatsParams struct {
	VisitorID string `json:"visitorId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (p *pastChatsParams) validate() error { return nil }

type tagParams struct {
	RoomID string `json:"roomId"`
	Tag    string `json:"tag"`
}

func (p *tagParams) validate() error { return requireFields("roomId", p.RoomID, "tag", p.Tag) }

type cannedParams struct {
	RoomID           string `json:"roomId"`
	CannedResponseID string `json:"cannedResponseId"`
}

func (p *cannedParams) validate() error {
	return requireFields("roomId", p.RoomID, "cannedResponseId", p.CannedResponseID)
}

type identifyParams struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (p *identifyParams) validate() error {
	if p.Name == "" && p.Email == "" && p.Phone == "" {
		return validationError(CodeInvalidPayload, "one of name, email or phone is required")
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return validationError(CodeInvalidPayload, "invalid email").With("email", p.Email)
	}
	return nil
}

type noParams struct{}

func (p *noParams) validate() error { return nil }

type pageParams struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

func (p *pageParams) validate() error { return requireFields("url", p.URL) }

type postChatParams struct {
	RoomID  string            `json:"roomId"`
	Rating  int               `json:"rating,omitempty"`
	Comment string            `json:"comment,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

func (p *postChatParams) validate() error {
	if err := requireFields("roomId", p.RoomID); err != nil {
		return err
	}
	if p.Rating < 0 || p.Rating > 5 {
		return validationError(CodeInvalidPayload, "rating must be 0-5")
	}
	return nil
}

type queueParams struct {
	DepartmentID string `json:"departmentId,omitempty"`
}

func (p *queueParams) validate() error { return nil }

// handoffParams carries every field a transfer or invitation event can
// use. The per-event types below decide which are required.
type handoffParams struct {
	RoomID        string `json:"roomId"`
	TargetAgentID string `json:"targetAgentId,omitempty"`
	DepartmentID  string `json:"departmentId,omitempty"`
	TransferID    string `json:"transferId,omitempty"`
	InvitationID  string `json:"invitationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (p *handoffParams) requestID(kind domain.RequestKind) string {
	if kind.IsTransfer() {
		return p.TransferID
	}
	return p.InvitationID
}

type toAgentParams struct{ handoffParams }

func (p *toAgentParams) validate() error {
	return requireFields("roomId", p.RoomID, "targetAgentId", p.TargetAgentID)
}

type toDepartmentParams struct{ handoffParams }

func (p *toDepartmentParams) validate() error {
	return requireFields("roomId", p.RoomID, "departmentId", p.DepartmentID)
}

type resolveTransferParams struct{ handoffParams }

func (p *resolveTransferParams) validate() error {
	return requireFields("roomId", p.RoomID, "transferId", p.TransferID)
}

type resolveInvitationParams struct{ handoffParams }

func (p *resolveInvitationParams) validate() error {
	return requireFields("roomId", p.RoomID, "invitationId", p.InvitationID)
}

// identifyingParams pulls the fields that identify an action out of a raw
// payload so failures can be reported and logged with them.
func identifyingParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	out := make(map[string]any)
	for _, k := range []string{"roomId", "messageId", "messageIds", "transferId", "invitationId", "targetAgentId", "departmentId"} {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
