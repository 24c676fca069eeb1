package domain

import (
	"slices"
	"time"
)

// Workspace is a tenant.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// DepartmentStatus reflects whether any agent of the department is online.
type DepartmentStatus string

const (
	DepartmentOnline  DepartmentStatus = "online"
	DepartmentOffline DepartmentStatus = "offline"
)

// Department groups agents inside a workspace.
type Department struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspaceId"`
	Name        string           `json:"name"`
	Status      DepartmentStatus `json:"status"`
	Active      bool             `json:"active"`
}

// Agent is a human operator account.
type Agent struct {
	ID            string   `json:"id"`
	WorkspaceID   string   `json:"workspaceId"`
	Name          string   `json:"name"`
	Email         string   `json:"email,omitempty"`
	DepartmentIDs []string `json:"departmentIds,omitempty"`
	Active        bool     `json:"active"`
}

// InDepartment reports whether the agent belongs to departmentID.
func (a *Agent) InDepartment(departmentID string) bool {
	return slices.Contains(a.DepartmentIDs, departmentID)
}

// VisitorSession is one visit of an end user to a workspace's site.
type VisitorSession struct {
	ID           string     `json:"id"`
	VisitorID    string     `json:"visitorId"`
	WorkspaceID  string     `json:"workspaceId"`
	DepartmentID string     `json:"departmentId,omitempty"`
	Name         string     `json:"name,omitempty"`
	Email        string     `json:"email,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Ended reports whether the session was terminated.
func (s *VisitorSession) Ended() bool { return s.EndedAt != nil }

// RoomStatus is the lifecycle state of a chat room.
type RoomStatus string

const (
	RoomOpen   RoomStatus = "open"
	RoomClosed RoomStatus = "closed"
)

// Room is a conversation between one visitor session and zero or more agents.
type Room struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspaceId"`
	DepartmentID     string     `json:"departmentId,omitempty"`
	VisitorSessionID string     `json:"visitorSessionId"`
	VisitorID        string     `json:"visitorId"`
	AgentIDs         []string   `json:"agentIds"`
	Tags             []string   `json:"tags,omitempty"`
	Status           RoomStatus `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
}

// HasAgent reports whether agentID is assigned to the room.
func (r *Room) HasAgent(agentID string) bool { return slices.Contains(r.AgentIDs, agentID) }

// Closed reports whether the room was closed.
func (r *Room) Closed() bool { return r.Status == RoomClosed }

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
	SenderSystem  SenderType = "system"
)

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Attachment describes an uploaded file referenced by a file message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID              string      `json:"id"`
	RoomID          string      `json:"roomId"`
	SenderID        string      `json:"senderId"`
	SenderType      SenderType  `json:"senderType"`
	Type            MessageType `json:"type"`
	Content         string      `json:"content"`
	Attachment      *Attachment `json:"attachment,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	DeliveredAt     *time.Time  `json:"deliveredAt,omitempty"`
	ReadAt          *time.Time  `json:"readAt,omitempty"`
}

// TrackedMessage is the delivery-tracking record kept per room.
type TrackedMessage struct {
	MessageID   string     `json:"messageId"`
	RoomID      string     `json:"roomId"`
	Content     string     `json:"content"`
	SenderID    string     `json:"senderId"`
	SenderType  SenderType `json:"senderType"`
	Recipients  []string   `json:"recipients"`
	DeliveredTo []string   `json:"deliveredTo"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Delivered reports whether every recipient acknowledged the message.
func (m *TrackedMessage) Delivered() bool { return m.DeliveredAt != nil }

// MarkDelivered records recipient's acknowledgment. It reports whether the
// message became fully delivered as a result of this call. Acknowledgments
// from parties outside Recipients are ignored.
func (m *TrackedMessage) MarkDelivered(recipient string, now time.Time) bool {
	if !slices.Contains(m.Recipients, recipient) || slices.Contains(m.DeliveredTo, recipient) {
		return false
	}
	m.DeliveredTo = append(m.DeliveredTo, recipient)
	if m.DeliveredAt == nil && m.covered() {
		t := now
		m.DeliveredAt = &t
		return true
	}
	return false
}

func (m *TrackedMessage) covered() bool {
	for _, r := range m.Recipients {
		if !slices.Contains(m.DeliveredTo, r) {
			return false
		}
	}
	return true
}

// MarkRead removes recipient from the pending set. It reports whether the
// recipient was pending.
func (m *TrackedMessage) MarkRead(recipient string) bool {
	idx := slices.Index(m.Recipients, recipient)
	if idx < 0 {
		return false
	}
	m.Recipients = slices.Delete(m.Recipients, idx, idx+1)
	return true
}

// FullyRead reports whether no recipient is left to acknowledge.
func (m *TrackedMessage) FullyRead() bool { return len(m.Recipients) == 0 }

// CannedResponse is a saved reply agents can insert by shortcut.
type CannedResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Shortcut    string `json:"shortcut"`
	Content     string `json:"content"`
}

// PageView records a page a visitor navigated to during a session.
type PageView struct {
	SessionID   string    `json:"sessionId"`
	WorkspaceID string    `json:"workspaceId"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Referrer    string    `json:"referrer,omitempty"`
	ViewedAt    time.Time `json:"viewedAt"`
}

// PostChatForm is the survey a visitor submits after a chat.
type PostChatForm struct {
	RoomID      string            `json:"roomId"`
	SessionID   string            `json:"sessionId"`
	Rating      int               `json:"rating,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

// PastChat summarizes a closed room of a visitor.
type PastChat struct {
	RoomID       string    `json:"roomId"`
	SessionID    string    `json:"sessionId"`
	AgentIDs     []string  `json:"agentIds"`
	MessageCount int       `json:"messageCount"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
}
