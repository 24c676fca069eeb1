package domain

import "time"

// RequestKind is the kind of pending room handoff.
type RequestKind string

const (
	AgentTransfer      RequestKind = "agent-transfer"
	AgentInvite        RequestKind = "agent-invite"
	DepartmentTransfer RequestKind = "department-transfer"
	DepartmentInvite   RequestKind = "department-invite"
)

// Valid reports whether k is a known request kind.
func (k RequestKind) Valid() bool {
	switch k {
	case AgentTransfer, AgentInvite, DepartmentTransfer, DepartmentInvite:
		return true
	}
	return false
}

// IsTransfer reports whether accepting hands the room over instead of
// adding a participant.
func (k RequestKind) IsTransfer() bool {
	return k == AgentTransfer || k == DepartmentTransfer
}

// ToDepartment reports whether the request targets a department.
func (k RequestKind) ToDepartment() bool {
	return k == DepartmentTransfer || k == DepartmentInvite
}

// PendingStatus is the visitor overlay shown while the request is open.
func (k RequestKind) PendingStatus() Status {
	if k.IsTransfer() {
		return StatusPendingTransfer
	}
	return StatusPendingInvite
}

// TransferRequest is a pending transfer or invitation. It is removed on the
// first accept or reject.
type TransferRequest struct {
	ID                 string      `json:"id"`
	Kind               RequestKind `json:"kind"`
	RoomID             string      `json:"roomId"`
	WorkspaceID        string      `json:"workspaceId"`
	FromAgentID        string      `json:"fromAgentId"`
	TargetAgentID      string      `json:"targetAgentId,omitempty"`
	TargetDepartmentID string      `json:"targetDepartmentId,omitempty"`
	Reason             string      `json:"reason,omitempty"`
	VisitorSessionID   string      `json:"visitorSessionId,omitempty"`
	PreviousStatus     Status      `json:"previousStatus,omitempty"`
	Timestamp          time.Time   `json:"timestamp"`
}

// Target returns the recipient agent or department id.
func (r *TransferRequest) Target() string {
	if r.Kind.ToDepartment() {
		return r.TargetDepartmentID
	}
	return r.TargetAgentID
}
