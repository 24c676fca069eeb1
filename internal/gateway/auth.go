package gateway

import (
	"net/url"
	"strings"
)

// minVisitorIDLength is the shortest visitor id accepted at connect.
const minVisitorIDLength = 3

// Credentials identify a connecting party. Visitors present a session,
// workspace and visitor id; agents present a bearer token. Query parameters
// and the connect request's auth object are validated the same way.
type Credentials struct {
	SessionID   string `json:"sessionId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	VisitorID   string `json:"visitorId,omitempty"`
	Token       string `json:"token,omitempty"`
}

// credentialsFromQuery reads credentials from the upgrade request's query.
func credentialsFromQuery(q url.Values) Credentials {
	return Credentials{
		SessionID:   strings.TrimSpace(q.Get("sessionId")),
		WorkspaceID: strings.TrimSpace(q.Get("workspaceId")),
		VisitorID:   strings.TrimSpace(q.Get("visitorId")),
		Token:       strings.TrimSpace(q.Get("token")),
	}
}

// Empty reports whether no credential field was supplied.
func (c Credentials) Empty() bool {
	return c.SessionID == "" && c.WorkspaceID == "" && c.VisitorID == "" && c.Token == ""
}

// IsAgent reports whether the credentials take the agent path.
func (c Credentials) IsAgent() bool { return c.Token != "" }

// Validate checks the credentials structurally. It never partially
// authenticates: any missing field is fatal for the connection.
func (c Credentials) Validate() error {
	if c.Empty() {
		return authError(CodeMissingCredentials, "no credentials provided")
	}
	if c.IsAgent() {
		return nil
	}

	var missing []string
	if c.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if c.WorkspaceID == "" {
		missing = append(missing, "workspaceId")
	}
	if c.VisitorID == "" {
		missing = append(missing, "visitorId")
	}
	if len(missing) > 0 {
		if c.SessionID == "" && c.VisitorID == "" {
			// Nothing visitor-shaped was sent; the caller needed a token.
			return authError(CodeMissingCredentials, "token required")
		}
		e := validationError(CodeInvalidIdentity, "missing "+strings.Join(missing, ", "))
		e.Disconnect = true
		return e.With("missing", missing)
	}
	if len(c.VisitorID) < minVisitorIDLength {
		e := validationError(CodeInvalidIdentity, "visitorId is too short")
		e.Disconnect = true
		return e
	}
	return nil
}
