package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/livechat/internal/domain"
)

// ErrUnknownAgent is returned when an agent is missing, inactive or not a
// member of the workspace.
var ErrUnknownAgent = errors.New("unknown agent")

// Directory is the identity data the service validates against.
type Directory interface {
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	GetAgent(ctx context.Context, userID, workspaceID string) (*domain.Agent, error)
	GetVisitorSession(ctx context.Context, sessionID string) (*domain.VisitorSession, error)
}

// Service verifies agent tokens and visitor sessions.
type Service struct {
	verifier *JWTVerifier
	dir      Directory
}

// NewService creates a Service.
func NewService(verifier *JWTVerifier, dir Directory) *Service {
	return &Service{verifier: verifier, dir: dir}
}

// VerifyAgentToken validates token and returns its claims.
func (s *Service) VerifyAgentToken(token string) (*Claims, error) {
	return s.verifier.Verify(token)
}

// ValidateAgent returns the agent profile for userID in workspaceID.
// Unknown or inactive agents and workspaces yield ErrUnknownAgent; any other
// error is a lookup failure.
func (s *Service) ValidateAgent(ctx context.Context, userID, workspaceID string) (*domain.Agent, error) {
	ws, err := s.dir.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace %s: %w", workspaceID, err)
	}
	if !ws.Active {
		return nil, ErrUnknownAgent
	}

	agent, err := s.dir.GetAgent(ctx, userID, workspaceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", userID, err)
	}
	if !agent.Active {
		return nil, ErrUnknownAgent
	}
	return agent, nil
}

// ValidateVisitorSession reports whether sessionID is a live session of
// visitorID in workspaceID.
func (s *Service) ValidateVisitorSession(ctx context.Context, sessionID, visitorID, workspaceID string) (bool, error) {
	sess, err := s.dir.GetVisitorSession(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if sess.VisitorID != visitorID || sess.WorkspaceID != workspaceID || sess.Ended() {
		return false, nil
	}

	ws, err := s.dir.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading workspace %s: %w", workspaceID, err)
	}
	return ws.Active, nil
}
