package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/livechat/internal/domain"
)

// SQLiteContent stores canned responses, page views and post-chat forms.
type SQLiteContent struct {
	db *DB
}

// NewSQLiteContent creates a content store using the given database.
func NewSQLiteContent(db *DB) *SQLiteContent {
	return &SQLiteContent{db: db}
}

// CreateCannedResponse inserts a canned response. Shortcuts are unique per workspace.
func (c *SQLiteContent) CreateCannedResponse(ctx context.Context, cr *domain.CannedResponse) error {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	_, err := c.db.sql.ExecContext(ctx,
		`INSERT INTO canned_responses (id, workspace_id, shortcut, content) VALUES (?, ?, ?, ?)`,
		cr.ID, cr.WorkspaceID, cr.Shortcut, cr.Content)
	if err != nil {
		return fmt.Errorf("creating canned response: %w", err)
	}
	return nil
}

// GetCannedResponse returns a workspace's canned response by id or shortcut.
func (c *SQLiteContent) GetCannedResponse(ctx context.Context, workspaceID, idOrShortcut string) (*domain.CannedResponse, error) {
	var cr domain.CannedResponse
	err := c.db.sql.QueryRowContext(ctx,
		`SELECT id, workspace_id, shortcut, content FROM canned_responses
		 WHERE workspace_id = ? AND (id = ? OR shortcut = ?)`,
		workspaceID, idOrShortcut, idOrShortcut,
	).Scan(&cr.ID, &cr.WorkspaceID, &cr.Shortcut, &cr.Content)
	if err != nil {
		return nil, notFound(err, "canned response", idOrShortcut)
	}
	return &cr, nil
}

// ListCannedResponses returns a workspace's canned responses by shortcut.
func (c *SQLiteContent) ListCannedResponses(ctx context.Context, workspaceID string) ([]*domain.CannedResponse, error) {
	rows, err := c.db.sql.QueryContext(ctx,
		`SELECT id, workspace_id, shortcut, content FROM canned_responses WHERE workspace_id = ? ORDER BY shortcut`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing canned responses: %w", err)
	}
	defer rows.Close()

	var out []*domain.CannedResponse
	for rows.Next() {
		var cr domain.CannedResponse
		if err := rows.Scan(&cr.ID, &cr.WorkspaceID, &cr.Shortcut, &cr.Content); err != nil {
			return nil, fmt.Errorf("scanning canned response: %w", err)
		}
		out = append(out, &cr)
	}
	return out, rows.Err()
}

// RecordPageView appends a page view to a session's trail.
func (c *SQLiteContent) RecordPageView(ctx context.Context, pv *domain.PageView) error {
	if pv.ViewedAt.IsZero() {
		pv.ViewedAt = time.Now()
	}
	_, err := c.db.sql.ExecContext(ctx,
		`INSERT INTO page_views (session_id, workspace_id, url, title, referrer, viewed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		pv.SessionID, pv.WorkspaceID, pv.URL, pv.Title, pv.Referrer, toNanos(pv.ViewedAt))
	if err != nil {
		return fmt.Errorf("recording page view: %w", err)
	}
	return nil
}

// ListPageViews returns a session's page views in visiting order.
func (c *SQLiteContent) ListPageViews(ctx context.Context, sessionID string) ([]*domain.PageView, error) {
	rows, err := c.db.sql.QueryContext(ctx,
		`SELECT session_id, workspace_id, url, title, referrer, viewed_at FROM page_views WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing page views: %w", err)
	}
	defer rows.Close()

	var out []*domain.PageView
	for rows.Next() {
		var pv domain.PageView
		var viewed int64
		if err := rows.Scan(&pv.SessionID, &pv.WorkspaceID, &pv.URL, &pv.Title, &pv.Referrer, &viewed); err != nil {
			return nil, fmt.Errorf("scanning page view: %w", err)
		}
		pv.ViewedAt = fromNanos(viewed)
		out = append(out, &pv)
	}
	return out, rows.Err()
}

// SavePostChatForm stores the survey for a room, replacing an earlier one.
func (c *SQLiteContent) SavePostChatForm(ctx context.Context, f *domain.PostChatForm) error {
	if f.SubmittedAt.IsZero() {
		f.SubmittedAt = time.Now()
	}
	var answers sql.NullString
	if len(f.Answers) > 0 {
		data, err := json.Marshal(f.Answers)
		if err != nil {
			return err
		}
		answers = sql.NullString{String: string(data), Valid: true}
	}
	_, err := c.db.sql.ExecContext(ctx,
		`INSERT INTO post_chat_forms (room_id, session_id, rating, comment, answers, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET
			session_id = excluded.session_id, rating = excluded.rating, comment = excluded.comment,
			answers = excluded.answers, submitted_at = excluded.submitted_at`,
		f.RoomID, f.SessionID, f.Rating, f.Comment, answers, toNanos(f.SubmittedAt))
	if err != nil {
		return fmt.Errorf("saving post-chat form: %w", err)
	}
	return nil
}

// GetPostChatForm returns the survey submitted for a room.
func (c *SQLiteContent) GetPostChatForm(ctx context.Context, roomID string) (*domain.PostChatForm, error) {
	var f domain.PostChatForm
	var answers sql.NullString
	var submitted int64
	err := c.db.sql.QueryRowContext(ctx,
		`SELECT room_id, session_id, rating, comment, answers, submitted_at FROM post_chat_forms WHERE room_id = ?`,
		roomID,
	).Scan(&f.RoomID, &f.SessionID, &f.Rating, &f.Comment, &answers, &submitted)
	if err != nil {
		return nil, notFound(err, "post-chat form", roomID)
	}
	f.SubmittedAt = fromNanos(submitted)
	if answers.Valid {
		if err := json.Unmarshal([]byte(answers.String), &f.Answers); err != nil {
			return nil, fmt.Errorf("decoding answers: %w", err)
		}
	}
	return &f, nil
}
