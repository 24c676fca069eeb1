package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/livechat/internal/domain"
)

// SQLiteChats stores rooms, their agents and tags, and messages.
type SQLiteChats struct {
	db  *DB
	now func() time.Time
}

// NewSQLiteChats creates a chat store using the given database.
func NewSQLiteChats(db *DB) *SQLiteChats {
	return &SQLiteChats{db: db, now: time.Now}
}

const roomColumns = `id, workspace_id, department_id, visitor_session_id, visitor_id, status, created_at, updated_at, closed_at`

func scanRoom(row interface{ Scan(...any) error }) (*domain.Room, error) {
	var r domain.Room
	var status string
	var created, updated int64
	var closed sql.NullInt64
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.DepartmentID, &r.VisitorSessionID, &r.VisitorID,
		&status, &created, &updated, &closed); err != nil {
		return nil, err
	}
	r.Status = domain.RoomStatus(status)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.ClosedAt = timePtr(closed)
	return &r, nil
}

// fill loads agent ids and tags. Rows of the room query must be closed first.
func (c *SQLiteChats) fill(ctx context.Context, r *domain.Room) error {
	agents, err := queryStrings(ctx, c.db,
		`SELECT agent_id FROM room_agents WHERE room_id = ? ORDER BY joined_at, agent_id`, r.ID)
	if err != nil {
		return err
	}
	tags, err := queryStrings(ctx, c.db, `SELECT tag FROM room_tags WHERE room_id = ? ORDER BY tag`, r.ID)
	if err != nil {
		return err
	}
	r.AgentIDs = agents
	r.Tags = tags
	return nil
}

func (c *SQLiteChats) rooms(ctx context.Context, query string, args ...any) ([]*domain.Room, error) {
	rows, err := c.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	var out []*domain.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		out = append(out, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := c.fill(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateChatRoom opens a room for a visitor session.
func (c *SQLiteChats) CreateChatRoom(ctx context.Context, session *domain.VisitorSession) (*domain.Room, error) {
	now := c.now()
	r := &domain.Room{
		ID:               uuid.NewString(),
		WorkspaceID:      session.WorkspaceID,
		DepartmentID:     session.DepartmentID,
		VisitorSessionID: session.ID,
		VisitorID:        session.VisitorID,
		AgentIDs:         []string{},
		Tags:             []string{},
		Status:           domain.RoomOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := c.db.sql.ExecContext(ctx,
		`INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.WorkspaceID, r.DepartmentID, r.VisitorSessionID, r.VisitorID,
		string(r.Status), toNanos(now), toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	return r, nil
}

// GetRoomByID returns a room with its agents and tags.
func (c *SQLiteChats) GetRoomByID(ctx context.Context, id string) (*domain.Room, error) {
	r, err := scanRoom(c.db.sql.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "room", id)
	}
	if err := c.fill(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetVisitorActiveRooms returns the open rooms of a visitor session.
func (c *SQLiteChats) GetVisitorActiveRooms(ctx context.Context, sessionID string) ([]*domain.Room, error) {
	return c.rooms(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE visitor_session_id = ? AND status = 'open' ORDER BY created_at`,
		sessionID)
}

// GetAgentActiveRooms returns the open rooms an agent is assigned to.
func (c *SQLiteChats) GetAgentActiveRooms(ctx context.Context, agentID, workspaceID string) ([]*domain.Room, error) {
	return c.rooms(ctx,
		`SELECT `+prefixed("r.", roomColumns)+` FROM rooms r
		 JOIN room_agents ra ON ra.room_id = r.id
		 WHERE ra.agent_id = ? AND r.workspace_id = ? AND r.status = 'open'
		 ORDER BY r.created_at`,
		agentID, workspaceID)
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

func (c *SQLiteChats) touch(ctx context.Context, roomID string) error {
	_, err := c.db.sql.ExecContext(ctx, `UPDATE rooms SET updated_at = ? WHERE id = ?`, toNanos(c.now()), roomID)
	return err
}

// AddAgentToRoom assigns an agent. Adding an assigned agent is a no-op.
func (c *SQLiteChats) AddAgentToRoom(ctx context.Context, roomID, agentID string) error {
	if _, err := c.db.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_agents (room_id, agent_id, joined_at) VALUES (?, ?, ?)`,
		roomID, agentID, toNanos(c.now()),
	); err != nil {
		return fmt.Errorf("adding agent %s to room %s: %w", agentID, roomID, err)
	}
	return c.touch(ctx, roomID)
}

// RemoveAgentFromRoom unassigns an agent.
func (c *SQLiteChats) RemoveAgentFromRoom(ctx context.Context, roomID, agentID string) error {
	if _, err := c.db.sql.ExecContext(ctx,
		`DELETE FROM room_agents WHERE room_id = ? AND agent_id = ?`, roomID, agentID,
	); err != nil {
		return fmt.Errorf("removing agent %s from room %s: %w", agentID, roomID, err)
	}
	return c.touch(ctx, roomID)
}

// SetRoomDepartment routes a room to a department.
func (c *SQLiteChats) SetRoomDepartment(ctx context.Context, roomID, departmentID string) error {
	res, err := c.db.sql.ExecContext(ctx,
		`UPDATE rooms SET department_id = ?, updated_at = ? WHERE id = ?`,
		departmentID, toNanos(c.now()), roomID)
	if err != nil {
		return fmt.Errorf("setting room department: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return nil
}

// CloseRoom marks a room closed.
func (c *SQLiteChats) CloseRoom(ctx context.Context, roomID string) error {
	now := toNanos(c.now())
	res, err := c.db.sql.ExecContext(ctx,
		`UPDATE rooms SET status = 'closed', closed_at = COALESCE(closed_at, ?), updated_at = ? WHERE id = ?`,
		now, now, roomID)
	if err != nil {
		return fmt.Errorf("closing room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return nil
}

// AssignTag adds a tag to a room. Idempotent.
func (c *SQLiteChats) AssignTag(ctx context.Context, roomID, tag string) error {
	_, err := c.db.sql.ExecContext(ctx, `INSERT OR IGNORE INTO room_tags (room_id, tag) VALUES (?, ?)`, roomID, tag)
	if err != nil {
		return fmt.Errorf("tagging room %s: %w", roomID, err)
	}
	return nil
}

// UnassignTag removes a tag from a room.
func (c *SQLiteChats) UnassignTag(ctx context.Context, roomID, tag string) error {
	_, err := c.db.sql.ExecContext(ctx, `DELETE FROM room_tags WHERE room_id = ? AND tag = ?`, roomID, tag)
	if err != nil {
		return fmt.Errorf("untagging room %s: %w", roomID, err)
	}
	return nil
}

const messageColumns = `id, room_id, sender_id, sender_type, type, content, attachment, client_message_id, created_at, delivered_at, read_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var m domain.Message
	var senderType, typ string
	var attachment sql.NullString
	var created int64
	var delivered, read sql.NullInt64
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &senderType, &typ, &m.Content, &attachment,
		&m.ClientMessageID, &created, &delivered, &read); err != nil {
		return nil, err
	}
	m.SenderType = domain.SenderType(senderType)
	m.Type = domain.MessageType(typ)
	m.CreatedAt = fromNanos(created)
	m.DeliveredAt = timePtr(delivered)
	m.ReadAt = timePtr(read)
	if attachment.Valid && attachment.String != "" {
		var a domain.Attachment
		if err := json.Unmarshal([]byte(attachment.String), &a); err != nil {
			return nil, fmt.Errorf("decoding attachment: %w", err)
		}
		m.Attachment = &a
	}
	return &m, nil
}

func (c *SQLiteChats) insertMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now()
	}
	var attachment sql.NullString
	if m.Attachment != nil {
		data, err := json.Marshal(m.Attachment)
		if err != nil {
			return err
		}
		attachment = sql.NullString{String: string(data), Valid: true}
	}
	_, err := c.db.sql.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		m.ID, m.RoomID, m.SenderID, string(m.SenderType), string(m.Type), m.Content, attachment,
		m.ClientMessageID, toNanos(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	return c.touch(ctx, m.RoomID)
}

// CreateMessage stores a text or system message.
func (c *SQLiteChats) CreateMessage(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	if m.Type == "" {
		m.Type = domain.MessageText
	}
	if err := c.insertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateFileMessage stores a message carrying an attachment.
func (c *SQLiteChats) CreateFileMessage(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	if m.Attachment == nil {
		return nil, fmt.Errorf("file message without attachment")
	}
	m.Type = domain.MessageFile
	if m.Content == "" {
		m.Content = m.Attachment.Name
	}
	if err := c.insertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage returns one message.
func (c *SQLiteChats) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(c.db.sql.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "message", id)
	}
	return m, nil
}

// MarkMessagesAsRead sets read_at on the given unread messages of a room and
// returns how many changed.
func (c *SQLiteChats) MarkMessagesAsRead(ctx context.Context, roomID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	args := []any{toNanos(c.now()), roomID}
	for _, id := range messageIDs {
		args = append(args, id)
	}
	res, err := c.db.sql.ExecContext(ctx,
		`UPDATE messages SET read_at = ? WHERE room_id = ? AND read_at IS NULL AND id IN (`+placeholders(len(messageIDs))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkMessageAsDelivered sets delivered_at once.
func (c *SQLiteChats) MarkMessageAsDelivered(ctx context.Context, messageID string) error {
	_, err := c.db.sql.ExecContext(ctx,
		`UPDATE messages SET delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
		toNanos(c.now()), messageID)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// MessagePage is one page of a room's history, oldest first.
type MessagePage struct {
	Messages []*domain.Message `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// GetMessages returns up to limit messages older than the message before
// (or the newest when before is empty).
func (c *SQLiteChats) GetMessages(ctx context.Context, roomID, before string, limit int) (*MessagePage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if before != "" {
		cursor, err := c.GetMessage(ctx, before)
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, toNanos(cursor.CreatedAt), toNanos(cursor.CreatedAt), cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := c.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	page := &MessagePage{Messages: []*domain.Message{}}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Messages) > limit {
		page.HasMore = true
		page.Messages = page.Messages[:limit]
	}
	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}
	return page, nil
}

// GetPastChats returns a visitor's closed rooms in a workspace, newest first.
func (c *SQLiteChats) GetPastChats(ctx context.Context, workspaceID, visitorID string, limit int) ([]*domain.PastChat, error) {
	if limit <= 0 {
		limit = 20
	}
	rooms, err := c.rooms(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE workspace_id = ? AND visitor_id = ? AND status = 'closed'
		 ORDER BY closed_at DESC LIMIT ?`,
		workspaceID, visitorID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.PastChat, 0, len(rooms))
	for _, r := range rooms {
		pc := &domain.PastChat{
			RoomID:    r.ID,
			SessionID: r.VisitorSessionID,
			AgentIDs:  r.AgentIDs,
			StartedAt: r.CreatedAt,
			EndedAt:   r.UpdatedAt,
		}
		if r.ClosedAt != nil {
			pc.EndedAt = *r.ClosedAt
		}
		var last sql.NullString
		if err := c.db.sql.QueryRowContext(ctx,
			`SELECT COUNT(*), (SELECT content FROM messages WHERE room_id = ? AND type != 'system' ORDER BY created_at DESC LIMIT 1)
			 FROM messages WHERE room_id = ?`, r.ID, r.ID,
		).Scan(&pc.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("summarizing room %s: %w", r.ID, err)
		}
		pc.LastMessage = last.String
		out = append(out, pc)
	}
	return out, nil
}
