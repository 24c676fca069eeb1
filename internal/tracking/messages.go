package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/logging"
)

// MessageTracker keeps the per-room ledger of messages awaiting delivery and
// read acknowledgments. Each room is one hash keyed by message id.
type MessageTracker struct {
	store *Guard
	locks *keyedMutex
	log   *logging.Logger
	now   func() time.Time
}

// NewMessageTracker creates a tracker over the guarded store.
func NewMessageTracker(store *Guard, log *logging.Logger) *MessageTracker {
	return &MessageTracker{store: store, locks: newKeyedMutex(), log: log, now: time.Now}
}

// SetClock replaces the time source used for DeliveredAt.
func (m *MessageTracker) SetClock(now func() time.Time) { m.now = now }

// ReadResult describes the effect of MarkMessageAsRead.
type ReadResult struct {
	// Found is false when the message is not tracked (never tracked or
	// already fully read). Callers treat that as terminal.
	Found bool
	// Removed is true when the recipient was pending and is no longer.
	Removed bool
	// FullyRead is true when the message left the ledger on this call.
	FullyRead bool
}

// AddMessage adds msg to its room's ledger. Messages without recipients are
// not tracked.
func (m *MessageTracker) AddMessage(ctx context.Context, msg *domain.TrackedMessage) error {
	if len(msg.Recipients) == 0 {
		return nil
	}
	if msg.DeliveredTo == nil {
		msg.DeliveredTo = []string{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.store.HSet(ctx, ledgerKey(msg.RoomID), msg.MessageID, string(data)); err != nil {
		m.log.Warn().Err(err).Str("room", msg.RoomID).Str("message", msg.MessageID).Msg("message tracking write failed")
		return err
	}
	return nil
}

// GetMessages returns the room's tracked messages oldest first, or nil when
// the ledger is empty or unreadable.
func (m *MessageTracker) GetMessages(ctx context.Context, roomID string) []*domain.TrackedMessage {
	all, err := m.store.HGetAll(ctx, ledgerKey(roomID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			m.log.Warn().Err(err).Str("room", roomID).Msg("message tracking read failed")
		}
		return nil
	}
	var out []*domain.TrackedMessage
	for id, raw := range all {
		var tm domain.TrackedMessage
		if err := json.Unmarshal([]byte(raw), &tm); err != nil {
			m.log.Error().Err(err).Str("room", roomID).Str("message", id).Msg("skipping unreadable tracked message")
			continue
		}
		out = append(out, &tm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MessageTracker) get(ctx context.Context, roomID, messageID string) (*domain.TrackedMessage, error) {
	raw, err := m.store.HGet(ctx, ledgerKey(roomID), messageID)
	if err != nil {
		return nil, err
	}
	var tm domain.TrackedMessage
	if err := json.Unmarshal([]byte(raw), &tm); err != nil {
		return nil, err
	}
	return &tm, nil
}

func (m *MessageTracker) put(ctx context.Context, tm *domain.TrackedMessage) error {
	data, err := json.Marshal(tm)
	if err != nil {
		return err
	}
	return m.store.HSet(ctx, ledgerKey(tm.RoomID), tm.MessageID, string(data))
}

// MarkMessagesAsDelivered records recipient's delivery of each message it
// is a recipient of; other ids are ignored. It returns the ids that became
// fully delivered.
func (m *MessageTracker) MarkMessagesAsDelivered(ctx context.Context, roomID string, messageIDs []string, recipient string) []string {
	unlock := m.locks.lock(roomID)
	defer unlock()

	var completed []string
	for _, id := range messageIDs {
		tm, err := m.get(ctx, roomID, id)
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				m.log.Warn().Err(err).Str("room", roomID).Str("message", id).Msg("message tracking read failed")
			}
			continue
		}
		before := len(tm.DeliveredTo)
		done := tm.MarkDelivered(recipient, m.now())
		if len(tm.DeliveredTo) == before {
			continue
		}
		if err := m.put(ctx, tm); err != nil {
			m.log.Warn().Err(err).Str("room", roomID).Str("message", id).Msg("message tracking write failed")
			continue
		}
		if done {
			completed = append(completed, id)
		}
	}
	return completed
}

// MarkMessageAsRead removes recipient from the message's pending set and
// drops the message once nobody is left. An emptied ledger disappears with
// its last field.
func (m *MessageTracker) MarkMessageAsRead(ctx context.Context, roomID, messageID, recipient string) (ReadResult, error) {
	unlock := m.locks.lock(roomID)
	defer unlock()

	tm, err := m.get(ctx, roomID, messageID)
	if errors.Is(err, kv.ErrNotFound) {
		return ReadResult{}, nil
	}
	if err != nil {
		return ReadResult{}, err
	}

	res := ReadResult{Found: true}
	if !tm.MarkRead(recipient) {
		return res, nil
	}
	res.Removed = true

	if tm.FullyRead() {
		res.FullyRead = true
		return res, m.store.HDel(ctx, ledgerKey(roomID), messageID)
	}
	return res, m.put(ctx, tm)
}

// RemoveTracking drops the room's ledger.
func (m *MessageTracker) RemoveTracking(ctx context.Context, roomID string) error {
	return m.store.Del(ctx, ledgerKey(roomID))
}
