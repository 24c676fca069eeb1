package gateway

import (
	"context"
	"errors"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/hooks"
)

func (o *Orchestrator) visitorMessage(ctx context.Context, sess *Session, p *messageParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	return o.postMessage(ctx, sess, room, &domain.Message{
		Content:         p.Content,
		ClientMessageID: p.ClientMessageID,
	}, o.chats.CreateMessage)
}

func (o *Orchestrator) agentMessage(ctx context.Context, sess *Session, p *messageParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	return o.postMessage(ctx, sess, room, &domain.Message{
		Content:         p.Content,
		ClientMessageID: p.ClientMessageID,
	}, o.chats.CreateMessage)
}

func (o *Orchestrator) useCannedResponse(ctx context.Context, sess *Session, p *cannedParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	cr, err := o.content.GetCannedResponse(ctx, room.WorkspaceID, p.CannedResponseID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, validationError(CodeCannedNotFound, "canned response not found").With("cannedResponseId", p.CannedResponseID)
	}
	if err != nil {
		return nil, systemError(err, "loading canned response")
	}
	return o.postMessage(ctx, sess, room, &domain.Message{Content: cr.Content}, o.chats.CreateMessage)
}

func (o *Orchestrator) fileMessage(ctx context.Context, sess *Session, p *fileMessageParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	attachment := p.Attachment
	return o.postMessage(ctx, sess, room, &domain.Message{
		Content:         p.Caption,
		Attachment:      &attachment,
		ClientMessageID: p.ClientMessageID,
	}, o.chats.CreateFileMessage)
}

// postMessage persists msg, registers it for acknowledgement by everyone
// else in the room and broadcasts it.
func (o *Orchestrator) postMessage(ctx context.Context, sess *Session, room *domain.Room, msg *domain.Message,
	create func(context.Context, *domain.Message) (*domain.Message, error)) (any, error) {
	msg.RoomID = room.ID
	msg.SenderID = sess.UserID
	msg.SenderType = domain.SenderVisitor
	if sess.IsAgent() {
		msg.SenderType = domain.SenderAgent
	}
	saved, err := create(ctx, msg)
	if err != nil {
		return nil, systemError(err, "saving message")
	}

	var recipients []string
	if sess.IsAgent() {
		recipients = append(recipients, domain.VisitorRecipient(room.VisitorSessionID))
	}
	for _, agentID := range room.AgentIDs {
		if sess.IsAgent() && agentID == sess.Identity.AgentID {
			continue
		}
		recipients = append(recipients, domain.AgentRecipient(agentID))
	}
	if err := o.messages.AddMessage(ctx, &domain.TrackedMessage{
		MessageID:  saved.ID,
		RoomID:     room.ID,
		Content:    saved.Content,
		SenderID:   saved.SenderID,
		SenderType: saved.SenderType,
		Recipients: recipients,
		CreatedAt:  saved.CreatedAt,
	}); err != nil {
		o.log.Warn().Err(err).Str("room", room.ID).Str("message", saved.ID).Msg("message tracking failed")
	}

	o.hub.Emit(ctx, []string{roomChannel(room.ID), viewerChannel(room.ID)}, OutNewMessage, saved, sess.ConnID)

	if !sess.IsAgent() && len(room.AgentIDs) == 0 {
		if vrec := o.tracker.Get(ctx, sess.Identity); vrec != nil && vrec.Status != domain.StatusIncoming && !vrec.Status.Pending() {
			o.setVisitorStatus(ctx, sess.Identity.SessionID, room.WorkspaceID, domain.StatusIncoming)
			o.broadcastQueue(ctx, room.WorkspaceID, room.DepartmentID)
		}
	}

	o.emitHook(ctx, hooks.EventMessageSent, room.WorkspaceID, map[string]any{
		"roomId":     room.ID,
		"messageId":  saved.ID,
		"senderId":   saved.SenderID,
		"senderType": saved.SenderType,
		"type":       saved.Type,
	})
	return saved, nil
}

func (o *Orchestrator) fileUploadStatus(ctx context.Context, sess *Session, p *fileUploadParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	o.hub.Emit(ctx, []string{roomChannel(room.ID)}, OutFileUploadStatus, map[string]any{
		"roomId":   room.ID,
		"uploadId": p.UploadID,
		"fileName": p.FileName,
		"status":   p.Status,
		"progress": p.Progress,
		"senderId": sess.UserID,
	}, sess.ConnID)
	return map[string]any{"roomId": room.ID, "uploadId": p.UploadID}, nil
}

func (o *Orchestrator) typing(ctx context.Context, sess *Session, p *typingParams) (any, error) {
	room, err := o.loadOpenRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(ctx, sess, room); err != nil {
		return nil, err
	}
	data := map[string]any{
		"roomId":   room.ID,
		"actor":    sess.Identity.Actor,
		"senderId": sess.UserID,
		"typing":   p.Typing,
	}
	if !sess.IsAgent() && p.Preview != "" {
		data["preview"] = p.Preview
	}
	o.hub.Emit(ctx, []string{roomChannel(room.ID)}, OutTyping, data, sess.ConnID)
	return nil, nil
}

func (o *Orchestrator) readReceipt(ctx context.Context, sess *Session, p *messageIDsParams) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	recipient := sess.Identity.RecipientID()

	read, fully := []string{}, []string{}
	for _, id := range p.MessageIDs {
		res, err := o.messages.MarkMessageAsRead(ctx, room.ID, id, recipient)
		if err != nil {
			return nil, systemError(err, "recording read receipt")
		}
		if res.Removed {
			read = append(read, id)
		}
		if res.FullyRead {
			fully = append(fully, id)
		}
	}
	if len(read) > 0 {
		if _, err := o.chats.MarkMessagesAsRead(ctx, room.ID, read); err != nil {
			o.log.Warn().Err(err).Str("room", room.ID).Msg("persisting read state failed")
		}
		o.hub.Emit(ctx, []string{roomChannel(room.ID)}, OutMessagesRead, map[string]any{
			"roomId":     room.ID,
			"messageIds": read,
			"fullyRead":  fully,
			"readBy":     recipient,
		}, sess.ConnID)
	}
	return map[string]any{"roomId": room.ID, "read": read, "fullyRead": fully}, nil
}

func (o *Orchestrator) messageDelivered(ctx context.Context, sess *Session, p *messageIDsParams) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	recipient := sess.Identity.RecipientID()
	completed := o.messages.MarkMessagesAsDelivered(ctx, room.ID, p.MessageIDs, recipient)
	for _, id := range completed {
		if err := o.chats.MarkMessageAsDelivered(ctx, id); err != nil {
			o.log.Warn().Err(err).Str("message", id).Msg("persisting delivery failed")
		}
	}
	if len(completed) > 0 {
		o.hub.Emit(ctx, []string{roomChannel(room.ID)}, OutMessageDelivered, map[string]any{
			"roomId":      room.ID,
			"messageIds":  completed,
			"deliveredBy": recipient,
		}, sess.ConnID)
	}
	if completed == nil {
		completed = []string{}
	}
	return map[string]any{"roomId": room.ID, "delivered": completed}, nil
}

func (o *Orchestrator) getMessages(ctx context.Context, sess *Session, p *getMessagesParams) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	page, err := o.chats.GetMessages(ctx, room.ID, p.Before, p.Limit)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, validationError(CodeMessageNotFound, "cursor message not found").With("before", p.Before)
	}
	if err != nil {
		return nil, systemError(err, "loading messages")
	}
	return page, nil
}

func (o *Orchestrator) getPastChats(ctx context.Context, sess *Session, p *pastChatsParams) (any, error) {
	visitorID := p.VisitorID
	if !sess.IsAgent() {
		visitorID = sess.UserID
	}
	if visitorID == "" {
		return nil, requireFields("visitorId", visitorID)
	}
	chats, err := o.chats.GetPastChats(ctx, sess.Identity.WorkspaceID, visitorID, p.Limit)
	if err != nil {
		return nil, systemError(err, "loading past chats")
	}
	return map[string]any{"visitorId": visitorID, "chats": chats}, nil
}

func (o *Orchestrator) assignTag(ctx context.Context, sess *Session, p *tagParams) (any, error) {
	return o.updateTags(ctx, sess, p, o.chats.AssignTag)
}

func (o *Orchestrator) unassignTag(ctx context.Context, sess *Session, p *tagParams) (any, error) {
	return o.updateTags(ctx, sess, p, o.chats.UnassignTag)
}

func (o *Orchestrator) updateTags(ctx context.Context, sess *Session, p *tagParams,
	apply func(ctx context.Context, roomID, tag string) error) (any, error) {
	room, err := o.loadRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if err := apply(ctx, room.ID, p.Tag); err != nil {
		return nil, systemError(err, "updating tags")
	}
	room, err = o.chats.GetRoomByID(ctx, room.ID)
	if err != nil {
		return nil, systemError(err, "reloading room")
	}
	tags := room.Tags
	if tags == nil {
		tags = []string{}
	}
	o.hub.Emit(ctx, []string{roomChannel(room.ID), viewerChannel(room.ID)}, OutRoomTags, map[string]any{
		"roomId": room.ID,
		"tags":   tags,
	})
	return map[string]any{"roomId": room.ID, "tags": tags}, nil
}
