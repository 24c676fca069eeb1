package tracking

import "github.com/soyeahso/livechat/internal/domain"

const (
	presencePrefix = "presence:"
	markerPrefix   = "presence:disconnected:"
	ledgerPrefix   = "msgtrack:"
	requestPrefix  = "transfer:"
	uiPrefix       = "ui:open:"
)

func recordKey(id domain.Identity) string { return presencePrefix + id.Key() }

func markerKey(id domain.Identity) string { return markerPrefix + id.Key() }

func indexKey(workspaceID string, actor domain.ActorType) string {
	return presencePrefix + "workspace:" + workspaceID + ":" + string(actor) + "s"
}

func ledgerKey(roomID string) string { return ledgerPrefix + roomID }

func requestKey(id string) string { return requestPrefix + id }

func openRoomsKey(agentID, workspaceID string) string {
	return uiPrefix + workspaceID + ":" + agentID
}
