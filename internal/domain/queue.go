package domain

import (
	"sort"
	"time"
)

// Queue bucket names, one per visitor status.
const (
	BucketActive          = "active"
	BucketIdle            = "idle"
	BucketAway            = "away"
	BucketIncoming        = "incoming"
	BucketServed          = "currentlyServed"
	BucketPendingTransfer = "pendingTransfer"
	BucketPendingInvite   = "pendingInvite"
)

var bucketByStatus = map[Status]string{
	StatusActive:          BucketActive,
	StatusIdle:            BucketIdle,
	StatusAway:            BucketAway,
	StatusIncoming:        BucketIncoming,
	StatusCurrentlyServed: BucketServed,
	StatusPendingTransfer: BucketPendingTransfer,
	StatusPendingInvite:   BucketPendingInvite,
}

// QueueEntry is one visitor in a queue snapshot.
type QueueEntry struct {
	SessionID    string    `json:"sessionId"`
	VisitorID    string    `json:"visitorId,omitempty"`
	DepartmentID string    `json:"departmentId,omitempty"`
	Status       Status    `json:"status"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// QueueSnapshot groups a workspace's (or department's) visitors by status.
type QueueSnapshot struct {
	WorkspaceID  string                  `json:"workspaceId"`
	DepartmentID string                  `json:"departmentId,omitempty"`
	Buckets      map[string][]QueueEntry `json:"buckets"`
	Total        int                     `json:"total"`
	GeneratedAt  time.Time               `json:"generatedAt"`
}

// BuildQueue buckets visitor records. A non-empty departmentID restricts the
// snapshot to that department. Entries are ordered oldest update first.
func BuildQueue(workspaceID, departmentID string, records []*Record, now time.Time) QueueSnapshot {
	snap := QueueSnapshot{
		WorkspaceID:  workspaceID,
		DepartmentID: departmentID,
		Buckets:      make(map[string][]QueueEntry, len(bucketByStatus)),
		GeneratedAt:  now,
	}
	for _, b := range bucketByStatus {
		snap.Buckets[b] = []QueueEntry{}
	}
	for _, r := range records {
		if r == nil || r.Identity.IsAgent() || r.Identity.WorkspaceID != workspaceID {
			continue
		}
		if departmentID != "" && r.DepartmentID != departmentID {
			continue
		}
		bucket, ok := bucketByStatus[r.Status]
		if !ok {
			continue
		}
		snap.Buckets[bucket] = append(snap.Buckets[bucket], QueueEntry{
			SessionID:    r.Identity.SessionID,
			VisitorID:    r.UserID,
			DepartmentID: r.DepartmentID,
			Status:       r.Status,
			LastUpdated:  r.LastUpdated,
		})
		snap.Total++
	}
	for _, entries := range snap.Buckets {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].LastUpdated.Before(entries[j].LastUpdated)
		})
	}
	return snap
}
