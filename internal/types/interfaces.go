// internal/types/interfaces.go
package types

import (
	"context"
)

// ContentStore is the read-only view of the document store the stream needs.
type ContentStore interface {
	// LatestItem returns the newest item of class, skipping items authored by
	// exclude when it is non-empty. It returns nil, nil for an empty class.
	LatestItem(ctx context.Context, class Class, exclude ViewerID) (*ItemRef, error)
	UnreadCount(ctx context.Context, viewer ViewerID) (int64, error)
}

type SnapshotSource interface {
	Get(ctx context.Context, exclude, viewer ViewerID) (Snapshot, error)
}

type EventLog interface {
	Append(event ChangeEvent) ChangeEvent
	After(seq uint64) []ChangeEvent
	Covers(seq uint64) bool
	Latest() uint64
	Tail(limit int) []ChangeEvent
	Len() int
}
