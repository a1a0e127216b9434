// internal/types/models.go
package types

import (
	"fmt"
	"time"
)

// Class identifies a watched content category.
type Class string

const (
	ClassWords         Class = "words"
	ClassPrayers       Class = "prayers"
	ClassNotifications Class = "notifications"
)

// ContentClasses are the classes backed by posts. Notifications are a
// per-viewer count and are tracked separately.
var ContentClasses = []Class{ClassWords, ClassPrayers}

// ParseClass maps a user supplied name onto a content class.
func ParseClass(name string) (Class, error) {
	switch Class(name) {
	case ClassWords, ClassPrayers:
		return Class(name), nil
	}
	return "", fmt.Errorf("unknown content class %q", name)
}

// ItemRef is the identifier and creation time of the newest item of a class.
type ItemRef struct {
	ID        ItemID    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the latest known state of every watched class at one point in
// time. A nil entry in Items means the class has no items yet. Unread is nil
// when the snapshot was taken without a viewer.
//
// Snapshots are values: nothing mutates one after it has been built.
type Snapshot struct {
	Items   map[Class]*ItemRef `json:"items"`
	Unread  *int64             `json:"unread,omitempty"`
	TakenAt time.Time          `json:"taken_at"`
}

// Item returns the newest item of class, or nil if the class is empty.
func (s Snapshot) Item(class Class) *ItemRef {
	return s.Items[class]
}

// ChangeEvent is one emitted notification. Seq is assigned by the event log
// on append and is never reused within a process lifetime.
type ChangeEvent struct {
	Seq     uint64    `json:"id"`
	Classes []Class   `json:"classes,omitempty"`
	Count   *int64    `json:"notifications_count,omitempty"`
	Viewer  ViewerID  `json:"-"`
	At      time.Time `json:"at"`
}

// Has reports whether class is among the changed classes.
func (e ChangeEvent) Has(class Class) bool {
	for _, c := range e.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// For returns the event as it may be shown to viewer. Notification counts
// belong to the viewer they were computed for and are stripped otherwise.
func (e ChangeEvent) For(viewer ViewerID) ChangeEvent {
	if e.Count != nil && e.Viewer != viewer {
		e.Count = nil
	}
	return e
}

// Empty reports whether the event carries nothing a client could show, as
// happens when another viewer's count-only event is redacted.
func (e ChangeEvent) Empty() bool {
	return len(e.Classes) == 0 && e.Count == nil
}

// Payload builds the wire body of the event.
func (e ChangeEvent) Payload() Payload {
	return Payload{
		WordsChanged:       e.Has(ClassWords),
		PrayersChanged:     e.Has(ClassPrayers),
		NotificationsCount: e.Count,
	}
}

// Payload is the JSON object carried in the data field of a stream event.
type Payload struct {
	WordsChanged       bool   `json:"wordsChanged,omitempty"`
	PrayersChanged     bool   `json:"prayersChanged,omitempty"`
	NotificationsCount *int64 `json:"notificationsCount,omitempty"`
}
