// Package detect decides which watched classes changed between what a
// connection has already seen and a fresh snapshot. It has no state of its
// own: the same inputs always produce the same Result.
package detect

import (
	"github.com/user/prayerfeed/internal/types"
)

// Observation is what a connection has seen of one content class. Seen is
// false until the class has been observed once; Item may be nil when the
// class was empty at that time.
type Observation struct {
	Seen bool
	Item *types.ItemRef
}

// Baseline is the per-connection record of already-seen state. The zero
// value has observed nothing.
type Baseline struct {
	Items     map[types.Class]Observation
	CountSeen bool
	Count     int64
}

func (b Baseline) clone() Baseline {
	items := make(map[types.Class]Observation, len(b.Items))
	for class, obs := range b.Items {
		items[class] = obs
	}
	b.Items = items
	return b
}

// Observed reports whether class has a baseline.
func (b Baseline) Observed(class types.Class) bool {
	return b.Items[class].Seen
}

// Result is the outcome of comparing a baseline with a fresh snapshot.
type Result struct {
	// Changed lists the content classes with a newer item, in
	// types.ContentClasses order.
	Changed      []types.Class
	CountChanged bool
	Count        int64

	// Next is the baseline to keep once the change has been delivered.
	Next Baseline
	// Hold is the baseline to keep when delivery is deferred: first
	// observations are recorded, changed classes keep their old value so the
	// change is reported again.
	Hold Baseline
}

// Any reports whether anything changed.
func (r Result) Any() bool {
	return len(r.Changed) > 0 || r.CountChanged
}

// Detect compares prev with fresh.
//
// A content class changes when the fresh item is strictly newer than the
// observed one, or has the same timestamp but a different id. The first
// observation of a class only sets the baseline. The unread count changes
// whenever it differs from the observed count.
func Detect(prev Baseline, fresh types.Snapshot) Result {
	res := Result{
		Next: prev.clone(),
		Hold: prev.clone(),
	}

	for _, class := range types.ContentClasses {
		item := fresh.Item(class)
		obs := prev.Items[class]
		if !obs.Seen {
			res.Next.Items[class] = Observation{Seen: true, Item: item}
			res.Hold.Items[class] = Observation{Seen: true, Item: item}
			continue
		}
		if Newer(obs.Item, item) {
			res.Changed = append(res.Changed, class)
			res.Next.Items[class] = Observation{Seen: true, Item: item}
		}
	}

	if fresh.Unread != nil {
		count := *fresh.Unread
		res.Count = count
		switch {
		case !prev.CountSeen:
			res.Next.CountSeen, res.Next.Count = true, count
			res.Hold.CountSeen, res.Hold.Count = true, count
		case count != prev.Count:
			res.CountChanged = true
			res.Next.Count = count
		}
	}

	return res
}

// Newer reports whether fresh should be treated as a new item relative to
// prev. A class that becomes empty is not a change.
func Newer(prev, fresh *types.ItemRef) bool {
	if fresh == nil {
		return false
	}
	if prev == nil {
		return true
	}
	if fresh.CreatedAt.After(prev.CreatedAt) {
		return true
	}
	return fresh.CreatedAt.Equal(prev.CreatedAt) && fresh.ID != prev.ID
}
