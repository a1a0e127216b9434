// internal/types/ids.go
package types

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ViewerID is the opaque identity handed to us by the auth layer. The empty
// value means an anonymous viewer.
type ViewerID string
type ConnID string
type ItemID string

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

func NewItemID() ItemID {
	return ItemID(uuid.New().String())
}

// Anonymous reports whether no viewer identity was resolved.
func (v ViewerID) Anonymous() bool {
	return v == ""
}

// ParseSeq parses a resumption id as sent in a Last-Event-ID header.
// Anything that is not a positive decimal integer is rejected.
func ParseSeq(raw string) (uint64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}
