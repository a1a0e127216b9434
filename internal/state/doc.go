// Package state provides the in-memory event log and the file-backed
// development content store.
package state

import "github.com/user/prayerfeed/internal/types"

// Compile-time interface compliance checks.
var _ types.EventLog = (*EventLog)(nil)
var _ types.ContentStore = (*ContentStore)(nil)
