// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewConnID(t *testing.T) {
	id := NewConnID()
	if id == "" {
		t.Error("expected non-empty ConnID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
	if NewConnID() == id {
		t.Error("expected distinct ids")
	}
}

func TestParseSeq(t *testing.T) {
	tests := []struct {
		raw    string
		want   uint64
		wantOK bool
	}{
		{"42", 42, true},
		{" 7 ", 7, true},
		{"", 0, false},
		{"0", 0, false},
		{"-3", 0, false},
		{"abc", 0, false},
		{"1.5", 0, false},
		{"99999999999999999999999", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseSeq(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseSeq(%q) = %d, %v; want %d, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAnonymousViewer(t *testing.T) {
	if !ViewerID("").Anonymous() {
		t.Error("empty viewer should be anonymous")
	}
	if ViewerID("u1").Anonymous() {
		t.Error("u1 should not be anonymous")
	}
}
