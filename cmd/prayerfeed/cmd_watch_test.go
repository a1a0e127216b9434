package main

import (
	"testing"

	"github.com/user/prayerfeed/pkg/livefeed"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":8080", "http://localhost:8080/api/live"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000/api/live"},
		{"feed.local:80", "http://feed.local:80/api/live"},
	}
	for _, tt := range tests {
		if got := streamURL(tt.listen); got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.listen, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	three := int64(3)
	tests := []struct {
		name string
		ev   livefeed.Event
		want string
	}{
		{"words", livefeed.Event{WordsChanged: true}, "new words"},
		{"both", livefeed.Event{WordsChanged: true, PrayersChanged: true}, "new words, new prayers"},
		{"count", livefeed.Event{NotificationsCount: &three}, "3 unread"},
		{"empty", livefeed.Event{}, "no change"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.ev); got != tt.want {
				t.Errorf("describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
