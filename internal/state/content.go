// internal/state/content.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/prayerfeed/internal/types"
)

// ErrUnknownClass is returned when a post is filed under a class that is not
// a content class.
var ErrUnknownClass = errors.New("unknown content class")

// Post is a feed item as kept by the file store.
type Post struct {
	ID        types.ItemID   `json:"id"`
	Class     types.Class    `json:"class"`
	Author    types.ViewerID `json:"author"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification is an entry in a viewer's notification list.
type Notification struct {
	ID        types.ItemID   `json:"id"`
	Viewer    types.ViewerID `json:"viewer"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

type contentFile struct {
	Posts         []*Post         `json:"posts"`
	Notifications []*Notification `json:"notifications"`
}

// ContentStore is a JSON-file-backed content store used for development and
// demos. The file is re-read on every query so that a running server sees
// writes made by other processes (the CLI).
type ContentStore struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewContentStore creates a file-backed ContentStore at the given file path.
func NewContentStore(path string) *ContentStore {
	return &ContentStore{path: path, now: time.Now}
}

// Path returns the file path used by this store.
func (s *ContentStore) Path() string {
	return s.path
}

// LatestItem returns the newest post of class not authored by exclude. When
// two posts share a timestamp the one written last wins.
func (s *ContentStore) LatestItem(_ context.Context, class types.Class, exclude types.ViewerID) (*types.ItemRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := s.load()
	if err != nil {
		return nil, err
	}

	var latest *Post
	for _, post := range content.Posts {
		if post.Class != class {
			continue
		}
		if exclude != "" && post.Author == exclude {
			continue
		}
		if latest == nil || !post.CreatedAt.Before(latest.CreatedAt) {
			latest = post
		}
	}
	if latest == nil {
		return nil, nil
	}
	return &types.ItemRef{ID: latest.ID, CreatedAt: latest.CreatedAt}, nil
}

// UnreadCount returns the number of unread notifications for viewer.
func (s *ContentStore) UnreadCount(_ context.Context, viewer types.ViewerID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := s.load()
	if err != nil {
		return 0, err
	}

	var count int64
	for _, n := range content.Notifications {
		if n.Viewer == viewer && !n.Read {
			count++
		}
	}
	return count, nil
}

// AddPost records a new post by author in class.
func (s *ContentStore) AddPost(_ context.Context, class types.Class, author types.ViewerID) (*Post, error) {
	if _, err := types.ParseClass(string(class)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.load()
	if err != nil {
		return nil, err
	}

	post := &Post{
		ID:        types.NewItemID(),
		Class:     class,
		Author:    author,
		CreatedAt: s.now().UTC(),
	}
	content.Posts = append(content.Posts, post)
	if err := s.save(content); err != nil {
		return nil, err
	}
	return post, nil
}

// AddNotification records a new unread notification for viewer.
func (s *ContentStore) AddNotification(_ context.Context, viewer types.ViewerID) (*Notification, error) {
	if viewer.Anonymous() {
		return nil, errors.New("notification requires a viewer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.load()
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:        types.NewItemID(),
		Viewer:    viewer,
		CreatedAt: s.now().UTC(),
	}
	content.Notifications = append(content.Notifications, n)
	if err := s.save(content); err != nil {
		return nil, err
	}
	return n, nil
}

// MarkAllRead marks every notification of viewer as read and returns how
// many changed.
func (s *ContentStore) MarkAllRead(_ context.Context, viewer types.ViewerID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.load()
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, n := range content.Notifications {
		if n.Viewer == viewer && !n.Read {
			n.Read = true
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, s.save(content)
}

// load reads the JSON file. A missing file is an empty store.
func (s *ContentStore) load() (*contentFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &contentFile{}, nil
		}
		return nil, fmt.Errorf("read content file: %w", err)
	}

	var content contentFile
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &content, nil
}

// save writes the content to disk using atomic write (temp file + rename).
func (s *ContentStore) save(content *contentFile) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create content dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp content file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp content file: %w", err)
	}
	return nil
}
