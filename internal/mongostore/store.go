// Package mongostore reads feed content from the application's MongoDB
// collections.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/user/prayerfeed/internal/state"
	"github.com/user/prayerfeed/internal/types"
)

// Options names the collections and post types the store reads.
type Options struct {
	Database                string
	PostsCollection         string
	NotificationsCollection string
	WordType                string
	PrayerType              string
	// Timeout bounds each query. Zero leaves the caller's deadline alone.
	Timeout time.Duration
}

// DefaultOptions returns the collection layout of the feed application.
func DefaultOptions() Options {
	return Options{
		Database:                "feed",
		PostsCollection:         "posts",
		NotificationsCollection: "notifications",
		WordType:                "word",
		PrayerType:              "prayer",
		Timeout:                 3 * time.Second,
	}
}

// postDoc is the subset of a post document the store needs.
type postDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	CreatedAt time.Time          `bson:"created_at"`
}

// Store implements types.ContentStore over MongoDB.
//
// Posts are documents {type, author_id, created_at}; notifications are
// {recipient_id, read, created_at}.
type Store struct {
	client        *mongo.Client
	posts         *mongo.Collection
	notifications *mongo.Collection
	postTypes     map[types.Class]string
	timeout       time.Duration
}

var _ types.ContentStore = (*Store)(nil)

// Connect dials uri, verifies the connection and returns a Store that owns
// the client.
func Connect(ctx context.Context, uri string, opts Options) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s, err := New(ctx, client, opts)
	if err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New creates a Store on an existing client and ensures the indexes the
// queries rely on.
func New(ctx context.Context, client *mongo.Client, opts Options) (*Store, error) {
	def := DefaultOptions()
	if opts.Database == "" {
		opts.Database = def.Database
	}
	if opts.PostsCollection == "" {
		opts.PostsCollection = def.PostsCollection
	}
	if opts.NotificationsCollection == "" {
		opts.NotificationsCollection = def.NotificationsCollection
	}
	if opts.WordType == "" {
		opts.WordType = def.WordType
	}
	if opts.PrayerType == "" {
		opts.PrayerType = def.PrayerType
	}

	db := client.Database(opts.Database)
	s := &Store{
		client:        client,
		posts:         db.Collection(opts.PostsCollection),
		notifications: db.Collection(opts.NotificationsCollection),
		postTypes: map[types.Class]string{
			types.ClassWords:   opts.WordType,
			types.ClassPrayers: opts.PrayerType,
		},
		timeout: opts.Timeout,
	}

	_, err := s.posts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
			{Key: "created_at", Value: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create post index: %w", err)
	}
	_, err = s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "recipient_id", Value: 1},
			{Key: "read", Value: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notification index: %w", err)
	}
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// LatestItem returns the newest post of class not written by exclude, or nil
// when there is none. Ties on created_at resolve to the later _id.
func (s *Store) LatestItem(ctx context.Context, class types.Class, exclude types.ViewerID) (*types.ItemRef, error) {
	postType, ok := s.postTypes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownClass, class)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"type": postType}
	if !exclude.Anonymous() {
		filter["author_id"] = bson.M{"$ne": string(exclude)}
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(bson.M{"_id": 1, "created_at": 1})

	var doc postDoc
	err := s.posts.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest %s: %w", class, err)
	}
	return &types.ItemRef{
		ID:        types.ItemID(doc.ID.Hex()),
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

// UnreadCount returns how many notifications addressed to viewer are unread.
func (s *Store) UnreadCount(ctx context.Context, viewer types.ViewerID) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.notifications.CountDocuments(ctx, bson.M{
		"recipient_id": string(viewer),
		"read":         false,
	})
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
