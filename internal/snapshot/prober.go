// Package snapshot computes and caches the latest state of every watched
// class.
package snapshot

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/user/prayerfeed/internal/types"
)

// Prober reads the newest item of every content class and, for a known
// viewer, the unread notification count. It holds no state between calls.
type Prober struct {
	store types.ContentStore
	clock clock.Clock
}

// NewProber creates a Prober over store. A nil clock means the wall clock.
func NewProber(store types.ContentStore, clk clock.Clock) *Prober {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Prober{store: store, clock: clk}
}

// Probe queries the store for a fresh snapshot. Items authored by exclude
// are ignored. The queries run concurrently and the first failure aborts
// the probe.
func (p *Prober) Probe(ctx context.Context, exclude, viewer types.ViewerID) (types.Snapshot, error) {
	g, gctx := errgroup.WithContext(ctx)

	items := make([]*types.ItemRef, len(types.ContentClasses))
	for i, class := range types.ContentClasses {
		g.Go(func() error {
			item, err := p.store.LatestItem(gctx, class, exclude)
			if err != nil {
				return fmt.Errorf("latest %s: %w", class, err)
			}
			items[i] = item
			return nil
		})
	}

	var unread *int64
	if !viewer.Anonymous() {
		g.Go(func() error {
			n, err := p.store.UnreadCount(gctx, viewer)
			if err != nil {
				return fmt.Errorf("unread count: %w", err)
			}
			unread = &n
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return types.Snapshot{}, err
	}

	snap := types.Snapshot{
		Items:   make(map[types.Class]*types.ItemRef, len(items)),
		Unread:  unread,
		TakenAt: p.clock.Now(),
	}
	for i, class := range types.ContentClasses {
		snap.Items[class] = items[i]
	}
	return snap, nil
}

// Get makes a Prober usable as an uncached types.SnapshotSource.
func (p *Prober) Get(ctx context.Context, exclude, viewer types.ViewerID) (types.Snapshot, error) {
	return p.Probe(ctx, exclude, viewer)
}
