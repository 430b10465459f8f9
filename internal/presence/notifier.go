package presence

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("presence: store is required")
	errMissingFeed  = errors.New("presence: change feed is required")
)

// NotifierConfig describes the dependencies of a Notifier.
type NotifierConfig struct {
	Store  *Store
	Feed   *ChangeFeed
	Logger *zap.Logger
}

// Notifier turns storage-level change events into fresh rosters. It never
// diffs: every event triggers a wholesale refetch, which is cheap for a
// roster this small and sidesteps incremental merge bugs. Missed events are
// tolerated; the staleness horizon self-heals the roster.
type Notifier struct {
	store  *Store
	feed   *ChangeFeed
	logger *zap.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Notifier{
		store:  cfg.Store,
		feed:   cfg.Feed,
		logger: logger,
	}, nil
}

// Subscribe opens a cancellable roster subscription for a document. Each
// change event on the document produces one fresh roster on the returned
// stream. A consumer that falls behind skips intermediate rosters rather
// than blocking the feed. The cleanup function (or context cancellation)
// tears down only this subscription.
func (n *Notifier) Subscribe(ctx context.Context, documentID DocumentID) (<-chan []ActiveEditor, func()) {
	rosters := make(chan []ActiveEditor, 1)
	events, cancelFeed := n.feed.Subscribe(ctx, documentID)

	done := make(chan struct{})
	var closeOnce sync.Once
	cleanup := func() {
		cancelFeed()
		closeOnce.Do(func() { close(done) })
	}

	go func() {
		defer close(rosters)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				roster := n.store.FetchActiveRoster(ctx, documentID)
				select {
				case rosters <- roster:
				default:
					// Drop the stale roster still sitting in the
					// buffer and deliver the fresh one.
					select {
					case <-rosters:
					default:
					}
					select {
					case rosters <- roster:
					default:
					}
				}
			}
		}
	}()

	return rosters, cleanup
}
