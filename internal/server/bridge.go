package server

import (
	"context"
	"errors"
	"sync"

	"github.com/anishanne/COMPOSE/internal/broadcast"
	"github.com/anishanne/COMPOSE/internal/presence"
	"go.uber.org/zap"
)

var (
	errBridgeMissingManager = errors.New("server: broadcast manager required")
	errBridgeMissingFeed    = errors.New("server: change feed required")
)

// PresenceBridgeConfig describes the dependencies of a PresenceBridge.
type PresenceBridgeConfig struct {
	Manager *broadcast.Manager
	Feed    *presence.ChangeFeed
	Logger  *zap.Logger
}

// PresenceBridge relays presence change events between the local change
// feed and the document's presence channel, so instances sharing a broker
// see each other's roster changes. Local events (empty Origin) go outbound
// as pings; inbound pings from other origins are injected into the local
// feed, stamped with their origin so they are never re-forwarded.
type PresenceBridge struct {
	manager *broadcast.Manager
	feed    *presence.ChangeFeed
	logger  *zap.Logger

	rootCtx context.Context
	stop    context.CancelFunc

	mu        sync.Mutex
	documents map[int64]struct{}
}

// NewPresenceBridge constructs a bridge with no documents attached.
func NewPresenceBridge(cfg PresenceBridgeConfig) (*PresenceBridge, error) {
	if cfg.Manager == nil {
		return nil, errBridgeMissingManager
	}
	if cfg.Feed == nil {
		return nil, errBridgeMissingFeed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, stop := context.WithCancel(context.Background())
	return &PresenceBridge{
		manager:   cfg.Manager,
		feed:      cfg.Feed,
		logger:    logger,
		rootCtx:   rootCtx,
		stop:      stop,
		documents: make(map[int64]struct{}),
	}, nil
}

// EnsureDocument lazily starts relaying for a document. Subsequent calls
// for the same document are no-ops.
func (b *PresenceBridge) EnsureDocument(documentID presence.DocumentID) {
	b.mu.Lock()
	if _, attached := b.documents[documentID.Int64()]; attached {
		b.mu.Unlock()
		return
	}
	b.documents[documentID.Int64()] = struct{}{}
	b.mu.Unlock()

	go b.relayOutbound(documentID)
	go b.relayInbound(documentID)
}

// Close stops all relaying. Channels stay open for other consumers; only
// the bridge's own listeners detach.
func (b *PresenceBridge) Close() {
	b.stop()
}

func (b *PresenceBridge) relayOutbound(documentID presence.DocumentID) {
	events, cleanup := b.feed.Subscribe(b.rootCtx, documentID)
	defer cleanup()

	for {
		select {
		case <-b.rootCtx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if event.Origin != "" {
				// Injected from another instance; forwarding it again
				// would loop.
				continue
			}
			b.manager.PublishPresencePing(b.rootCtx, documentID.Int64(), event.UserID, event.FieldName, string(event.Kind))
		}
	}
}

func (b *PresenceBridge) relayInbound(documentID presence.DocumentID) {
	pings, cleanup, err := b.manager.Subscribe(b.rootCtx, documentID.Int64(), broadcast.PurposePresence)
	if err != nil {
		b.logger.Warn("presence channel subscription failed",
			zap.Int64("document_id", documentID.Int64()),
			zap.Error(err))
		return
	}
	defer cleanup()

	for {
		select {
		case <-b.rootCtx.Done():
			return
		case envelope, open := <-pings:
			if !open {
				return
			}
			if envelope.Event != broadcast.EventPresenceChanged {
				continue
			}
			if envelope.Origin == "" || envelope.Origin == b.manager.Origin() {
				continue
			}
			b.feed.Publish(presence.ChangeEvent{
				DocumentID: documentID,
				UserID:     envelope.UserID,
				FieldName:  envelope.FieldName,
				Kind:       presence.ChangeKind(envelope.Change),
				Origin:     envelope.Origin,
				Timestamp:  envelope.Timestamp,
			})
		}
	}
}
