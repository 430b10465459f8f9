package presence

import (
	"context"
	"sync"
	"time"
)

// ChangeKind labels a storage-level presence row change.
type ChangeKind string

const (
	// ChangeKindUpsert covers row insertion and refresh.
	ChangeKindUpsert ChangeKind = "upsert"
	// ChangeKindDelete covers row removal.
	ChangeKindDelete ChangeKind = "delete"
)

// ChangeEvent describes one presence row change on a document. Consumers
// treat it as a ping and refetch the roster wholesale; it never carries row
// content.
type ChangeEvent struct {
	DocumentID DocumentID
	UserID     string
	FieldName  string
	Kind       ChangeKind
	Origin     string
	Timestamp  time.Time
}

// ChangeFeed fans presence change events out to per-document subscribers.
// Delivery is best effort: a subscriber whose buffer is full misses the
// event, which is acceptable because the roster is refetched wholesale on
// the next one and stale rows age out on their own.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewChangeFeed constructs an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		subscribers: make(map[int64]map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for change events on one document. The returned
// cleanup detaches the subscription; cancelling the context does the same.
func (f *ChangeFeed) Subscribe(ctx context.Context, documentID DocumentID) (<-chan ChangeEvent, func()) {
	if documentID <= 0 {
		stream := make(chan ChangeEvent)
		close(stream)
		return stream, func() {}
	}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan ChangeEvent, f.bufferSize),
	}
	f.registerSubscriber(documentID.Int64(), subscriber)
	cleanup := func() {
		f.unregisterSubscriber(documentID.Int64(), subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every subscriber of its document without
// blocking the publisher.
func (f *ChangeFeed) Publish(event ChangeEvent) {
	if event.DocumentID <= 0 || event.Kind == "" {
		return
	}
	f.mu.RLock()
	subscribers := f.subscribers[event.DocumentID.Int64()]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (f *ChangeFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *ChangeFeed) registerSubscriber(documentID int64, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[documentID]; !ok {
		f.subscribers[documentID] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[documentID][subscriber.id] = subscriber
}

func (f *ChangeFeed) unregisterSubscriber(documentID int64, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[documentID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, documentID)
		}
	}
	f.mu.Unlock()
}
