package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSubscription struct {
	transport *fakeTransport
	subject   string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.unsubscribes++
	delete(s.transport.handlers, s.subject)
	return nil
}

type fakeTransport struct {
	mu             sync.Mutex
	handlers       map[string]func(data []byte)
	published      map[string][][]byte
	subscribeCalls int
	unsubscribes   int
	subscribeDelay time.Duration
	subscribeErr   error
	confirmErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[string]func(data []byte)),
		published: make(map[string][][]byte),
	}
}

func (t *fakeTransport) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	t.mu.Lock()
	t.subscribeCalls++
	delay := t.subscribeDelay
	err := t.subscribeErr
	t.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.handlers[subject] = handler
	t.mu.Unlock()
	return &fakeSubscription{transport: t, subject: subject}, nil
}

func (t *fakeTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published[subject] = append(t.published[subject], append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Confirm(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmErr
}

func (t *fakeTransport) deliver(subject string, data []byte) {
	t.mu.Lock()
	handler := t.handlers[subject]
	t.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (t *fakeTransport) publishedTo(subject string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[subject]
}

func (t *fakeTransport) subscribeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}

func newTestManager(t *testing.T, transport Transport, settleDelay time.Duration) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerConfig{
		Transport:   transport,
		Origin:      "instance-test",
		SettleDelay: settleDelay,
	})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	return manager
}

func TestBroadcastPublishesFieldUpdateEnvelope(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, 10*time.Millisecond)
	ctx := context.Background()

	manager.Broadcast(ctx, 7, "title", "hello world", "user-1")

	subject := SubjectFor(7, PurposeContent)
	if subject != "document:7:updates" {
		t.Fatalf("unexpected content subject %s", subject)
	}
	messages := transport.publishedTo(subject)
	if len(messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(messages))
	}

	var envelope Envelope
	if err := json.Unmarshal(messages[0], &envelope); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if envelope.Event != EventFieldUpdate {
		t.Fatalf("expected event %s, got %s", EventFieldUpdate, envelope.Event)
	}
	if envelope.FieldName != "title" || envelope.Content != "hello world" {
		t.Fatalf("unexpected envelope payload: %#v", envelope)
	}
	if envelope.Origin != "instance-test" {
		t.Fatalf("expected origin stamp, got %q", envelope.Origin)
	}
	if envelope.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestConcurrentBroadcastsCreateExactlyOneChannel(t *testing.T) {
	transport := newFakeTransport()
	transport.subscribeDelay = 50 * time.Millisecond
	manager := newTestManager(t, transport, 10*time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.Broadcast(ctx, 7, "title", "content", "user-1")
		}()
	}
	wg.Wait()

	if calls := transport.subscribeCount(); calls != 1 {
		t.Fatalf("expected exactly one subscription, got %d", calls)
	}
	messages := transport.publishedTo(SubjectFor(7, PurposeContent))
	if len(messages) != 2 {
		t.Fatalf("expected both sends to go out, got %d", len(messages))
	}
}

func TestClosedChannelIsNeverReused(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, 10*time.Millisecond)
	ctx := context.Background()

	manager.Broadcast(ctx, 7, "title", "first", "user-1")
	manager.CloseChannel(7, PurposeContent)
	manager.Broadcast(ctx, 7, "title", "second", "user-1")

	if calls := transport.subscribeCount(); calls != 2 {
		t.Fatalf("expected fresh channel after close, got %d subscriptions", calls)
	}
	transport.mu.Lock()
	unsubscribes := transport.unsubscribes
	transport.mu.Unlock()
	if unsubscribes != 1 {
		t.Fatalf("expected one unsubscribe on close, got %d", unsubscribes)
	}
}

func TestErroredChannelIsEvictedAndRecreated(t *testing.T) {
	transport := newFakeTransport()
	transport.subscribeErr = errors.New("broker unavailable")
	manager := newTestManager(t, transport, 10*time.Millisecond)
	ctx := context.Background()

	manager.Broadcast(ctx, 7, "title", "dropped", "user-1")
	if messages := transport.publishedTo(SubjectFor(7, PurposeContent)); len(messages) != 0 {
		t.Fatalf("expected no messages on errored channel, got %d", len(messages))
	}

	transport.mu.Lock()
	transport.subscribeErr = nil
	transport.mu.Unlock()

	manager.Broadcast(ctx, 7, "title", "delivered", "user-1")
	if calls := transport.subscribeCount(); calls != 2 {
		t.Fatalf("expected resubscription after error, got %d", calls)
	}
	if messages := transport.publishedTo(SubjectFor(7, PurposeContent)); len(messages) != 1 {
		t.Fatalf("expected the second send to go out, got %d", len(messages))
	}
}

func TestSettleDelayFallbackWhenConfirmUnavailable(t *testing.T) {
	transport := newFakeTransport()
	transport.confirmErr = errors.New("no confirmation support")
	settleDelay := 40 * time.Millisecond
	manager := newTestManager(t, transport, settleDelay)
	ctx := context.Background()

	started := time.Now()
	manager.Broadcast(ctx, 7, "title", "content", "user-1")
	elapsed := time.Since(started)

	if elapsed < settleDelay {
		t.Fatalf("expected first send to wait at least %v, took %v", settleDelay, elapsed)
	}
	if messages := transport.publishedTo(SubjectFor(7, PurposeContent)); len(messages) != 1 {
		t.Fatalf("expected message after settle delay, got %d", len(messages))
	}
}

func TestSubscribersShareOneChannelPerDocument(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstStream, firstCleanup, err := manager.Subscribe(ctx, 7, PurposeContent)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	secondStream, secondCleanup, err := manager.Subscribe(ctx, 7, PurposeContent)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer secondCleanup()

	if calls := transport.subscribeCount(); calls != 1 {
		t.Fatalf("expected one shared subscription, got %d", calls)
	}

	payload, err := json.Marshal(Envelope{
		Event:     EventFieldUpdate,
		FieldName: "title",
		Content:   "shared",
		UserID:    "user-2",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	transport.deliver(SubjectFor(7, PurposeContent), payload)

	for _, stream := range []<-chan Envelope{firstStream, secondStream} {
		select {
		case envelope := <-stream:
			if envelope.Content != "shared" {
				t.Fatalf("unexpected content %q", envelope.Content)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected envelope within deadline")
		}
	}

	// Detaching one listener must not tear down the shared channel.
	firstCleanup()
	transport.mu.Lock()
	unsubscribes := transport.unsubscribes
	transport.mu.Unlock()
	if unsubscribes != 0 {
		t.Fatalf("expected shared channel to stay open, got %d unsubscribes", unsubscribes)
	}

	transport.deliver(SubjectFor(7, PurposeContent), payload)
	select {
	case envelope := <-secondStream:
		if envelope.Content != "shared" {
			t.Fatalf("unexpected content %q", envelope.Content)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected remaining listener to keep receiving")
	}
}

func TestPresenceAndContentChannelsAreDistinct(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, 10*time.Millisecond)
	ctx := context.Background()

	manager.Broadcast(ctx, 7, "title", "content", "user-1")
	manager.PublishPresencePing(ctx, 7, "user-1", "title", "upsert")

	if calls := transport.subscribeCount(); calls != 2 {
		t.Fatalf("expected separate channels per purpose, got %d subscriptions", calls)
	}
	if len(transport.publishedTo("document:7")) != 1 {
		t.Fatal("expected presence ping on document:7")
	}
	if len(transport.publishedTo("document:7:updates")) != 1 {
		t.Fatal("expected field update on document:7:updates")
	}
}
