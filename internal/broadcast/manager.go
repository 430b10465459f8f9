package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSettleDelay = 100 * time.Millisecond

var (
	errMissingTransport = errors.New("broadcast: transport is required")
	errChannelNotLive   = errors.New("broadcast: channel is not live")
	noOpLogger          = zap.NewNop()
)

// ManagerConfig describes the dependencies of a channel Manager.
type ManagerConfig struct {
	Transport Transport
	Logger    *zap.Logger
	Clock     func() time.Time
	// Origin stamps outbound envelopes so an instance can recognize its
	// own messages when they loop back.
	Origin string
	// SettleDelay bounds how long a send waits for a freshly created
	// channel to become ready when the transport gives no explicit
	// confirmation. Zero selects the 100ms default.
	SettleDelay time.Duration
}

// Manager owns the resident channel per (document, purpose) key. It is an
// explicit object passed to its callers; there is no package-level cache.
// Creation and eviction of cached channels are serialized per key: the
// creating caller installs the entry before subscribing and everyone else
// waits on that entry's ready signal, so concurrent demand for the same key
// yields exactly one channel.
type Manager struct {
	transport   Transport
	logger      *zap.Logger
	clock       func() time.Time
	origin      string
	settleDelay time.Duration

	mu       sync.Mutex
	channels map[string]*channel
}

// NewManager constructs a channel manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	settleDelay := cfg.SettleDelay
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	return &Manager{
		transport:   cfg.Transport,
		logger:      logger,
		clock:       clock,
		origin:      cfg.Origin,
		settleDelay: settleDelay,
		channels:    make(map[string]*channel),
	}, nil
}

// Origin returns the identifier stamped on this manager's outbound
// envelopes.
func (m *Manager) Origin() string {
	return m.origin
}

// Broadcast publishes a field content update on the document's content
// channel. Delivery is fire-and-forget and at most once: a channel that is
// not ready in time or a failed send is logged as a warning and the message
// is dropped. Nothing is retried or surfaced to the caller.
func (m *Manager) Broadcast(ctx context.Context, documentID int64, fieldName, content, userID string) {
	envelope := Envelope{
		Event:      EventFieldUpdate,
		DocumentID: documentID,
		FieldName:  fieldName,
		Content:    content,
		UserID:     userID,
		Origin:     m.origin,
		Timestamp:  m.clock().UTC(),
	}
	m.publish(ctx, SubjectFor(documentID, PurposeContent), envelope)
}

// PublishPresencePing publishes a presence change ping on the document's
// presence channel, with the same best-effort semantics as Broadcast.
func (m *Manager) PublishPresencePing(ctx context.Context, documentID int64, userID, fieldName, change string) {
	envelope := Envelope{
		Event:      EventPresenceChanged,
		DocumentID: documentID,
		FieldName:  fieldName,
		UserID:     userID,
		Change:     change,
		Origin:     m.origin,
		Timestamp:  m.clock().UTC(),
	}
	m.publish(ctx, SubjectFor(documentID, PurposePresence), envelope)
}

// Subscribe attaches a listener to the document channel for the given
// purpose, creating and subscribing the channel if no live one is cached.
// Multiple local consumers share one wire subscription per key. The cleanup
// function detaches only this listener; it never force-closes the shared
// channel.
func (m *Manager) Subscribe(ctx context.Context, documentID int64, purpose Purpose) (<-chan Envelope, func(), error) {
	subject := SubjectFor(documentID, purpose)
	ch, err := m.liveChannel(ctx, subject)
	if err != nil {
		return nil, nil, err
	}

	stream := make(chan Envelope, 16)
	listenerID := ch.addListener(func(envelope Envelope) {
		select {
		case stream <- envelope:
		default:
			// Best-effort delivery: a slow consumer misses messages.
		}
	})

	var detachOnce sync.Once
	cleanup := func() {
		detachOnce.Do(func() {
			ch.removeListener(listenerID)
			close(stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return stream, cleanup, nil
}

// CloseChannel unsubscribes and evicts the cached channel for the key. This
// is the only operation that force-closes a channel.
func (m *Manager) CloseChannel(documentID int64, purpose Purpose) {
	subject := SubjectFor(documentID, purpose)
	m.mu.Lock()
	ch := m.channels[subject]
	delete(m.channels, subject)
	m.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.close(); err != nil {
		m.logger.Warn("channel unsubscribe failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, subject string, envelope Envelope) {
	_, err := m.liveChannel(ctx, subject)
	if err != nil {
		m.logger.Warn("broadcast dropped",
			zap.String("subject", subject),
			zap.String("event", envelope.Event),
			zap.Error(err))
		return
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		m.logger.Warn("broadcast encode failed",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if err := m.transport.Publish(subject, data); err != nil {
		m.logger.Warn("broadcast send failed",
			zap.String("subject", subject),
			zap.String("event", envelope.Event),
			zap.Error(err))
	}
}

// liveChannel returns a Subscribed channel for the subject, creating one if
// the cache holds nothing usable. A cached Closed or Errored channel is
// evicted, never reused.
func (m *Manager) liveChannel(ctx context.Context, subject string) (*channel, error) {
	ch, created := m.channelFor(subject)
	if created {
		m.establish(ctx, ch)
	} else if err := m.awaitReady(ctx, ch); err != nil {
		return nil, err
	}
	if state := ch.currentState(); state != StateSubscribed {
		return nil, errChannelNotLive
	}
	return ch, nil
}

// channelFor returns the cached channel for the subject, or installs a
// fresh one when the cache is empty or holds a dead channel. The fresh
// entry is cached before any subscription is issued, which is what prevents
// two concurrent callers from creating duplicate channels.
func (m *Manager) channelFor(subject string) (*channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.channels[subject]
	if existing != nil {
		state := existing.currentState()
		if state != StateClosed && state != StateErrored {
			return existing, false
		}
		delete(m.channels, subject)
	}

	fresh := newChannel(subject)
	m.channels[subject] = fresh
	return fresh, true
}

// establish performs the subscribe handshake for a freshly created channel.
// Readiness is signalled by the transport's confirmation when available and
// by the fixed settle delay otherwise.
func (m *Manager) establish(ctx context.Context, ch *channel) {
	if !ch.beginSubscribe() {
		// Someone else is already driving the handshake.
		if err := m.awaitReady(ctx, ch); err != nil {
			m.logger.Warn("channel readiness wait interrupted",
				zap.String("subject", ch.subject),
				zap.Error(err))
		}
		return
	}

	sub, err := m.transport.Subscribe(ch.subject, func(data []byte) {
		ch.dispatch(data, m.logger)
	})
	if err != nil {
		m.logger.Warn("channel subscribe failed",
			zap.String("subject", ch.subject),
			zap.Error(err))
		ch.markErrored()
		m.evict(ch)
		return
	}

	confirmCtx, cancel := context.WithTimeout(ctx, m.settleDelay)
	confirmErr := m.transport.Confirm(confirmCtx)
	cancel()
	if confirmErr != nil {
		// No explicit ready signal; fall back to the settle delay so the
		// first send does not race the handshake.
		select {
		case <-time.After(m.settleDelay):
		case <-ctx.Done():
		}
	}

	ch.markSubscribed(sub)
}

func (m *Manager) awaitReady(ctx context.Context, ch *channel) error {
	if ch.currentState() == StateSubscribed {
		return nil
	}
	select {
	case <-ch.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) evict(ch *channel) {
	m.mu.Lock()
	if m.channels[ch.subject] == ch {
		delete(m.channels, ch.subject)
	}
	m.mu.Unlock()
}
