package broadcast

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// State tracks a channel through its lifecycle. Absent is represented by
// the channel not being cached at all; Closed and Errored channels are
// evicted and the next demand creates a fresh one.
type State int32

const (
	// StateCreated means the channel object exists but no subscription
	// has been issued yet.
	StateCreated State = iota + 1
	// StateSubscribing means the subscription is in flight.
	StateSubscribing
	// StateSubscribed means the channel is live.
	StateSubscribed
	// StateClosed means the channel was force-closed via CloseChannel.
	StateClosed
	// StateErrored means subscription failed; the channel is dead.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "absent"
	}
}

// channel owns one wire subscription and fans inbound envelopes out to any
// number of local listeners. The ready signal closes exactly once, when the
// channel reaches Subscribed or Errored.
type channel struct {
	subject string
	ready   chan struct{}

	mu             sync.Mutex
	state          State
	sub            Subscription
	listeners      map[int64]func(Envelope)
	nextListenerID int64
}

func newChannel(subject string) *channel {
	return &channel{
		subject:   subject,
		ready:     make(chan struct{}),
		state:     StateCreated,
		listeners: make(map[int64]func(Envelope)),
	}
}

func (c *channel) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// beginSubscribe moves Created to Subscribing and reports whether the
// caller won the transition and must perform the subscription.
func (c *channel) beginSubscribe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreated {
		return false
	}
	c.state = StateSubscribing
	return true
}

func (c *channel) markSubscribed(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.state = StateSubscribed
	c.mu.Unlock()
	close(c.ready)
}

func (c *channel) markErrored() {
	c.mu.Lock()
	c.state = StateErrored
	c.mu.Unlock()
	close(c.ready)
}

// close force-closes the channel: the wire subscription is dropped and all
// listeners are detached. Only the manager's CloseChannel reaches this.
func (c *channel) close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	previous := c.state
	c.state = StateClosed
	c.listeners = make(map[int64]func(Envelope))
	c.mu.Unlock()

	if previous == StateCreated || previous == StateSubscribing {
		// Never reached Subscribed, so ready is still open.
		close(c.ready)
	}
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *channel) addListener(listener func(Envelope)) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	c.listeners[c.nextListenerID] = listener
	return c.nextListenerID
}

func (c *channel) removeListener(listenerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, listenerID)
}

// dispatch decodes an inbound payload and fans it out to a snapshot of the
// current listeners.
func (c *channel) dispatch(data []byte, logger *zap.Logger) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Warn("undecodable broadcast payload",
			zap.String("subject", c.subject),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	copies := make([]func(Envelope), 0, len(c.listeners))
	for _, listener := range c.listeners {
		copies = append(copies, listener)
	}
	c.mu.Unlock()

	for _, listener := range copies {
		listener(envelope)
	}
}
