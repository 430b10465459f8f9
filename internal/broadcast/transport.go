package broadcast

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
)

var errMissingConnection = errors.New("broadcast: nats connection is required")

// Subscription is a live interest registration on one subject.
type Subscription interface {
	Unsubscribe() error
}

// Transport abstracts the pub/sub wire so the channel lifecycle is testable
// without a broker. Confirm reports when previously issued subscriptions
// have been acknowledged by the server; transports without such a signal
// return an error and the manager falls back to the settle delay.
type Transport interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Publish(subject string, data []byte) error
	Confirm(ctx context.Context) error
}

type natsTransport struct {
	conn *nats.Conn
}

// NewNATSTransport adapts a NATS connection to the Transport interface.
func NewNATSTransport(conn *nats.Conn) (Transport, error) {
	if conn == nil {
		return nil, errMissingConnection
	}
	return &natsTransport{conn: conn}, nil
}

func (t *natsTransport) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

func (t *natsTransport) Confirm(ctx context.Context) error {
	return t.conn.FlushWithContext(ctx)
}
