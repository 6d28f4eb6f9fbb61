package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	// senderIDHeader carries the sender identity as message metadata,
	// never inside the body.
	senderIDHeader = "SENDER_ID"

	queueNamePrefix = "user.queue."

	defaultPublishTimeout = 5 * time.Second
)

var (
	ErrClosed = errors.New("relay channel is closed")
)

// MessageHandler consumes direct messages arriving on the local peer's
// queue.
type MessageHandler func(senderID, body string)

// QueueNameFor derives the per-peer queue name. Producers and consumers
// must agree on it, so it is a pure function of the peer id.
func QueueNameFor(userID string) string {
	return queueNamePrefix + userID
}

// Relay is the durable store-and-forward channel. Messages published to a
// peer's queue persist until that peer consumes them, independent of its
// online state and of registry liveness.
type Relay struct {
	logger zerolog.Logger
	conn   *amqp.Connection
	ch     *amqp.Channel
	userID string

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the broker, declares the local peer's queue and starts
// consuming it. A failure leaves the client in degraded mode where only
// the live channel can be used; it must not crash the caller.
func Dial(url, userID string, handler MessageHandler, logger *zerolog.Logger) (*Relay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker at %s: %w", url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	r := &Relay{
		logger: logger.With().Str("component", "relay-client").Str("peer", userID).Logger(),
		conn:   conn,
		ch:     ch,
		userID: userID,
		closed: make(chan struct{}),
	}

	if err = r.consumeOwnQueue(handler); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	r.logger.Info().Str("queue", QueueNameFor(userID)).Msg("listening for direct messages")
	return r, nil
}

func (r *Relay) consumeOwnQueue(handler MessageHandler) error {
	queueName := QueueNameFor(r.userID)
	if _, err := r.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	deliveries, err := r.ch.Consume(queueName, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queueName, err)
	}

	go func() {
		for d := range deliveries {
			sender, ok := d.Headers[senderIDHeader].(string)
			if !ok || sender == "" {
				r.logger.Warn().Str("queue", queueName).Msg("direct message without sender header dropped")
				continue
			}
			handler(sender, string(d.Body))
		}
		if !r.isClosed() {
			r.logger.Warn().Msg("relay consumer stopped")
		}
	}()
	return nil
}

// SendDirectMessage publishes a persistent message to the destination
// peer's queue. The destination does not need to be online, or even
// known to the registry.
func (r *Relay) SendDirectMessage(destinationID, body string) error {
	if r.isClosed() {
		return ErrClosed
	}
	queueName := QueueNameFor(destinationID)
	if _, err := r.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()

	err := r.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Headers:      amqp.Table{senderIDHeader: r.userID},
		Body:         []byte(body),
	})
	if err != nil {
		return fmt.Errorf("publish to queue %s: %w", queueName, err)
	}
	r.logger.Debug().Str("dst", destinationID).Msg("direct message queued")
	return nil
}

// Close releases the broker resources. Closing twice is a non-error.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		if err := r.ch.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("broker channel close")
		}
		if err := r.conn.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("broker connection close")
		}
		r.logger.Debug().Msg("relay channel closed")
	})
	return nil
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
