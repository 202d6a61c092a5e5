package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url, exchange string) (publisher, func() error, error)

// AMQPNotifier publishes alerts to a fanout exchange. The connection is
// opened on first use and reopened after a failed publish.
type AMQPNotifier struct {
	url      string
	exchange string
	dial     dialFunc

	mu        sync.Mutex
	ch        publisher
	closeConn func() error
}

// NewAMQPNotifier publishes to exchange on the broker at url.
func NewAMQPNotifier(url, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = "jobs.alerts"
	}
	return &AMQPNotifier{url: url, exchange: exchange, dial: dialAMQP}
}

func dialAMQP(url, exchange string) (publisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return ch, conn.Close, nil
}

// Notify implements Notifier.
func (n *AMQPNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ch == nil {
		ch, closeConn, err := n.dial(n.url, n.exchange)
		if err != nil {
			return err
		}
		n.ch, n.closeConn = ch, closeConn
	}

	err = n.ch.PublishWithContext(ctx, n.exchange, a.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         a.Kind,
		Body:         body,
	})
	if err != nil {
		n.reset()
		return fmt.Errorf("publish to %s: %w", n.exchange, err)
	}
	return nil
}

// Close releases the broker connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reset()
}

func (n *AMQPNotifier) reset() error {
	if n.ch == nil {
		return nil
	}
	_ = n.ch.Close()
	var err error
	if n.closeConn != nil {
		err = n.closeConn()
	}
	n.ch, n.closeConn = nil, nil
	return err
}
