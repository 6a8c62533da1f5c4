// Package notify publishes alert lifecycle events to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel the notifier uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitNotifier publishes every alert event to a topic exchange with the
// routing key alert.<action>.<severity>.
type RabbitNotifier struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
}

// NewRabbitNotifier wraps an already open channel.
func NewRabbitNotifier(ch Channel, exchange string) *RabbitNotifier {
	return &RabbitNotifier{ch: ch, exchange: exchange}
}

// DialRabbit connects to url and declares exchange as a durable topic
// exchange.
func DialRabbit(url, exchange string) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open rabbitmq channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to declare exchange %s", exchange)
	}
	n := NewRabbitNotifier(ch, exchange)
	n.conn = conn
	return n, nil
}

// RoutingKey returns the key an event is published under.
func RoutingKey(event models.AlertEvent) string {
	return fmt.Sprintf("alert.%s.%s", event.Action, event.Alert.Severity)
}

func (n *RabbitNotifier) Notify(ctx context.Context, event models.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode alert event")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.Alert.AlertID + ":" + string(event.Action),
		Timestamp:    event.At,
		Type:         "alert." + string(event.Action),
		Body:         body,
	}
	if err := n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(event), false, false, msg); err != nil {
		return errors.Wrapf(err, "failed to publish alert %s", event.Alert.AlertID)
	}
	return nil
}

func (n *RabbitNotifier) Close() error {
	err := n.ch.Close()
	if n.conn != nil {
		if connErr := n.conn.Close(); err == nil {
			err = connErr
		}
	}
	return err
}
