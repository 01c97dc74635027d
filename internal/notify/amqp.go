package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes transfer events to a durable topic exchange. Routing
// keys are the event kinds, so downstream consumers bind with patterns
// like "transfer.*".
type AMQPSink struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

func NewAMQPSink(amqpURL, exchange string) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp url: %w", err)
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPSink{conn: conn, channel: channel, exchange: exchange}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = s.channel.PublishWithContext(ctx,
		s.exchange,
		ev.Kind, // routing key
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

func (s *AMQPSink) Close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
