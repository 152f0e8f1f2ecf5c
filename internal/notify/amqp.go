package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is satisfied by *amqp091.Channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPSink publishes events as JSON to a RabbitMQ exchange, where the chat
// transport consumes them.
type AMQPSink struct {
	conn       *amqp091.Connection
	channel    Publisher
	exchange   string
	routingKey string
	log        *logger.Logger
}

// DialAMQP connects to the broker and makes sure the routing queue exists when
// publishing to the default exchange.
func DialAMQP(cfg config.NotifyConfig, log *logger.Logger) (*AMQPSink, error) {
	conn, err := amqp091.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if cfg.Exchange == "" {
		_, err = ch.QueueDeclare(
			cfg.RoutingKey, // queue name
			true,           // durable
			false,          // auto-delete
			false,          // exclusive
			false,          // no-wait
			nil,            // arguments
		)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	s := NewAMQPSink(ch, cfg, log)
	s.conn = conn
	return s, nil
}

func NewAMQPSink(ch Publisher, cfg config.NotifyConfig, log *logger.Logger) *AMQPSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &AMQPSink{
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		log:        log.Named("amqp"),
	}
}

func (s *AMQPSink) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  "application/json",
		MessageId:    fmt.Sprintf("%s-%d", ev.TaskID, ev.At.UnixNano()),
		Type:         string(ev.Kind),
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := s.channel.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if c, ok := s.channel.(*amqp091.Channel); ok && c != nil {
		c.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
