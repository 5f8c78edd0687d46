package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"audioscribe/internal/config"
	"audioscribe/internal/models"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Completion is the message handed to the mail delivery consumer.
type Completion struct {
	JobID       string    `json:"job_id"`
	Email       string    `json:"email"`
	Text        string    `json:"text"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher hands completed transcripts to the notification exchange.
type Publisher struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
}

// Dial connects and declares the topic exchange.
func Dial(cfg config.NotifyConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
	}, nil
}

// Completed publishes a completion message. Jobs without an email are skipped.
func (p *Publisher) Completed(ctx context.Context, job *models.Job) error {
	if p == nil || job == nil || job.Email == "" || job.Result == nil {
		return nil
	}
	body, err := json.Marshal(Completion{
		JobID:       job.ID,
		Email:       job.Email,
		Text:        job.Result.Text,
		CompletedAt: job.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Timestamp:    job.UpdatedAt,
			Body:         body,
		},
	)
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
