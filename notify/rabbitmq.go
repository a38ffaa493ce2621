// Package notify publishes job completion events to a RabbitMQ exchange.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/maesterweb/maesterweb/model"
)

// JobEvent is the message body sent when a job reaches a terminal state.
type JobEvent struct {
	JobID      string          `json:"jobId"`
	Status     model.JobStatus `json:"status"`
	ReportName string          `json:"reportName,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
}

// NewJobEvent converts a job snapshot into an event.
func NewJobEvent(job model.JobSnapshot) JobEvent {
	return JobEvent{
		JobID:      job.JobID,
		Status:     job.Status,
		ReportName: job.ReportName,
		Error:      job.Error,
		StartTime:  job.StartTime,
		EndTime:    job.EndTime,
	}
}

// Channel is the part of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitNotifier publishes JobEvents with exponential backoff retry.
type RabbitNotifier struct {
	logger     zerolog.Logger
	conn       *amqp.Connection
	channel    Channel
	exchange   string
	routingKey string

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(logger zerolog.Logger, url, exchange, routingKey string) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	n := NewRabbitNotifier(logger, ch, exchange, routingKey)
	n.conn = conn
	return n, nil
}

// NewRabbitNotifier publishes on an already opened channel.
func NewRabbitNotifier(logger zerolog.Logger, ch Channel, exchange, routingKey string) *RabbitNotifier {
	return &RabbitNotifier{
		logger:      logger.With().Str("component", "notifier").Logger(),
		channel:     ch,
		exchange:    exchange,
		routingKey:  routingKey,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    10 * time.Second,
		maxAttempts: 5,
	}
}

// Notify publishes the terminal state of a job.
func (n *RabbitNotifier) Notify(ctx context.Context, job model.JobSnapshot) error {
	body, err := json.Marshal(NewJobEvent(job))
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	if err := n.publishWithRetry(ctx, body); err != nil {
		return err
	}
	n.logger.Debug().Str("job_id", job.JobID).Str("status", string(job.Status)).Msg("Published job event")
	return nil
}

func (n *RabbitNotifier) publishWithRetry(ctx context.Context, body []byte) error {
	var lastErr error

	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := n.channel.PublishWithContext(ctx,
			n.exchange,
			n.routingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == n.maxAttempts {
			break
		}

		backoff := n.baseDelay << (attempt - 1)
		if backoff > n.maxDelay {
			backoff = n.maxDelay
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		}
	}

	return fmt.Errorf("failed to publish job event after %d attempts: %w", n.maxAttempts, lastErr)
}

// Close closes the channel and the connection opened by Dial.
func (n *RabbitNotifier) Close() error {
	err := n.channel.Close()
	if n.conn != nil {
		if cerr := n.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
