package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csi-portal/portal/hub/internal/config"
)

// LogSender writes jobs to the log. It is the default when no broker is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("component", "notify-log")}
}

func (s *LogSender) Send(_ context.Context, job Job) error {
	s.logger.Info("notification",
		"job_id", job.ID,
		"kind", job.Kind,
		"user_id", job.UserID,
		"email", job.Email,
		"order_id", job.OrderID,
		"membership_type", job.MembershipType,
	)
	return nil
}

func (s *LogSender) Close() error { return nil }

// AMQPSender publishes jobs as persistent JSON messages to a durable queue,
// where the mail worker picks them up.
type AMQPSender struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	chn  *amqp.Channel
}

// NewAMQPSender dials the broker and declares the queue.
func NewAMQPSender(url, queue string) (*AMQPSender, error) {
	s := &AMQPSender{url: url, queue: queue}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSender) connectLocked() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	chn, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := chn.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	); err != nil {
		_ = chn.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	s.conn = conn
	s.chn = chn
	return nil
}

// Send publishes job, reconnecting first if the channel was closed.
func (s *AMQPSender) Send(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chn == nil || s.chn.IsClosed() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	return s.chn.PublishWithContext(ctx,
		"",      // exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Type:         job.Kind,
			Timestamp:    job.CreatedAt,
			Body:         body,
		},
	)
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.chn != nil && !s.chn.IsClosed() {
		errs = append(errs, s.chn.Close())
	}
	if s.conn != nil && !s.conn.IsClosed() {
		errs = append(errs, s.conn.Close())
	}
	s.chn, s.conn = nil, nil
	return errors.Join(errs...)
}

// NewSender builds the sender named by cfg.Driver. An unreachable broker
// falls back to the log sender so that payment handling never depends on it.
func NewSender(cfg config.NotifyConfig, logger *slog.Logger) Sender {
	if cfg.Driver != "amqp" {
		return NewLogSender(logger)
	}
	s, err := NewAMQPSender(cfg.AMQPURL, cfg.Queue)
	if err != nil {
		logger.Warn("amqp notification sender unavailable, falling back to log sender", "error", err)
		return NewLogSender(logger)
	}
	return s
}
