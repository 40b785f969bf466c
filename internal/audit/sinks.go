package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/models"
)

// StoreSink пишет аудит в хранилище историй.
type StoreSink struct {
	Store interfaces.StoryStore
}

func (s StoreSink) Name() string { return "store" }

func (s StoreSink) Write(ctx context.Context, rec models.AuditRecord) error {
	return s.Store.WriteAudit(ctx, rec)
}

// LogSink пишет аудит в лог. Используется при STORE_DISABLED.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Write(_ context.Context, rec models.AuditRecord) error {
	s.Logger.Info("audit",
		zap.String("auditId", rec.ID),
		zap.String("requestId", rec.RequestID),
		zap.String("uid", rec.UID),
		zap.String("route", rec.Route),
		zap.Bool("blocked", rec.Blocked),
		zap.String("blockReason", rec.BlockReason),
		zap.String("storyId", rec.StoryID))
	return nil
}

// AMQPSink публикует события аудита в fanout exchange.
type AMQPSink struct {
	ch           *amqp091.Channel
	exchangeName string
	logger       *zap.Logger
}

// NewAMQPSink открывает канал и объявляет durable fanout exchange.
func NewAMQPSink(conn *amqp091.Connection, exchangeName string, logger *zap.Logger) (*AMQPSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchangeName,
		amqp091.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchangeName, err)
	}
	logger.Info("Audit exchange declared", zap.String("exchange", exchangeName))
	return &AMQPSink{ch: ch, exchangeName: exchangeName, logger: logger.Named("AuditAMQPSink")}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Write(ctx context.Context, rec models.AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	err = s.ch.PublishWithContext(ctx,
		s.exchangeName,
		"",    // routing key (fanout)
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    rec.RequestID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if s.ch != nil {
		return s.ch.Close()
	}
	return nil
}
