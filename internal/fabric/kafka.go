package fabric

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/config"
	"sales-funnel-crm-realtime/shared/logx"
)

// KafkaFabric relays events through a Kafka topic for deployments already
// running a broker. Every process consumes with its own group ID so each one
// sees every event; the event payload is keyed by tenant to keep a tenant's
// stream on one partition, preserving order.
type KafkaFabric struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger logx.Logger
}

func NewKafka(cfg config.Config, logger logx.Logger) (*KafkaFabric, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	topic := cfg.FabricChannel
	if topic == "" {
		topic = "crm.sync.events"
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}

	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = cfg.ServiceName
	}
	// Unique suffix: relay fanout needs every process to receive every event.
	groupID = groupID + "-" + uuid.NewString()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})

	return &KafkaFabric{writer: writer, reader: reader, logger: logger.Component("fabric")}, nil
}

func (f *KafkaFabric) Publish(ctx context.Context, ev event.Event) error {
	if f == nil || f.writer == nil {
		return errors.New("fabric not initialized")
	}
	ctx, span := otel.Tracer("fabric").Start(ctx, "fabric.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("event.type", string(ev.Type)),
	)
	defer span.End()

	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TenantID.String()),
		Value: data,
	})
}

func (f *KafkaFabric) Subscribe(ctx context.Context, handle func(event.Event)) error {
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn(ctx, "relay_read_failed", "kafka read failed, retrying",
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}
		ev, err := event.Unmarshal(msg.Value)
		if err != nil {
			f.logger.Warn(ctx, "relay_decode_failed", "dropping undecodable relayed event",
				slog.String("error", err.Error()),
			)
			continue
		}
		handle(ev)
	}
}

func (f *KafkaFabric) Close() error {
	var first error
	if f.writer != nil {
		if err := f.writer.Close(); err != nil {
			first = err
		}
	}
	if f.reader != nil {
		if err := f.reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
