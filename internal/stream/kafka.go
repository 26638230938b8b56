package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/freight-matching/internal/models"
)

// KafkaPublisher mirrors committed events onto a topic for out-of-process
// consumers. Writes are async so Publish never holds up a store write.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	w.Completion = func(msgs []kafka.Message, err error) {
		if err != nil {
			logger.Error("kafka_publish_failed", "count", len(msgs), "error", err)
		}
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (k *KafkaPublisher) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("kafka_encode_failed", "key", ev.Key(), "error", err)
		return
	}
	// the async writer only fails here once closed
	if err := k.writer.WriteMessages(context.Background(), kafka.Message{Key: []byte(ev.Key()), Value: b}); err != nil {
		k.logger.Error("kafka_publish_failed", "key", ev.Key(), "error", err)
	}
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// partitionReader is the part of *kafka.Reader a subscription uses.
type partitionReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource reads every partition of the change topic directly rather than
// through a consumer group, since each view needs the whole stream. Subscribe
// positions each partition at its current end before returning, so anything
// committed after that point is delivered.
type KafkaSource struct {
	Brokers []string
	Topic   string
	Logger  *slog.Logger

	// open returns readers already positioned; nil means openAtEnd.
	open func(ctx context.Context) ([]partitionReader, error)
}

func (k *KafkaSource) Subscribe(ctx context.Context, entity EntityType, filter Filter) (Subscription, error) {
	logger := k.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := k.open
	if open == nil {
		open = k.openAtEnd
	}
	readers, err := open(ctx)
	if err != nil {
		return nil, err
	}
	f, ctx := newFeed(ctx, 256)
	f.closer = func() error {
		for _, r := range readers {
			_ = r.Close()
		}
		return nil
	}

	msgs := make(chan kafka.Message)
	errs := make(chan error, len(readers))
	for _, r := range readers {
		go func(r partitionReader) {
			for {
				m, err := r.ReadMessage(ctx)
				if err != nil {
					errs <- err
					return
				}
				select {
				case msgs <- m:
				case <-ctx.Done():
					return
				}
			}
		}(r)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				f.end(ctx.Err())
				return
			case err := <-errs:
				if ctx.Err() != nil {
					f.end(ctx.Err())
					return
				}
				f.end(fmt.Errorf("%w: kafka read: %w", models.ErrStreamGap, err))
				return
			case m := <-msgs:
				var ev Event
				if err := json.Unmarshal(m.Value, &ev); err != nil {
					logger.Warn("kafka_invalid_message", "partition", m.Partition, "offset", m.Offset, "error", err)
					continue
				}
				if err := ev.Validate(); err != nil {
					logger.Warn("kafka_invalid_message", "partition", m.Partition, "offset", m.Offset, "error", err)
					continue
				}
				if ev.Entity != entity || !filter.Match(ev) {
					continue
				}
				if !f.send(ctx, ev) {
					f.end(ctx.Err())
					return
				}
			}
		}
	}()
	return f, nil
}

// openAtEnd opens one reader per partition at the partition's last offset.
func (k *KafkaSource) openAtEnd(ctx context.Context) ([]partitionReader, error) {
	parts, err := k.partitions(ctx)
	if err != nil {
		return nil, err
	}
	readers := make([]partitionReader, 0, len(parts))
	fail := func(err error) ([]partitionReader, error) {
		for _, r := range readers {
			_ = r.Close()
		}
		return nil, err
	}
	for _, p := range parts {
		end, err := k.lastOffset(ctx, p)
		if err != nil {
			return fail(err)
		}
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   k.Brokers,
			Topic:     k.Topic,
			Partition: p,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		if err := r.SetOffset(end); err != nil {
			_ = r.Close()
			return fail(fmt.Errorf("stream: kafka seek %s/%d: %w", k.Topic, p, err))
		}
		readers = append(readers, r)
	}
	return readers, nil
}

func (k *KafkaSource) partitions(ctx context.Context) ([]int, error) {
	err := fmt.Errorf("no brokers configured")
	for _, addr := range k.Brokers {
		var conn *kafka.Conn
		conn, err = kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		var parts []kafka.Partition
		parts, err = conn.ReadPartitions(k.Topic)
		_ = conn.Close()
		if err != nil {
			continue
		}
		ids := make([]int, len(parts))
		for i, p := range parts {
			ids[i] = p.ID
		}
		return ids, nil
	}
	return nil, fmt.Errorf("stream: kafka partitions of %s: %w", k.Topic, err)
}

func (k *KafkaSource) lastOffset(ctx context.Context, partition int) (int64, error) {
	err := fmt.Errorf("no brokers configured")
	for _, addr := range k.Brokers {
		var conn *kafka.Conn
		conn, err = kafka.DialLeader(ctx, "tcp", addr, k.Topic, partition)
		if err != nil {
			continue
		}
		var off int64
		off, err = conn.ReadLastOffset()
		_ = conn.Close()
		if err == nil {
			return off, nil
		}
	}
	return 0, fmt.Errorf("stream: kafka last offset %s/%d: %w", k.Topic, partition, err)
}
