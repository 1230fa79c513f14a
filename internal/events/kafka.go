package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaBroker talks to Kafka or Redpanda through franz-go. One producer
// client is shared; each subscription gets its own consumer group client.
type KafkaBroker struct {
	client    *kgo.Client
	brokers   []string
	fromStart bool
	logger    *zap.Logger

	mu        sync.Mutex
	consumers map[string]*kgo.Client // topic:group
	closed    bool
	wg        sync.WaitGroup
}

// NewKafkaBroker connects a producer to brokers. fromStart makes new
// consumer groups begin at the oldest retained offset instead of the newest.
func NewKafkaBroker(brokers []string, fromStart bool, logger *zap.Logger) (*KafkaBroker, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaBroker{
		client:    client,
		brokers:   brokers,
		fromStart: fromStart,
		logger:    logger.Named("kafka"),
		consumers: make(map[string]*kgo.Client),
	}, nil
}

// Publish produces one record synchronously.
func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := b.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins group on topic. Offsets are committed automatically.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic, group string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	key := topic + ":" + group
	if _, exists := b.consumers[key]; exists {
		return nil, fmt.Errorf("consumer already exists for topic %s and group %s", topic, group)
	}

	reset := kgo.NewOffset().AtEnd()
	if b.fromStart {
		reset = kgo.NewOffset().AtStart()
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(reset),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	b.consumers[key] = consumer

	out := make(chan Message, memoryBuffer)
	b.wg.Add(1)
	go b.consume(ctx, consumer, out)
	return out, nil
}

func (b *KafkaBroker) consume(ctx context.Context, consumer *kgo.Client, out chan<- Message) {
	defer b.wg.Done()
	defer close(out)

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn("Fetch failed.", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			r := iter.Next()
			msg := Message{
				Topic:     r.Topic,
				Key:       string(r.Key),
				Value:     r.Value,
				Offset:    r.Offset,
				Partition: r.Partition,
				Timestamp: r.Timestamp,
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops every consumer, waits for their loops and closes the producer
// after flushing buffered records.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.wg.Wait()
	b.client.Close()
	return nil
}
