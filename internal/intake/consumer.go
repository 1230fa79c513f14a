package intake

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/events"
)

// Consumer submits entries read from a broker topic.
type Consumer struct {
	sub    events.Subscriber
	topic  string
	group  string
	gate   *gate
	logger *zap.Logger
}

// NewConsumer reads intake.kafka_topic as intake.consumer_group.
func NewConsumer(sub events.Subscriber, cfg config.IntakeConfig, opts schemas.JobOptions, submit Submitter, classify Classifier, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("intake").With(zap.String("topic", cfg.KafkaTopic))
	return &Consumer{
		sub:   sub,
		topic: cfg.KafkaTopic,
		group: cfg.ConsumerGroup,
		gate: &gate{
			submit:   submit,
			classify: classify,
			minLevel: cfg.MinLevel,
			maxSize:  cfg.MaxEntrySize,
			opts:     opts,
			logger:   logger,
		},
		logger: logger,
	}
}

// Run consumes until ctx ends or the subscription closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.topic, c.group)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}
	c.logger.Info("Consuming log entries.", zap.String("group", c.group))
	for msg := range msgs {
		entry, ok := DecodeEntry(msg)
		if !ok {
			continue
		}
		c.gate.offer(ctx, entry)
	}
	return nil
}

// DecodeEntry turns a message into a log entry. A JSON object with a string
// "content" field is read as a LogEntry; any other value is the raw content.
func DecodeEntry(msg events.Message) (schemas.LogEntry, bool) {
	var entry schemas.LogEntry
	if v := strings.TrimSpace(string(msg.Value)); strings.HasPrefix(v, "{") && json.Get(msg.Value, "content").ValueType() == json.StringValue {
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			entry = schemas.LogEntry{Content: string(msg.Value)}
		}
	} else {
		entry.Content = string(msg.Value)
	}
	if strings.TrimSpace(entry.Content) == "" {
		return schemas.LogEntry{}, false
	}
	if entry.Source == "" {
		entry.Source = "kafka:" + msg.Topic
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = msg.Timestamp.UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	entry.Metadata["intake"] = "kafka"
	entry.Metadata["partition"] = msg.Partition
	entry.Metadata["offset"] = msg.Offset
	return entry, true
}
