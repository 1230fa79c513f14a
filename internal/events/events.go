// Package events carries job completion events out of the process and log
// entries into it, over Kafka compatible brokers or an in-memory stand-in.
package events

import (
	"context"
	"errors"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// ErrClosed is returned by brokers used after Close.
var ErrClosed = errors.New("broker is closed")

// Message is one consumed record.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int32
	Timestamp time.Time
}

// Publisher sends a value to a topic. The key selects the partition on Kafka.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Subscriber consumes a topic as a member of a consumer group. The channel
// is closed when ctx ends or the broker is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string) (<-chan Message, error)
}

// Broker is both ends.
type Broker interface {
	Publisher
	Subscriber
}

// CompletionEvent announces that a job reached a terminal state.
type CompletionEvent struct {
	JobID       string            `json:"job_id"`
	Status      schemas.JobStatus `json:"status"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	ReportID    string            `json:"report_id,omitempty"`
	Confidence  float64           `json:"confidence"`
	CompletedAt time.Time         `json:"completed_at"`
}

// NewCompletionEvent summarizes a terminal job.
func NewCompletionEvent(job schemas.DiagnosisJob) CompletionEvent {
	ev := CompletionEvent{JobID: job.ID, Status: job.Status}
	if job.CompletedAt != nil {
		ev.CompletedAt = job.CompletedAt.UTC()
	}
	if job.Error != nil {
		ev.ErrorKind = job.Error.Kind
	}
	if job.Result != nil {
		ev.ReportID = job.Result.ID
		ev.Confidence = job.Result.ConfidenceScore
	}
	return ev
}

// Encode renders the event as JSON.
func (e CompletionEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeCompletionEvent parses an encoded event.
func DecodeCompletionEvent(b []byte) (CompletionEvent, error) {
	var e CompletionEvent
	err := json.Unmarshal(b, &e)
	return e, err
}
