package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryBroker_FanOutToGroups(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	a, err := b.Subscribe(ctx, "done", "api")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "done", "audit")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other", "api")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "done", "job-1", []byte("one")))
	require.NoError(t, b.Publish(ctx, "done", "job-2", []byte("two")))

	for _, ch := range []<-chan Message{a, c} {
		first := receive(t, ch)
		second := receive(t, ch)
		assert.Equal(t, "job-1", first.Key)
		assert.Equal(t, []byte("one"), first.Value)
		assert.Equal(t, int64(0), first.Offset)
		assert.Equal(t, int64(1), second.Offset)
	}
	assert.Empty(t, other)
}

func TestMemoryBroker_DuplicateGroupRejected(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "t", "g")
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "t", "g")
	assert.Error(t, err)
}

func TestMemoryBroker_ContextEndsSubscription(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel was not closed")
	}

	// The group can join again once its previous subscription ended.
	_, err = b.Subscribe(context.Background(), "t", "g")
	assert.NoError(t, err)
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker()
	ch, err := b.Subscribe(context.Background(), "t", "g")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), "t", "k", nil), ErrClosed)
	_, err = b.Subscribe(context.Background(), "t", "g2")
	assert.ErrorIs(t, err, ErrClosed)
}

type flakyPublisher struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if f.calls.Add(1) <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyPublisher) Close() error { return nil }

func TestRetryingPublisher(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		next := &flakyPublisher{failures: 2, err: errors.New("leader not available")}
		p := NewRetryingPublisher(next, time.Second, zap.New(core))
		p.initialInterval = time.Millisecond

		require.NoError(t, p.Publish(context.Background(), "t", "k", []byte("v")))
		assert.Equal(t, int32(3), next.calls.Load())
		assert.Equal(t, 2, logs.FilterMessage("Publish failed, retrying.").Len())
	})

	t.Run("closed broker is not retried", func(t *testing.T) {
		next := &flakyPublisher{failures: 10, err: ErrClosed}
		p := NewRetryingPublisher(next, time.Second, nil)
		p.initialInterval = time.Millisecond

		err := p.Publish(context.Background(), "t", "k", nil)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Equal(t, int32(1), next.calls.Load())
	})

	t.Run("gives up after max elapsed", func(t *testing.T) {
		next := &flakyPublisher{failures: 1 << 30, err: errors.New("down")}
		p := NewRetryingPublisher(next, 20*time.Millisecond, nil)
		p.initialInterval = time.Millisecond

		err := p.Publish(context.Background(), "t", "k", nil)
		assert.EqualError(t, err, "down")
		assert.Greater(t, next.calls.Load(), int32(1))
	})
}

func TestCompletionEvent(t *testing.T) {
	done := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ok := NewCompletionEvent(schemas.DiagnosisJob{
		ID:          "job-1",
		Status:      schemas.JobSucceeded,
		CompletedAt: &done,
		Result:      &schemas.DiagnosisResult{ID: "rep-1", ConfidenceScore: 0.75},
	})
	b, err := ok.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"job-1","status":"succeeded","report_id":"rep-1","confidence":0.75,"completed_at":"2024-03-01T12:00:00Z"}`, string(b))

	back, err := DecodeCompletionEvent(b)
	require.NoError(t, err)
	assert.Equal(t, ok, back)

	failed := NewCompletionEvent(schemas.DiagnosisJob{
		ID:          "job-2",
		Status:      schemas.JobFailed,
		CompletedAt: &done,
		Error:       &schemas.JobError{Kind: "provider", Message: "boom"},
	})
	assert.Equal(t, "provider", failed.ErrorKind)
	assert.Empty(t, failed.ReportID)
}
