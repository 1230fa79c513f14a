package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const memoryBuffer = 100

// MemoryBroker delivers messages between goroutines of one process. Every
// consumer group of a topic receives every message; within a group there is
// a single consumer. It backs tests and single-node setups without Kafka.
type MemoryBroker struct {
	mu     sync.RWMutex
	groups map[string]map[string]chan Message // topic -> group -> channel
	closed bool
	done   chan struct{}

	offsetMu sync.Mutex
	offset   map[string]int64
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		groups: make(map[string]map[string]chan Message),
		offset: make(map[string]int64),
		done:   make(chan struct{}),
	}
}

// Publish delivers value to every group subscribed to topic, blocking while
// a group's buffer is full.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	// Held for the whole delivery so no channel is closed mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	b.offsetMu.Lock()
	offset := b.offset[topic]
	b.offset[topic]++
	b.offsetMu.Unlock()

	msg := Message{
		Topic:     topic,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Offset:    offset,
		Timestamp: time.Now(),
	}
	for _, ch := range b.groups[topic] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers group on topic. Messages published before the call are
// not replayed.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic, group string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.groups[topic][group]; ok {
		return nil, fmt.Errorf("consumer already exists for topic %s and group %s", topic, group)
	}
	if b.groups[topic] == nil {
		b.groups[topic] = make(map[string]chan Message)
	}
	ch := make(chan Message, memoryBuffer)
	b.groups[topic][group] = ch

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(topic, group, ch)
		case <-b.done:
		}
	}()
	return ch, nil
}

func (b *MemoryBroker) unsubscribe(topic, group string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.groups[topic][group] != ch {
		return
	}
	delete(b.groups[topic], group)
	close(ch)
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for _, groups := range b.groups {
		for _, ch := range groups {
			close(ch)
		}
	}
	b.groups = nil
	return nil
}
