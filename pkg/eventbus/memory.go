package eventbus

import (
	"context"
	"sync"
)

// Published is one message captured by MemoryProducer.
type Published struct {
	Topic   string
	Message *Message
}

// MemoryProducer keeps published messages in memory. Err, when set, fails
// every publish.
type MemoryProducer struct {
	mu        sync.Mutex
	published []Published
	closed    bool
	Err       error
}

// NewMemoryProducer creates an empty producer.
func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(ctx context.Context, topic string, message *Message) error {
	return p.PublishBatch(ctx, topic, []*Message{message})
}

func (p *MemoryProducer) PublishBatch(_ context.Context, topic string, messages []*Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.Err != nil {
		return p.Err
	}
	for _, msg := range messages {
		p.published = append(p.published, Published{Topic: topic, Message: msg})
	}
	return nil
}

func (p *MemoryProducer) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Published returns a copy of the captured messages.
func (p *MemoryProducer) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}
