package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

const memoryBackend = "memory"

type memoryEntry struct {
	id        string
	seq       int64
	message   Message
	visibleAt time.Time
	readCount int
}

// MemoryQueue is an in-process Queue used by tests and single-process
// deployments. Messages do not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]map[string]*memoryEntry
	seq    int64
	now    func() time.Time
	closed bool
}

// MemoryOption customizes a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock replaces the wall clock, letting tests move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		queues: make(map[string]map[string]*memoryEntry),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Create(_ context.Context, queue string) error {
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ensure(name)
	return nil
}

func (q *MemoryQueue) ensure(name string) map[string]*memoryEntry {
	entries, ok := q.queues[name]
	if !ok {
		entries = make(map[string]*memoryEntry)
		q.queues[name] = entries
	}
	return entries
}

func (q *MemoryQueue) Enqueue(_ context.Context, queue string, msg Message, delay time.Duration) (id string, err error) {
	defer func() { recordOperation(memoryBackend, queue, "enqueue", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return "", err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	now := q.now().UTC()
	visibleAt := now.Add(normalizeDelay(delay))
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	msg.AvailableAt = visibleAt

	q.seq++
	id = strconv.FormatInt(q.seq, 10)
	q.ensure(name)[id] = &memoryEntry{
		id:        id,
		seq:       q.seq,
		message:   msg,
		visibleAt: visibleAt,
	}
	return id, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	deliveries, err := q.DequeueBatch(ctx, queue, visibility, 1)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	return deliveries[0], nil
}

func (q *MemoryQueue) DequeueBatch(_ context.Context, queue string, visibility time.Duration, size int) (out []*Delivery, err error) {
	defer func() {
		recordOperation(memoryBackend, queue, "dequeue", err)
		recordDeliveries(memoryBackend, queue, out)
	}()
	name, err := validateQueueName(queue)
	if err != nil {
		return nil, err
	}
	visibility = normalizeVisibility(visibility)
	size = normalizeBatchSize(size)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now().UTC()
	visible := make([]*memoryEntry, 0)
	for _, entry := range q.queues[name] {
		if !entry.visibleAt.After(now) {
			visible = append(visible, entry)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		a, b := visible[i], visible[j]
		if !a.visibleAt.Equal(b.visibleAt) {
			return a.visibleAt.Before(b.visibleAt)
		}
		if a.message.Priority != b.message.Priority {
			return a.message.Priority > b.message.Priority
		}
		return a.seq < b.seq
	})
	if len(visible) > size {
		visible = visible[:size]
	}

	out = make([]*Delivery, 0, len(visible))
	for _, entry := range visible {
		entry.readCount++
		entry.visibleAt = now.Add(visibility)
		out = append(out, &Delivery{
			ID:           entry.id,
			Queue:        name,
			Message:      entry.message,
			ReadCount:    entry.readCount,
			VisibleUntil: entry.visibleAt,
		})
	}
	return out, nil
}

func (q *MemoryQueue) ExtendVisibility(_ context.Context, queue, msgID string, timeout time.Duration) (deadline time.Time, err error) {
	defer func() { recordOperation(memoryBackend, queue, "extend", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return time.Time{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return time.Time{}, ErrClosed
	}
	entry, ok := q.queues[name][msgID]
	if !ok {
		return time.Time{}, queueError(ErrNotFound, "message "+msgID+" is not in queue "+name)
	}
	now := q.now().UTC()
	if !entry.visibleAt.After(now) {
		return time.Time{}, queueError(ErrNotFound, "message "+msgID+" is not in flight")
	}
	entry.visibleAt = now.Add(normalizeVisibility(timeout))
	return entry.visibleAt, nil
}

func (q *MemoryQueue) Archive(ctx context.Context, queue, msgID string) error {
	return q.ArchiveBatch(ctx, queue, []string{msgID})
}

func (q *MemoryQueue) ArchiveBatch(_ context.Context, queue string, msgIDs []string) (err error) {
	defer func() { recordOperation(memoryBackend, queue, "archive", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	archived := 0
	for _, id := range msgIDs {
		if _, ok := q.queues[name][id]; ok {
			delete(q.queues[name], id)
			archived++
		}
	}
	recordArchived(memoryBackend, name, archived)
	return nil
}

// Len reports the number of unarchived messages in queue, visible or not.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// InFlight reports the number of messages currently hidden by a delivery.
func (q *MemoryQueue) InFlight(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	count := 0
	for _, entry := range q.queues[queue] {
		if entry.readCount > 0 && entry.visibleAt.After(now) {
			count++
		}
	}
	return count
}

func (q *MemoryQueue) HealthCheck(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
