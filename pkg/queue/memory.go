package queue

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/psantana5/vidcoord/pkg/models"
)

// ErrClosed is returned by a closed MemoryQueue
var ErrClosed = errors.New("queue closed")

// MemoryQueue is an in-process priority queue: higher priorities are received
// first and equal priorities keep publish order, matching the broker backends.
// It backs single-node deployments and tests.
type MemoryQueue struct {
	mu        sync.Mutex
	pending   []*models.JobDescriptor
	published []*models.JobDescriptor
	ready     *sync.Cond
	closed    bool
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// Publish appends a copy of d
func (q *MemoryQueue) Publish(ctx context.Context, d *models.JobDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	c := *d
	c.Settings = d.Settings.Clone()
	// insert after every pending descriptor of equal or higher priority
	i := sort.Search(len(q.pending), func(i int) bool { return q.pending[i].Priority < c.Priority })
	q.pending = slices.Insert(q.pending, i, &c)
	q.published = append(q.published, &c)
	q.ready.Signal()
	return nil
}

// Receive pops the next descriptor, blocking until one is available or ctx ends
func (q *MemoryQueue) Receive(ctx context.Context) (*models.JobDescriptor, error) {
	// wake every waiter when ctx ends so this one can observe it
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.ready.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.pending) > 0 {
			d := q.pending[0]
			q.pending = q.pending[1:]
			return d, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.ready.Wait()
	}
}

// Len returns the number of descriptors not yet received
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Published returns every descriptor ever accepted, in order
func (q *MemoryQueue) Published() []*models.JobDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.JobDescriptor(nil), q.published...)
}

// HealthCheck reports whether the queue still accepts messages
func (q *MemoryQueue) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting descriptors and wakes blocked receivers
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ready.Broadcast()
	return nil
}
