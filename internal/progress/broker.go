// Package progress fans out job progress events to live subscribers.
package progress

import (
	"context"
	"errors"
	"sync"

	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// ErrClosed is returned by Next once a subscription has ended.
var ErrClosed = errors.New("progress: subscription closed")

// DefaultBuffer is the per-subscription queue length used when none is given.
const DefaultBuffer = 256

// Broker maps job ids to their current subscriptions. Publish never blocks.
type Broker struct {
	buffer  int
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker creates a Broker whose subscriptions queue up to buffer events.
func NewBroker(buffer int, m *metrics.Metrics) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		buffer:  buffer,
		metrics: m,
		subs:    make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in a job. Only events published afterwards
// are delivered.
func (b *Broker) Subscribe(jobID string) *Subscription {
	s := &Subscription{
		jobID:  jobID,
		broker: b,
		limit:  b.buffer,
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Subscribers returns the number of live subscriptions for a job.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Publish delivers ev to every subscription of its job. A terminal event
// ends those subscriptions once it has been consumed.
func (b *Broker) Publish(ev models.ProgressEvent) {
	b.mu.Lock()
	set := b.subs[ev.JobID]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	if ev.Type.Terminal() {
		delete(b.subs, ev.JobID)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.push(ev) {
			b.metrics.EventDropped()
		}
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.jobID]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.jobID)
	}
}

// Subscription is one consumer's bounded event queue.
type Subscription struct {
	jobID  string
	broker *Broker
	limit  int
	notify chan struct{}

	mu       sync.Mutex
	queue    []models.ProgressEvent
	finished bool // terminal event queued
	closed   bool
}

// push enqueues ev, dropping the oldest item_update if the queue is full.
// Reports whether an event was dropped.
func (s *Subscription) push(ev models.ProgressEvent) (dropped bool) {
	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		if i := s.oldestItemUpdate(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			dropped = true
		} else if ev.Type == models.EventItemUpdate {
			// queue holds only events that are never dropped
			s.mu.Unlock()
			return true
		}
	}
	s.queue = append(s.queue, ev)
	if ev.Type.Terminal() {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) oldestItemUpdate() int {
	for i, ev := range s.queue {
		if ev.Type == models.EventItemUpdate {
			return i
		}
	}
	return -1
}

// Next blocks until an event is available, the subscription ends, or ctx is
// done. After the terminal event has been returned, Next returns ErrClosed.
func (s *Subscription) Next(ctx context.Context) (models.ProgressEvent, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return models.ProgressEvent{}, ErrClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.Type.Terminal() {
				s.closed = true
			}
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return models.ProgressEvent{}, ctx.Err()
		}
	}
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.broker.remove(s)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// JobID returns the job the subscription follows.
func (s *Subscription) JobID() string {
	return s.jobID
}
