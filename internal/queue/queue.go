// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package queue provides the in-process task queue feeding the worker
// pool. Delivery is at least once: a claimed task stays invisible for
// the visibility timeout and is redelivered if the worker neither acks
// nor nacks it in time, so every consumer has to tolerate duplicates.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("vmmigrator.queue")

// ErrQueueClosed reports an operation on a closed queue.
const ErrQueueClosed = errors.ConstError("queue closed")

// Kind discriminates the work a task carries.
type Kind string

const (
	// KindAdvance runs the next stage of a migration job.
	KindAdvance Kind = "advance"
	// KindRollback tears down whatever a job created.
	KindRollback Kind = "rollback"
	// KindDiscover refreshes the VM inventory.
	KindDiscover Kind = "discover"
	// KindProvision runs the out-of-band infra provisioning.
	KindProvision Kind = "provision"
)

// Task is one unit of queued work.
type Task struct {
	// ID is the task record id used for API polling, when the task
	// was requested through the API.
	ID string

	Kind  Kind
	JobID string

	// Reason travels with rollback tasks.
	Reason string

	// Attempt counts deliveries of this task, starting at 1 on the
	// first claim.
	Attempt int
}

// Config holds the queue tunables.
type Config struct {
	Clock             clock.Clock
	VisibilityTimeout time.Duration
	MaxRedeliveries   int
}

// Validate returns an error if the queue cannot be constructed.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.VisibilityTimeout <= 0 {
		return errors.NotValidf("non-positive VisibilityTimeout")
	}
	if c.MaxRedeliveries < 1 {
		return errors.NotValidf("MaxRedeliveries %d", c.MaxRedeliveries)
	}
	return nil
}

type inflight struct {
	task  Task
	timer clock.Timer
}

// Queue is a bounded-redelivery at-least-once task queue.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	items    *deque.Deque
	inflight map[*Delivery]*inflight
	dead     []Task
	closed   bool

	// signal wakes one blocked Claim per available item.
	signal chan struct{}
}

// New returns a ready queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Queue{
		cfg:      cfg,
		items:    deque.New(),
		inflight: make(map[*Delivery]*inflight),
		signal:   make(chan struct{}, 1),
	}, nil
}

// Enqueue appends a task for delivery.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items.PushBack(task)
	q.wake()
	return nil
}

// wake must be called with the lock held.
func (q *Queue) wake() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Claim blocks until a task is available or the context is done. The
// returned delivery must be acked or nacked; otherwise the task is
// redelivered after the visibility timeout.
func (q *Queue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if item, ok := q.items.PopFront(); ok {
			task := item.(Task)
			task.Attempt++
			d := &Delivery{queue: q, Task: task}
			q.inflight[d] = &inflight{
				task: task,
				timer: q.cfg.Clock.AfterFunc(q.cfg.VisibilityTimeout, func() {
					q.expire(d)
				}),
			}
			// There may be more items and more waiters.
			if q.items.Len() > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
}

// expire redelivers a task whose worker went silent.
func (q *Queue) expire(d *Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := q.inflight[d]
	if !ok {
		return
	}
	delete(q.inflight, d)
	q.requeueLocked(in.task, "visibility timeout")
}

// requeueLocked puts a task back or dead-letters it once redeliveries
// are exhausted. Caller holds the lock.
func (q *Queue) requeueLocked(task Task, why string) {
	if task.Attempt >= q.cfg.MaxRedeliveries {
		logger.Warningf("dead-lettering %s task for job %q after %d deliveries (%s)",
			task.Kind, task.JobID, task.Attempt, why)
		q.dead = append(q.dead, task)
		return
	}
	logger.Debugf("requeueing %s task for job %q (%s)", task.Kind, task.JobID, why)
	q.items.PushBack(task)
	q.wake()
}

// DeadLetters returns tasks that exhausted their redeliveries.
func (q *Queue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len reports queued (not inflight) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further enqueues and unblocks claimers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Delivery is one claimed task awaiting ack or nack.
type Delivery struct {
	queue *Queue
	Task  Task
}

// Ack marks the task done; it will not be redelivered.
func (d *Delivery) Ack() {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := q.inflight[d]
	if !ok {
		return
	}
	in.timer.Stop()
	delete(q.inflight, d)
}

// Nack returns the task for redelivery, or dead-letters it once
// redeliveries are exhausted.
func (d *Delivery) Nack() {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := q.inflight[d]
	if !ok {
		return
	}
	in.timer.Stop()
	delete(q.inflight, d)
	q.requeueLocked(in.task, "nacked")
}
