// Package notify queues transient user-facing notifications per session.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/tabula/model"
)

// DefaultCapacity bounds each session's queue.
const DefaultCapacity = 50

// Center holds one bounded queue per session. When a queue is full the oldest
// notification is dropped.
type Center struct {
	capacity int
	now      func() time.Time

	mu     sync.Mutex
	queues map[string][]model.Notification
}

// NewCenter creates a Center. A non-positive capacity uses DefaultCapacity.
func NewCenter(capacity int) *Center {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Center{
		capacity: capacity,
		now:      time.Now,
		queues:   make(map[string][]model.Notification),
	}
}

// Push queues a notification for session and returns it.
func (c *Center) Push(session, listID, level, message string) model.Notification {
	n := model.Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		ListID:    listID,
		CreatedAt: c.now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	q := append(c.queues[session], n)
	if len(q) > c.capacity {
		q = q[len(q)-c.capacity:]
	}
	c.queues[session] = q
	return n
}

// Success queues a success notification.
func (c *Center) Success(session, listID, message string) model.Notification {
	return c.Push(session, listID, model.NotifySuccess, message)
}

// Error queues an error notification.
func (c *Center) Error(session, listID, message string) model.Notification {
	return c.Push(session, listID, model.NotifyError, message)
}

// Drain returns and removes every queued notification for session, oldest
// first. It never returns nil.
func (c *Center) Drain(session string) []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[session]
	delete(c.queues, session)
	if q == nil {
		return []model.Notification{}
	}
	return q
}

// Peek returns the queued notifications for session without removing them.
func (c *Center) Peek(session string) []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Notification{}, c.queues[session]...)
}

// Forget drops the queue of session.
func (c *Center) Forget(session string) {
	c.mu.Lock()
	delete(c.queues, session)
	c.mu.Unlock()
}
