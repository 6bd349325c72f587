package pipeline

import (
	"fmt"
	"sync"

	"github.com/jra3/fspolicy/internal/types"
)

// IDConstraint serializes pipeline operations touching the same entry
// id: per id, a FIFO of registered operations of which only the head may
// execute. Unrelated ids proceed independently.
type IDConstraint struct {
	mu     sync.Mutex
	queues map[int64][]*Operation
}

func NewIDConstraint() *IDConstraint {
	return &IDConstraint{queues: make(map[int64][]*Operation)}
}

// Register adds the operation to its id's queue. It returns true when
// the operation is at the head and may proceed; otherwise it waits
// behind an in-flight operation for the same id and will be handed back
// by Unregister. With atHead set, the operation jumps the queue (used
// when re-admitting an operation that was already eligible).
func (c *IDConstraint) Register(op *Operation, atHead bool) (bool, error) {
	if !op.IDKnown {
		return false, fmt.Errorf("%w: operation has no id", types.ErrInvalidInput)
	}
	pk := op.ID.PrimaryKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[pk]
	if atHead {
		c.queues[pk] = append([]*Operation{op}, q...)
	} else {
		c.queues[pk] = append(q, op)
	}
	op.registered = true
	return c.queues[pk][0] == op, nil
}

// GetFirstOp returns the head operation registered for id, or nil.
func (c *IDConstraint) GetFirstOp(id types.EntryID) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[id.PrimaryKey()]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// Unregister removes the operation from its id's queue and returns the
// operation that became eligible, if any.
func (c *IDConstraint) Unregister(op *Operation) *Operation {
	if !op.registered {
		return nil
	}
	pk := op.ID.PrimaryKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[pk]
	for i, o := range q {
		if o == op {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	op.registered = false

	if len(q) == 0 {
		delete(c.queues, pk)
		return nil
	}
	c.queues[pk] = q
	return q[0]
}

// Count returns the number of ids currently constrained, for stats.
func (c *IDConstraint) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}
