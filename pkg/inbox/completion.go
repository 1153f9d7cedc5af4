package inbox

import (
	"context"
	"sync"
)

// Result is the outcome of handling one inbox entry.
type Result struct {
	Type         ItemType
	ResponseText string
	OK           bool
}

// Completion is a oneshot handle fulfilled exactly once by the session
// runner, either with a result or an error.
type Completion struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// NewCompletion constructs an unfulfilled completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve fulfills the completion with a result. Later calls are no-ops.
func (c *Completion) Resolve(result Result) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Reject fulfills the completion with an error. Later calls are no-ops.
func (c *Completion) Reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion is fulfilled or ctx is cancelled.
func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
