package engine

import "context"

// DefaultCheckpointInterval is the number of VM steps between yields when
// no interval is configured.
const DefaultCheckpointInterval = 1000

// Checkpoint wraps a context so that every interval calls to Done run yield.
//
// Interpreters that poll ctx.Done() once per instruction get a cooperative
// preemption point for free: yield releases the global lock, lets other
// goroutines run, and re-acquires it before the next instruction executes.
type Checkpoint struct {
	context.Context
	interval int
	steps    int
	yield    func()
}

// NewCheckpoint returns a Checkpoint around parent. A nil yield disables
// yielding but still forwards cancellation.
func NewCheckpoint(parent context.Context, interval int, yield func()) *Checkpoint {
	if parent == nil {
		parent = context.Background()
	}
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpoint{
		Context:  parent,
		interval: interval,
		yield:    yield,
	}
}

// Done counts one step and yields when the interval is reached.
// It must only be called from the goroutine running the script.
func (c *Checkpoint) Done() <-chan struct{} {
	c.steps++
	if c.steps >= c.interval {
		c.steps = 0
		if c.yield != nil {
			c.yield()
		}
	}
	return c.Context.Done()
}

// Steps returns the number of steps counted since the last yield.
func (c *Checkpoint) Steps() int {
	return c.steps
}

// Merge returns a context carrying run's values that is cancelled when
// either run or caller is. A nil caller returns run unchanged.
func Merge(run, caller context.Context) (context.Context, context.CancelFunc) {
	if caller == nil {
		return run, func() {}
	}
	ctx, cancel := context.WithCancelCause(run)
	stop := context.AfterFunc(caller, func() { cancel(context.Cause(caller)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
