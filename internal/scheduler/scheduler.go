// Package scheduler runs program operations on a fixed pool of workers fed
// by one bounded FIFO queue.
//
// Every request holds a reference on its program from the moment it is
// queued until a worker is done with it, so a program closed in the meantime
// lingers as a zombie instead of being freed under the request. Workers run
// each operation with the global lock held; the operation itself gives the
// lock up at yield checkpoints.
//
// A producer that finds the queue full releases the lock and blocks. If
// every worker is itself blocked enqueueing from inside a script, nothing is
// left to drain the queue and the process stalls; the lock's starvation
// timeout turns that into a panic.
package scheduler

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/event"
	"github.com/EternityForest/Acorns/internal/gil"
	"github.com/EternityForest/Acorns/internal/logging"
	"github.com/EternityForest/Acorns/internal/program"
)

const (
	// DefaultWorkers is the worker count when none is configured.
	DefaultWorkers = 4
	// DefaultQueueSize is the queue capacity when none is configured.
	DefaultQueueSize = 25
)

// Op is an operation run against a program by a worker. It is called with
// the lock held and the program marked busy. ctx is the program's run
// context; it is cancelled when the program is cancelled or closed.
type Op func(ctx context.Context, p *program.Program) error

// Request is one queued operation.
type Request struct {
	Program *program.Program
	// Name identifies the operation in logs and events.
	Name string
	Op   Op
	// CloseOnFailure closes the program if Op returns an error.
	CloseOnFailure bool

	done chan error
}

// NewRequest creates a request whose outcome can be read from Done.
func NewRequest(p *program.Program, name string, op Op) *Request {
	return &Request{Program: p, Name: name, Op: op, done: make(chan error, 1)}
}

// Done returns a channel that receives the operation's result once, or nil
// for requests built without NewRequest.
func (r *Request) Done() <-chan error { return r.done }

func (r *Request) finish(err error) {
	if r.done != nil {
		r.done <- err
	}
}

// Options configures a Scheduler.
type Options struct {
	Lock     *gil.Lock
	Registry *program.Registry
	Bus      *event.Bus
	Logger   *logging.Logger

	Workers   int
	QueueSize int

	// Close is called with the lock held and the program idle when a
	// CloseOnFailure request fails.
	Close func(p *program.Program)
}

// Scheduler owns the queue and the workers.
type Scheduler struct {
	lock *gil.Lock
	reg  *program.Registry
	bus  *event.Bus
	log  *logging.Logger

	workers int
	closeFn func(p *program.Program)

	queue chan *Request
	quit  chan struct{}
	wg    conc.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// Guarded by lock.
	pending int
	stopped bool
}

// New creates a stopped scheduler. Call Start to launch the workers.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Scheduler{
		lock:    opts.Lock,
		reg:     opts.Registry,
		bus:     opts.Bus,
		log:     opts.Logger.WithComponent("scheduler"),
		workers: opts.Workers,
		closeFn: opts.Close,
		queue:   make(chan *Request, opts.QueueSize),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Later calls do nothing.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := range s.workers {
			s.wg.Go(func() { s.worker(i) })
		}
		s.log.Info("workers started", "workers", s.workers, "queue_size", cap(s.queue))
	})
}

// Enqueue adds r to the queue. The caller must hold the lock. The program
// gains a reference that the worker drops when it is done. If the queue is
// full the lock is released until there is room, the scheduler stops, or
// ctx ends.
func (s *Scheduler) Enqueue(ctx context.Context, r *Request) error {
	if s.stopped {
		return apperrors.ErrShutdown
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.reg.Ref(r.Program)
	s.pending++

	var err error
	select {
	case s.queue <- r:
	default:
		s.log.Debug("queue full, waiting", "program_id", r.Program.ID(), "op", r.Name)
		s.lock.Unlocked(func() {
			select {
			case s.queue <- r:
			case <-s.quit:
				err = apperrors.ErrShutdown
			case <-ctx.Done():
				err = ctx.Err()
			}
		})
	}
	if err != nil {
		s.settle(r)
		return err
	}
	// A send that raced with Stop must not strand its reference.
	if s.stopped {
		s.cancelLeftovers()
	}
	return nil
}

// Pending returns the number of requests queued or running. The caller must
// hold the lock.
func (s *Scheduler) Pending() int { return s.pending }

// QueueLen returns the number of requests waiting for a worker.
func (s *Scheduler) QueueLen() int { return len(s.queue) }

// Drain blocks until no request is queued or running. It takes the lock.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lock.WaitUntil(ctx, func() bool { return s.pending == 0 })
}

// Stop lets running requests finish, stops the workers and cancels whatever
// is still queued. It must be called without the lock. A panic raised on a
// worker, such as lock starvation, is re-raised here.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.lock.Lock()
		s.stopped = true
		s.lock.Unlock()

		close(s.quit)
		s.wg.Wait()

		s.lock.Lock()
		s.cancelLeftovers()
		s.lock.Unlock()
		s.log.Info("workers stopped")
	})
}

func (s *Scheduler) worker(n int) {
	log := s.log.WithWorker(n)
	for {
		// Stop wins over leftover work.
		select {
		case <-s.quit:
			return
		default:
		}
		select {
		case <-s.quit:
			return
		case r := <-s.queue:
			s.execute(log, r)
		}
	}
}

// execute runs r on the calling worker. The lock is released explicitly
// rather than deferred: a starvation panic leaves the lock in someone else's
// hands and must not unlock it.
func (s *Scheduler) execute(log *logging.Logger, r *Request) {
	s.lock.Lock()
	p := r.Program
	// Programs are never closed mid-wait; WaitIdle also returns if the
	// program closes under us.
	_ = s.reg.WaitIdle(context.Background(), p)

	if p.Closed() {
		log.Debug("request cancelled", "program_id", p.ID(), "op", r.Name)
		s.bus.Publish(event.NewRequestCancelledEvent(p.ID(), r.Name))
		r.finish(apperrors.ErrClosed)
		s.settle(r)
		s.lock.Unlock()
		return
	}

	log.Debug("request started", "program_id", p.ID(), "op", r.Name)
	s.reg.MarkBusy(p)
	err := r.Op(p.RunContext(), p)
	s.reg.MarkIdle(p)

	if err != nil {
		log.Debug("request failed", "program_id", p.ID(), "op", r.Name, "error", err)
		if r.CloseOnFailure && !p.Closed() && s.closeFn != nil {
			s.closeFn(p)
		}
	} else {
		log.Debug("request finished", "program_id", p.ID(), "op", r.Name)
	}
	r.finish(err)
	s.settle(r)
	s.lock.Unlock()
}

// settle drops the request's reference and pending count. Lock held.
func (s *Scheduler) settle(r *Request) {
	s.reg.Deref(r.Program)
	s.pending--
	if s.pending == 0 {
		s.lock.Broadcast()
	}
}

// cancelLeftovers empties the queue after the workers are gone. Lock held.
func (s *Scheduler) cancelLeftovers() {
	for {
		select {
		case r := <-s.queue:
			s.log.Debug("request dropped at shutdown", "program_id", r.Program.ID(), "op", r.Name)
			s.bus.Publish(event.NewRequestCancelledEvent(r.Program.ID(), r.Name))
			r.finish(apperrors.ErrShutdown)
			s.settle(r)
		default:
			return
		}
	}
}
