package scheduler

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const laneCapacity = 64

var (
	// ErrClosed is returned when task is submitted to closed scheduler.
	ErrClosed = errors.New("scheduler is closed")

	// ErrAbandoned is returned by Close if some tasks were not executed before timeout.
	ErrAbandoned = errors.New("tasks abandoned")
)

// Task is the job executed by the scheduler.
type Task func()

// Scheduler executes tasks. Tasks submitted with the same key are executed in submission order.
type Scheduler interface {
	Submit(key uint64, task Task) error
}

// Key builds the task key from the owner and the subject of the task.
func Key(owner, subject uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], owner)
	binary.LittleEndian.PutUint64(b[8:], subject)
	return xxhash.Sum64(b[:])
}

// Inline executes tasks on the calling goroutine.
type Inline struct{}

// Submit executes the task.
func (Inline) Submit(_ uint64, task Task) error {
	task()
	return nil
}

// NewPool creates pool of workers. Each worker serves its own lane of tasks.
func NewPool(ctx context.Context, numOfWorkers int) *Pool {
	if numOfWorkers < 1 {
		numOfWorkers = 1
	}

	p := &Pool{
		log:   logger.Get(ctx),
		lanes: make([]chan Task, 0, numOfWorkers),
		group: parallel.NewGroup(ctx),
	}

	p.workersDone.Add(numOfWorkers)
	for i := range numOfWorkers {
		lane := make(chan Task, laneCapacity)
		p.lanes = append(p.lanes, lane)
		p.group.Spawn(fmt.Sprintf("worker-%02d", i), parallel.Continue, p.runLane(lane))
	}

	return p
}

// Pool executes tasks on background workers.
type Pool struct {
	log   *zap.Logger
	lanes []chan Task
	group *parallel.Group

	mu          sync.RWMutex
	closed      bool
	workersDone sync.WaitGroup
	pending     atomic.Int64
}

// Submit sends task to the lane selected by the key. It blocks if the lane is full.
func (p *Pool) Submit(key uint64, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.WithStack(ErrClosed)
	}

	p.pending.Add(1)
	p.lanes[key%uint64(len(p.lanes))] <- task
	return nil
}

// Pending returns the number of tasks submitted but not finished yet.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// Close stops accepting tasks and waits up to the timeout for the submitted ones to finish.
// Tasks still waiting after the timeout are abandoned.
func (p *Pool) Close(wait time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		p.workersDone.Wait()
		close(doneCh)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-doneCh:
		p.group.Exit(nil)
		if err := p.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-timer.C:
	}

	abandoned := p.pending.Load()
	p.log.Warn("Background tasks abandoned", zap.Int64("tasks", abandoned), zap.Duration("wait", wait))

	// Running task can't be interrupted, so waiting for the group is left in the background.
	p.group.Exit(nil)
	go func() {
		if err := p.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("Background worker failed", zap.Error(err))
		}
	}()

	return errors.Wrapf(ErrAbandoned, "%d tasks not finished in %s", abandoned, wait)
}

func (p *Pool) runLane(lane <-chan Task) parallel.Task {
	return func(ctx context.Context) error {
		defer p.workersDone.Done()

		for {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case task, ok := <-lane:
				if !ok {
					return nil
				}
				task()
				p.pending.Add(-1)
			}
		}
	}
}

var shared struct {
	mu   sync.Mutex
	pool *Pool
	refs int
}

// AcquireShared returns the process-wide pool, creating it on first use. The first caller decides the number of
// workers, later requests for different size get the existing pool and a warning is logged. Returned function
// releases the pool; the last release closes it.
func AcquireShared(ctx context.Context, numOfWorkers int) (*Pool, func(wait time.Duration) error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.pool == nil {
		// Shared pool outlives the context of the queue which created it.
		shared.pool = NewPool(context.WithoutCancel(ctx), numOfWorkers)
	} else if len(shared.pool.lanes) != numOfWorkers {
		logger.Get(ctx).Warn("Shared pool already exists with different size",
			zap.Int("requested", numOfWorkers), zap.Int("actual", len(shared.pool.lanes)))
	}
	shared.refs++
	pool := shared.pool

	var once sync.Once
	return pool, func(wait time.Duration) error {
		var err error
		once.Do(func() {
			shared.mu.Lock()
			defer shared.mu.Unlock()

			shared.refs--
			if shared.refs > 0 {
				return
			}
			shared.pool = nil
			err = pool.Close(wait)
		})
		return err
	}
}
