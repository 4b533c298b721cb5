package spillq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mass"
	"github.com/outofforest/spillq/page"
	"github.com/outofforest/spillq/pagestore"
	"github.com/outofforest/spillq/persistent"
	"github.com/outofforest/spillq/scheduler"
	"github.com/outofforest/spillq/types"
)

const segmentBatchSize = 64

var instanceCounter atomic.Uint64

type future struct {
	doneCh chan struct{}
	err    error
}

func newFuture() *future {
	return &future{doneCh: make(chan struct{})}
}

func (f *future) complete(err error) {
	f.err = err
	close(f.doneCh)
}

// segment is a full page waiting in line between the write page and the read page. It is resident, on disk or
// both.
type segment[T any] struct {
	id      types.PageID
	count   int
	page    *page.Page[T]
	onDisk  bool
	flush   *future
	load    *future
	loadErr error
}

type action struct {
	key  uint64
	task scheduler.Task
}

type ioWait struct {
	actions []action
	doneCh  <-chan struct{}
}

// Queue is the FIFO queue keeping recent elements in memory and spilling full pages to disk.
type Queue[T any] struct {
	config    Config[T]
	log       *zap.Logger
	store     *pagestore.Store[T]
	counters  *types.Counters
	sched     scheduler.Scheduler
	release   func(wait time.Duration) error
	async     bool
	key       uint64
	massSeg   *mass.Mass[segment[T]]
	inflight  sync.WaitGroup
	stopHook  func()
	closeOnce sync.Once
	closeErr  error

	mu              sync.Mutex
	changeCh        chan struct{}
	changeWaited    bool
	closed          bool
	writePage       *page.Page[T]
	readPage        *page.Page[T]
	readOnDisk      bool
	segments        []*segment[T]
	nextID          types.PageID
	diskOnly        int
	spilling        bool
	flushesInFlight int
	reserved        int64
	flushErr        error
	readErr         error
}

// New opens the queue. Pages found in the directory are enqueued before anything put later.
func New[T any](ctx context.Context, config Config[T]) (*Queue[T], error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	log := logger.Get(ctx).With(zap.String("path", config.Path))

	store := config.Store
	if store == nil {
		fileStore, err := persistent.NewFileStore(config.Path)
		if err != nil {
			return nil, err
		}
		if n := fileStore.RemovedTemporaryFiles(); n > 0 {
			log.Warn("Unfinished page files removed", zap.Int("files", n))
		}
		store = fileStore
	}

	counters := &types.Counters{}
	pStore, err := pagestore.New[T](pagestore.Config{
		Store:      store,
		Counters:   counters,
		PageSize:   uint64(config.PageSize),
		Log:        log,
		Compress:   config.Compress,
		Level:      *config.CompressionLevel,
		BufferSize: config.CompressionBufferSize,
	}, config.Serializer)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	infos, err := pStore.Scan()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	q := &Queue[T]{
		config:   config,
		log:      log,
		store:    pStore,
		counters: counters,
		key:      instanceCounter.Add(1),
		massSeg:  mass.New[segment[T]](segmentBatchSize),
		stopHook: func() {},
		changeCh: make(chan struct{}),
		segments: make([]*segment[T], 0, len(infos)),
	}

	for _, info := range infos {
		seg := q.massSeg.New()
		*seg = segment[T]{
			id:     info.ID,
			count:  info.Count,
			onDisk: true,
		}
		q.segments = append(q.segments, seg)
		q.diskOnly += info.Count
		q.nextID = info.ID + 1
	}
	q.writePage = q.newPageLocked()

	switch {
	case config.Scheduler != nil:
		q.sched = config.Scheduler
		_, inline := config.Scheduler.(scheduler.Inline)
		q.async = !inline
		q.release = func(time.Duration) error { return nil }
	case config.NumBackgroundThreads == 0:
		q.sched = scheduler.Inline{}
		q.release = func(time.Duration) error { return nil }
	case config.SharedScheduler:
		q.sched, q.release = scheduler.AcquireShared(ctx, config.NumBackgroundThreads)
		q.async = true
	default:
		// Workers are stopped by Close only, canceling ctx must not strand pending flushes and loads.
		pool := scheduler.NewPool(context.WithoutCancel(ctx), config.NumBackgroundThreads)
		q.sched = pool
		q.release = pool.Close
		q.async = true
	}

	if config.ShutdownHook {
		q.stopHook = installShutdownHook(q.log, q.Close)
	}

	log.Debug("Queue opened",
		zap.Int("pages", len(infos)),
		zap.Int("size", q.Size()),
		zap.Int64("diskBytes", q.DiskBytesUsed()),
		zap.Bool("async", q.async))

	return q, nil
}

// Put adds element to the queue, waiting for disk quota if needed.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	_, err := q.enqueue(ctx, v, true)
	return err
}

// Offer adds element to the queue if it is possible without waiting for disk quota.
func (q *Queue[T]) Offer(v T) (bool, error) {
	return q.enqueue(context.Background(), v, false)
}

// Poll removes the oldest element. False is returned if queue is empty.
// It might wait for the page being read from disk.
func (q *Queue[T]) Poll() (T, bool, error) {
	return q.dequeue(context.Background(), false)
}

// Take removes the oldest element, waiting for one if queue is empty.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	v, _, err := q.dequeue(ctx, true)
	return v, err
}

// DrainTo removes up to maxElements elements passing them to sink in queue order. Sink is called while queue is
// locked so it must not call the queue.
func (q *Queue[T]) DrainTo(sink func(T), maxElements int) (int, error) {
	var count int

	q.mu.Lock()
	defer func() {
		if count > 0 {
			q.notifyLocked()
		}
		q.mu.Unlock()
	}()

	for count < maxElements {
		if q.closed {
			return count, errors.WithStack(ErrClosed)
		}
		if q.readErr != nil {
			return count, q.readErr
		}

		if q.readPage != nil {
			var err error
			count, err = q.readPage.DrainTo(sink, count, maxElements, q.config.Serializer)
			if err != nil {
				q.readErr = err
				return count, err
			}
			if q.readPage.IsEmpty() {
				q.retireReadPageLocked()
			}
			continue
		}

		var w ioWait
		advanced, err := q.advanceLocked(&w)
		if err != nil {
			return count, err
		}
		if !advanced && w.doneCh == nil {
			return count, nil
		}

		if len(w.actions) > 0 || w.doneCh != nil {
			q.mu.Unlock()
			q.run(w.actions)
			if w.doneCh != nil {
				<-w.doneCh
			}
			q.mu.Lock()
		}
	}
	return count, nil
}

// Size returns the number of elements in the queue.
func (q *Queue[T]) Size() int {
	return int(q.counters.Live.Load())
}

// DiskBytesUsed returns the number of bytes taken by page files.
func (q *Queue[T]) DiskBytesUsed() int64 {
	return q.counters.Disk.Load()
}

// Close waits for background flushes and loads, then stores all the resident elements on disk. Next queue opened
// in the same directory continues from the point where this one stopped.
func (q *Queue[T]) Close() error {
	q.closeOnce.Do(func() {
		q.closeErr = q.close()
	})
	return q.closeErr
}

func (q *Queue[T]) close() error {
	q.mu.Lock()
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()

	q.stopHook()

	var errs []error
	if err := q.waitInflight(); err != nil {
		errs = append(errs, err)
	}

	q.mu.Lock()
	errs = append(errs, q.persistResidentLocked()...)
	q.mu.Unlock()

	if err := q.release(q.config.TerminationWait); err != nil {
		errs = append(errs, err)
	}
	if err := q.store.Close(); err != nil {
		errs = append(errs, err)
	}

	q.log.Debug("Queue closed", zap.Int("size", q.Size()), zap.Int64("diskBytes", q.DiskBytesUsed()))

	if len(errs) == 0 {
		return nil
	}
	for _, err := range errs[1:] {
		q.log.Error("Closing queue failed", zap.Error(err))
	}
	return errs[0]
}

func (q *Queue[T]) enqueue(ctx context.Context, v T, block bool) (bool, error) {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return false, errors.WithStack(ErrClosed)
		}
		if err := q.flushErr; err != nil {
			q.flushErr = nil
			q.mu.Unlock()
			return false, err
		}

		if !q.writePage.IsFull() {
			q.writePage.Add(v)
			q.notifyLocked()
			q.mu.Unlock()
			return true, nil
		}

		a, fut, err := q.rotateLocked()
		switch {
		case errors.Is(err, errNoQuota):
			if !block {
				q.mu.Unlock()
				return false, nil
			}
			changeCh := q.changeChLocked()
			q.mu.Unlock()
			if err := wait(ctx, changeCh); err != nil {
				return false, err
			}
		case err != nil:
			q.mu.Unlock()
			return false, err
		case a == nil:
			continue
		default:
			q.mu.Unlock()
			q.run([]action{*a})
			if !q.async {
				<-fut.doneCh
				if fut.err != nil {
					return false, fut.err
				}
			}
		}
		q.mu.Lock()
	}
}

// rotateLocked moves the full write page to the line of segments. If page should be spilled, flush action is
// returned. Nothing is changed if disk quota is exhausted.
func (q *Queue[T]) rotateLocked() (*action, *future, error) {
	p := q.writePage

	if q.keepInMemoryLocked() {
		seg := q.massSeg.New()
		*seg = segment[T]{
			id:    p.ID(),
			count: p.Len(),
			page:  p,
		}
		q.segments = append(q.segments, seg)
		q.writePage = q.newPageLocked()
		return nil, nil, nil
	}

	payload, err := q.store.Encode(p)
	if err != nil {
		return nil, nil, err
	}
	size := int64(len(payload))
	if quota := q.config.DiskMaxBytes; quota > 0 {
		if size > quota {
			return nil, nil, errors.Wrapf(ErrPageTooLarge, "page takes %d bytes, quota is %d bytes", size, quota)
		}
		if q.counters.Disk.Load()+q.reserved+size > quota {
			return nil, nil, errNoQuota
		}
	}

	fut := newFuture()
	seg := q.massSeg.New()
	*seg = segment[T]{
		id:    p.ID(),
		count: p.Len(),
		page:  p,
		flush: fut,
	}
	q.segments = append(q.segments, seg)
	q.writePage = q.newPageLocked()
	q.reserved += size
	q.flushesInFlight++
	q.inflight.Add(1)

	return &action{
		key: scheduler.Key(q.key, uint64(seg.id)),
		task: func() {
			q.flush(seg, payload, fut)
		},
	}, fut, nil
}

func (q *Queue[T]) keepInMemoryLocked() bool {
	resident := q.residentLocked()
	if q.spilling && resident <= q.config.MemMinCapacity {
		q.spilling = false
		q.log.Debug("Spilling stopped", zap.Int("resident", resident))
	}
	if !q.spilling && resident > q.ceilingLocked(q.flushesInFlight > 0) {
		q.spilling = true
		q.log.Debug("Spilling started", zap.Int("resident", resident))
	}
	return !q.spilling
}

func (q *Queue[T]) flush(seg *segment[T], payload []byte, fut *future) {
	defer q.inflight.Done()

	err := q.store.Persist(seg.id, payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.reserved -= int64(len(payload))
	q.flushesInFlight--
	seg.flush = nil
	if err != nil {
		q.log.Error("Flushing page failed", zap.Uint64("pageID", uint64(seg.id)), zap.Error(err))
		if q.async && q.flushErr == nil {
			q.flushErr = errors.Wrapf(ErrFlushFailed, "page %d: %s", seg.id, err)
		}
	} else {
		seg.onDisk = true
		// Page at the head of the line is going to be read soon, so it stays resident.
		if q.segments[0] != seg {
			seg.page = nil
			q.diskOnly += seg.count
		}
	}
	fut.complete(err)
	q.notifyLocked()
}

func (q *Queue[T]) dequeue(ctx context.Context, block bool) (T, bool, error) {
	var zero T

	q.mu.Lock()
	for {
		v, ok, w, err := q.dequeueLocked()
		switch {
		case err != nil:
			q.mu.Unlock()
			q.run(w.actions)
			return zero, false, err
		case ok:
			q.mu.Unlock()
			q.run(w.actions)
			return v, true, nil
		}

		waitCh := w.doneCh
		if waitCh == nil {
			if !block {
				q.mu.Unlock()
				return zero, false, nil
			}
			waitCh = q.changeChLocked()
		}

		q.mu.Unlock()
		q.run(w.actions)
		if err := wait(ctx, waitCh); err != nil {
			return zero, false, err
		}
		q.mu.Lock()
	}
}

func (q *Queue[T]) dequeueLocked() (T, bool, ioWait, error) {
	var zero T
	var w ioWait

	for {
		if q.closed {
			return zero, false, w, errors.WithStack(ErrClosed)
		}
		if q.readErr != nil {
			return zero, false, w, q.readErr
		}

		if q.readPage != nil {
			if q.readPage.IsEmpty() {
				q.retireReadPageLocked()
				continue
			}
			v, err := q.readPage.Get(true, q.config.Serializer)
			if err != nil {
				q.readErr = err
				q.log.Error("Reading element failed", zap.Error(err))
				return zero, false, w, err
			}
			if q.readPage.IsEmpty() {
				q.retireReadPageLocked()
			}
			q.notifyLocked()
			return v, true, w, nil
		}

		advanced, err := q.advanceLocked(&w)
		if err != nil || !advanced {
			return zero, false, w, err
		}
	}
}

// advanceLocked installs the next page as the read page. If the page is not resident, load is started and the
// channel to wait on is returned in w.
func (q *Queue[T]) advanceLocked(w *ioWait) (bool, error) {
	if len(q.segments) == 0 {
		if q.writePage.IsEmpty() {
			return false, nil
		}
		q.readPage = q.writePage
		q.readOnDisk = false
		q.writePage = q.newPageLocked()
		return true, nil
	}

	seg := q.segments[0]
	switch {
	case seg.flush != nil:
		w.doneCh = seg.flush.doneCh
		return false, nil
	case seg.load != nil:
		w.doneCh = seg.load.doneCh
		return false, nil
	case seg.loadErr != nil:
		err := seg.loadErr
		seg.loadErr = nil
		if errors.Is(err, page.ErrCorrupt) {
			q.readErr = err
		}
		return false, err
	case seg.page == nil:
		w.doneCh = q.startLoadLocked(seg, w).doneCh
		return false, nil
	}

	q.segments[0] = nil
	q.segments = q.segments[1:]
	q.readPage = seg.page
	q.readOnDisk = seg.onDisk
	q.prefetchLocked(w)
	return true, nil
}

func (q *Queue[T]) prefetchLocked(w *ioWait) {
	if !q.async || len(q.segments) == 0 {
		return
	}
	seg := q.segments[0]
	if seg.page != nil || seg.flush != nil || seg.load != nil || seg.loadErr != nil {
		return
	}
	if q.residentLocked()+seg.count > q.ceilingLocked(true) {
		return
	}
	q.startLoadLocked(seg, w)
}

func (q *Queue[T]) startLoadLocked(seg *segment[T], w *ioWait) *future {
	fut := newFuture()
	seg.load = fut
	q.inflight.Add(1)
	w.actions = append(w.actions, action{
		key: scheduler.Key(q.key, uint64(seg.id)),
		task: func() {
			q.load(seg, fut)
		},
	})
	return fut
}

func (q *Queue[T]) load(seg *segment[T], fut *future) {
	defer q.inflight.Done()

	p, err := q.store.Load(seg.id)

	q.mu.Lock()
	defer q.mu.Unlock()

	seg.load = nil
	if err != nil {
		q.log.Error("Loading page failed", zap.Uint64("pageID", uint64(seg.id)), zap.Error(err))
		seg.loadErr = err
	} else {
		seg.page = p
		q.diskOnly -= seg.count
	}
	fut.complete(err)
	q.notifyLocked()
}

func (q *Queue[T]) retireReadPageLocked() {
	p := q.readPage
	q.readPage = nil
	if !q.readOnDisk {
		return
	}
	q.readOnDisk = false
	if err := q.store.Delete(p.ID()); err != nil {
		q.log.Error("Deleting page file failed", zap.Uint64("pageID", uint64(p.ID())), zap.Error(err))
	}
}

// persistResidentLocked writes all the resident elements not stored on disk yet. The remainder of the read page
// replaces its original file.
func (q *Queue[T]) persistResidentLocked() []error {
	var errs []error
	persist := func(p *page.Page[T], rewrite bool) {
		payload, err := q.store.Encode(p)
		if err == nil {
			if rewrite {
				err = q.store.Rewrite(p.ID(), payload)
			} else {
				err = q.store.Persist(p.ID(), payload)
			}
		}
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "persisting page %d failed", p.ID()))
		}
	}

	if q.readPage != nil && !q.readPage.IsEmpty() {
		persist(q.readPage, q.readOnDisk)
	}
	for _, seg := range q.segments {
		switch {
		case seg.flush != nil:
			q.log.Warn("Page is still being flushed", zap.Uint64("pageID", uint64(seg.id)))
		case seg.page != nil && !seg.onDisk:
			persist(seg.page, false)
		}
	}
	if !q.writePage.IsEmpty() {
		persist(q.writePage, false)
	}
	return errs
}

func (q *Queue[T]) waitInflight() error {
	doneCh := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(doneCh)
	}()

	timer := time.NewTimer(q.config.TerminationWait)
	defer timer.Stop()

	select {
	case <-doneCh:
		return nil
	case <-timer.C:
		q.log.Warn("Background page operations not finished", zap.Duration("wait", q.config.TerminationWait))
		return errors.Wrapf(scheduler.ErrAbandoned, "page operations not finished in %s", q.config.TerminationWait)
	}
}

func (q *Queue[T]) run(actions []action) {
	for _, a := range actions {
		if err := q.sched.Submit(a.key, a.task); err != nil {
			q.log.Warn("Scheduler rejected task, executing it directly", zap.Error(err))
			a.task()
		}
	}
}

func (q *Queue[T]) newPageLocked() *page.Page[T] {
	p := page.New[T](q.nextID, uint64(q.config.PageSize), &q.counters.Live)
	q.nextID++
	return p
}

func (q *Queue[T]) residentLocked() int {
	return int(q.counters.Live.Load()) - q.diskOnly
}

func (q *Queue[T]) ceilingLocked(transition bool) int {
	if transition && q.config.MemoryDouble {
		return 2 * q.config.MemMaxCapacity
	}
	return q.config.MemMaxCapacity
}

func (q *Queue[T]) changeChLocked() <-chan struct{} {
	q.changeWaited = true
	return q.changeCh
}

func (q *Queue[T]) notifyLocked() {
	if !q.changeWaited {
		return
	}
	close(q.changeCh)
	q.changeCh = make(chan struct{})
	q.changeWaited = false
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
