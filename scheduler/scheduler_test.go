package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/outofforest/logger"
)

func newContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

func TestInline(t *testing.T) {
	requireT := require.New(t)

	var executed bool
	requireT.NoError(Inline{}.Submit(1, func() {
		executed = true
	}))
	requireT.True(executed)
}

func TestKey(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(Key(1, 2), Key(1, 2))
	requireT.NotEqual(Key(1, 2), Key(2, 1))
}

func TestPoolPreservesOrderPerKey(t *testing.T) {
	requireT := require.New(t)

	p := NewPool(newContext(t), 4)

	const (
		numOfKeys     = 8
		tasksPerKey   = 200
		expectedTotal = numOfKeys * tasksPerKey
	)

	var mu sync.Mutex
	results := map[uint64][]int{}
	for i := range tasksPerKey {
		for key := range uint64(numOfKeys) {
			requireT.NoError(p.Submit(Key(7, key), func() {
				mu.Lock()
				defer mu.Unlock()
				results[key] = append(results[key], i)
			}))
		}
	}

	requireT.NoError(p.Close(10 * time.Second))
	requireT.Zero(p.Pending())

	var total int
	for key := range uint64(numOfKeys) {
		requireT.Len(results[key], tasksPerKey)
		for i, v := range results[key] {
			requireT.Equal(i, v)
		}
		total += len(results[key])
	}
	requireT.Equal(expectedTotal, total)
}

func TestPoolSubmitAfterClose(t *testing.T) {
	requireT := require.New(t)

	p := NewPool(newContext(t), 1)
	requireT.NoError(p.Close(time.Second))
	requireT.NoError(p.Close(time.Second))

	err := p.Submit(1, func() {})
	requireT.True(errors.Is(err, ErrClosed))
}

func TestPoolCloseAbandons(t *testing.T) {
	requireT := require.New(t)

	p := NewPool(newContext(t), 1)

	releaseCh := make(chan struct{})
	startedCh := make(chan struct{})
	var executed atomic.Int64
	requireT.NoError(p.Submit(1, func() {
		close(startedCh)
		<-releaseCh
		executed.Add(1)
	}))
	requireT.NoError(p.Submit(1, func() {
		executed.Add(1)
	}))
	<-startedCh

	err := p.Close(10 * time.Millisecond)
	requireT.True(errors.Is(err, ErrAbandoned))

	close(releaseCh)
	requireT.Eventually(func() bool {
		return executed.Load() >= 1
	}, time.Second, time.Millisecond)
}

func TestSharedPoolIsReferenceCounted(t *testing.T) {
	requireT := require.New(t)

	ctx := newContext(t)
	p1, release1 := AcquireShared(ctx, 2)
	p2, release2 := AcquireShared(ctx, 3)
	requireT.Same(p1, p2)

	requireT.NoError(release1(time.Second))
	// Releasing twice has no effect.
	requireT.NoError(release1(time.Second))

	doneCh := make(chan struct{})
	requireT.NoError(p2.Submit(1, func() {
		close(doneCh)
	}))
	<-doneCh

	requireT.NoError(release2(time.Second))
	requireT.True(errors.Is(p2.Submit(1, func() {}), ErrClosed))

	p3, release3 := AcquireShared(ctx, 1)
	requireT.NotSame(p1, p3)
	requireT.NoError(release3(time.Second))
}

func TestSharedPoolSizeMismatchIsReported(t *testing.T) {
	requireT := require.New(t)

	core, logs := observer.New(zapcore.WarnLevel)
	ctx := logger.WithLogger(newContext(t), zap.New(core))

	p1, release1 := AcquireShared(ctx, 2)
	defer release1(time.Second) //nolint:errcheck
	requireT.Zero(logs.Len())

	p2, release2 := AcquireShared(ctx, 2)
	defer release2(time.Second) //nolint:errcheck
	requireT.Same(p1, p2)
	requireT.Zero(logs.Len())

	p3, release3 := AcquireShared(ctx, 5)
	defer release3(time.Second) //nolint:errcheck
	requireT.Same(p1, p3)
	requireT.Len(logs.FilterMessage("Shared pool already exists with different size").All(), 1)

	entry := logs.All()[0]
	requireT.Equal(zapcore.WarnLevel, entry.Level)
	requireT.EqualValues(5, entry.ContextMap()["requested"])
	requireT.EqualValues(2, entry.ContextMap()["actual"])
}
