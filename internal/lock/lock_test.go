package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithReadLock_MustExistRejectsUnknownModule(t *testing.T) {
	m := NewManager()
	err := m.WithReadLock(context.Background(), "Workspace", true, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNoSuchModule)
}

func TestWithReadLock_PreRegistrationAllowsUnknownModule(t *testing.T) {
	m := NewManager()
	called := false
	err := m.WithReadLock(context.Background(), "Workspace", false, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithReadLock_NestedIsFree(t *testing.T) {
	m := NewManager()
	m.Register("Workspace")
	depth := 0
	err := m.WithReadLock(context.Background(), "Workspace", true, func(ctx context.Context) error {
		depth++
		return m.WithReadLock(ctx, "Workspace", true, func(ctx context.Context) error {
			depth++
			return m.WithReadLock(ctx, "Workspace", true, func(ctx context.Context) error {
				depth++
				return nil
			})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestWithWriteLock_SelfDeadlockFailsFast(t *testing.T) {
	m := NewManager()
	m.Register("Workspace")
	err := m.WithReadLock(context.Background(), "Workspace", true, func(ctx context.Context) error {
		return m.WithWriteLock(ctx, "Workspace", func(ctx context.Context) error {
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrSelfDeadlock)
}

func TestWithWriteLock_ExcludesReaders(t *testing.T) {
	m := NewManager()
	m.Register("Workspace")

	writerEntered := make(chan struct{})
	writerMayExit := make(chan struct{})
	var readerObservedDuringWrite int32

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.WithWriteLock(context.Background(), "Workspace", func(ctx context.Context) error {
			close(writerEntered)
			<-writerMayExit
			return nil
		})
	}()

	<-writerEntered
	go func() {
		defer wg.Done()
		start := time.Now()
		_ = m.WithReadLock(context.Background(), "Workspace", true, func(ctx context.Context) error {
			if time.Since(start) < 10*time.Millisecond {
				atomic.AddInt32(&readerObservedDuringWrite, 1)
			}
			return nil
		})
	}()

	time.Sleep(30 * time.Millisecond)
	close(writerMayExit)
	wg.Wait()

	assert.Equal(t, int32(0), readerObservedDuringWrite)
}

func TestWithWriteLock_TimesOutUnderPersistentReader(t *testing.T) {
	m := NewManager()
	m.Timeout = 40 * time.Millisecond
	m.Register("Workspace")

	readerReleased := make(chan struct{})
	readerStarted := make(chan struct{})
	go func() {
		_ = m.WithReadLock(context.Background(), "Workspace", true, func(ctx context.Context) error {
			close(readerStarted)
			<-readerReleased
			return nil
		})
	}()
	<-readerStarted

	err := m.WithWriteLock(context.Background(), "Workspace", func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrDeadlockSuspected)
	close(readerReleased)
}

func TestWithWriteLock_WritersAreTotallyOrdered(t *testing.T) {
	m := NewManager()
	m.Register("Workspace")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	var inside, overlapped int32
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithWriteLock(context.Background(), "Workspace", func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) != 1 {
					atomic.StoreInt32(&overlapped, 1)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, order, 5)
	assert.Equal(t, int32(0), overlapped, "two writers held the write lock at once")
}
