package gothread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondSignalWakesOneWaiter(t *testing.T) {
	m := NewMutex(nil)
	c := NewCond()

	ready := false
	woke := make(chan struct{}, 1)

	go func() {
		require.NoError(t, m.Lock())
		for !ready {
			require.NoError(t, c.Wait(m))
		}
		require.NoError(t, m.Unlock())
		woke <- struct{}{}
	}()

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Lock())
	ready = true
	require.NoError(t, m.Unlock())
	c.Signal()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after Signal")
	}
}

func TestCondBroadcastWakesAllWaiters(t *testing.T) {
	m := NewMutex(nil)
	c := NewCond()

	const waiters = 8
	ready := false
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Lock())
			for !ready {
				require.NoError(t, c.Wait(m))
			}
			require.NoError(t, m.Unlock())
		}()
	}

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Lock())
	ready = true
	require.NoError(t, m.Unlock())
	c.Broadcast()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all waiters woke up after Broadcast")
	}
}

func TestCondWaitRejectsIncompatibleMutex(t *testing.T) {
	m1 := NewMutex(nil)
	m2 := NewMutex(nil)
	c := NewCond()

	waiting := make(chan struct{})
	go func() {
		require.NoError(t, m1.Lock())
		close(waiting)
		_ = c.Wait(m1) // parked for the rest of the test; never signaled
	}()

	<-waiting
	time.Sleep(20 * time.Millisecond) // let the goroutine above reach its FUTEX_WAIT

	require.NoError(t, m2.Lock())
	assert.ErrorIs(t, c.Wait(m2), ErrInvalid)
	require.NoError(t, m2.Unlock())
}

func TestCondWaitReacquiresMutex(t *testing.T) {
	m := NewMutex(nil)
	c := NewCond()

	require.NoError(t, m.Lock())
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Signal()
	}()
	require.NoError(t, c.Wait(m))

	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "Wait should return with the mutex already held")

	require.NoError(t, m.Unlock())
}
