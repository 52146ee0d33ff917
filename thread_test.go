package gothread

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJoinReturnsValue(t *testing.T) {
	withMainThread(t)

	d, err := Create(nil, func(arg interface{}) interface{} {
		return arg.(int) * 2
	}, 21)
	require.NoError(t, err)

	rv, err := Join(d)
	require.NoError(t, err)
	assert.Equal(t, 42, rv)
}

func TestJoinOnDetachedIsInvalid(t *testing.T) {
	withMainThread(t)

	// Keep the thread running: once a detached thread exits its descriptor
	// is recycled and Join reports ErrNoSuchThread instead.
	proceed := make(chan struct{})
	d, err := Create(&Attr{Detached: true}, func(arg interface{}) interface{} {
		<-proceed
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = Join(d)
	assert.ErrorIs(t, err, ErrInvalid)
	close(proceed)
}

func TestDetachAlreadyExitedRecyclesImmediately(t *testing.T) {
	withMainThread(t)

	d, err := Create(nil, func(arg interface{}) interface{} {
		return nil
	}, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let it exit and clear its exitFutex
	require.NoError(t, Detach(d))

	// The descriptor has been recycled back to the free list; it is no
	// longer a valid handle.
	assert.False(t, descriptorIsUsed(d))
}

func TestDetachTwiceIsInvalid(t *testing.T) {
	withMainThread(t)

	proceed := make(chan struct{})
	d, err := Create(&Attr{Detached: true}, func(arg interface{}) interface{} {
		<-proceed
		return nil
	}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, Detach(d), ErrInvalid)
	close(proceed)
}

func TestJoinSelfIsDeadlock(t *testing.T) {
	withMainThread(t)
	_, err := Join(Self())
	assert.ErrorIs(t, err, ErrDeadlock)
}

func TestJoinUnknownDescriptorIsNoSuchThread(t *testing.T) {
	withMainThread(t)
	_, err := Join(&Descriptor{})
	assert.ErrorIs(t, err, ErrNoSuchThread)
}

func TestOnceRunsExactlyOnce(t *testing.T) {
	var once OnceControl
	var count int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Once(&once, func() { atomic.AddInt32(&count, 1) })
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, count)
}

func TestOnceResetsOnCancellationSoAnotherCallerCompletesIt(t *testing.T) {
	withMainThread(t)

	var once OnceControl
	started := make(chan struct{})

	d, err := Create(nil, func(arg interface{}) interface{} {
		Once(&once, func() {
			close(started)
			for {
				TestCancel()
			}
		})
		return "unreachable"
	}, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, Cancel(d))

	rv, err := Join(d)
	require.NoError(t, err)
	assert.Same(t, Canceled, rv)

	var ran int32
	d2, err := Create(nil, func(arg interface{}) interface{} {
		Once(&once, func() { atomic.AddInt32(&ran, 1) })
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = Join(d2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ran, "once must reset to NEW so a later caller can complete it")
}

func TestInitTwiceErrors(t *testing.T) {
	require.NoError(t, Init())
	defer func() { require.NoError(t, Finit()) }()
	assert.ErrorIs(t, Init(), ErrInvalid)
}

func TestFinitWithoutInitErrors(t *testing.T) {
	assert.ErrorIs(t, Finit(), ErrInvalid)
}

func TestCreateInheritsSchedWhenRequested(t *testing.T) {
	withMainThread(t)

	require.NoError(t, SetSchedParam(Self(), SchedNormal, 0))

	policySeen := make(chan Policy, 1)
	d, err := Create(&Attr{InheritSched: true}, func(arg interface{}) interface{} {
		p, _, _ := GetSchedParam(Self())
		policySeen <- p
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = Join(d)
	require.NoError(t, err)

	assert.Equal(t, SchedNormal, <-policySeen)
}
