package gothread

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexNormalMutualExclusion(t *testing.T) {
	m := NewMutex(nil)
	var counter int
	var wg sync.WaitGroup

	const goroutines = 16
	const increments = 500

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				require.NoError(t, m.Lock())
				counter++
				require.NoError(t, m.Unlock())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines*increments, counter)
}

func TestMutexTryLock(t *testing.T) {
	m := NewMutex(nil)
	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Unlock())
	ok, err = m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
}

func withMainThread(t *testing.T) {
	t.Helper()
	require.NoError(t, Init())
	t.Cleanup(func() {
		require.NoError(t, Finit())
	})
}

func TestMutexErrorCheckSelfDeadlock(t *testing.T) {
	withMainThread(t)

	m := NewMutex(&MutexAttr{Type: MutexErrorCheck})
	require.NoError(t, m.Lock())
	assert.ErrorIs(t, m.Lock(), ErrDeadlock)
	require.NoError(t, m.Unlock())
}

func TestMutexErrorCheckUnlockByNonOwner(t *testing.T) {
	withMainThread(t)

	m := NewMutex(&MutexAttr{Type: MutexErrorCheck})
	assert.ErrorIs(t, m.Unlock(), ErrPermission)
}

func TestMutexRecursiveReentry(t *testing.T) {
	withMainThread(t)

	m := NewMutex(&MutexAttr{Type: MutexRecursive})
	require.NoError(t, m.Lock())
	require.NoError(t, m.Lock())
	require.NoError(t, m.Lock())

	require.NoError(t, m.Unlock())
	require.NoError(t, m.Unlock())

	// The owner's own TryLock would simply re-enter the recursive mutex, so
	// probe from a goroutine that is not a registered thread.
	var ok bool
	var err error
	probed := make(chan struct{})
	go func() {
		defer close(probed)
		ok, err = m.TryLock()
	}()
	<-probed
	require.NoError(t, err)
	assert.False(t, ok, "mutex should still be held after only 2 of 3 unlocks")

	require.NoError(t, m.Unlock())
	ok, err = m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "mutex should be free after the matching third unlock")
}

func TestMutexProtectRejectsHigherPriorityCaller(t *testing.T) {
	withMainThread(t)

	// Poke the packed sched-info word directly rather than going through
	// SetSchedParam: SCHED_FIFO requires CAP_SYS_NICE, which a test runner
	// may not have, and protectCheck only cares about the packed value.
	atomic.StoreUint32(&Self().userSchedInfo, packSched(SchedFIFO, 50))
	m := NewMutex(&MutexAttr{Protocol: MutexProtocolProtect, PrioCeiling: 10})
	assert.ErrorIs(t, m.Lock(), ErrPermission)
}

func TestMutexProtectBoostsOwnerToCeiling(t *testing.T) {
	withMainThread(t)

	m := NewMutex(&MutexAttr{Protocol: MutexProtocolProtect, PrioCeiling: 30})
	require.NoError(t, m.Lock())

	_, pri, err := GetSchedParam(Self())
	require.NoError(t, err)
	assert.Equal(t, 0, pri, "GetSchedParam reports the user-requested priority, not the boosted one")

	_, effPri := unpackSched(computeEffective(Self()))
	assert.Equal(t, 30, effPri, "the owner's effective priority is raised to the ceiling")

	require.NoError(t, m.Unlock())
}

func TestMutexGetSetPrioCeiling(t *testing.T) {
	m := NewMutex(&MutexAttr{Protocol: MutexProtocolProtect, PrioCeiling: 5})
	ceiling, err := m.GetPrioCeiling()
	require.NoError(t, err)
	assert.Equal(t, 5, ceiling)

	old, err := m.SetPrioCeiling(20)
	require.NoError(t, err)
	assert.Equal(t, 5, old)

	ceiling, err = m.GetPrioCeiling()
	require.NoError(t, err)
	assert.Equal(t, 20, ceiling)
}

func TestMutexPrioCeilingRequiresProtectProtocol(t *testing.T) {
	m := NewMutex(nil)
	_, err := m.GetPrioCeiling()
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = m.SetPrioCeiling(10)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMutexSetPrioCeilingSerializesWithOwner(t *testing.T) {
	withMainThread(t)

	m := NewMutex(&MutexAttr{Protocol: MutexProtocolProtect, PrioCeiling: 5})
	require.NoError(t, m.Lock())

	done := make(chan struct{})
	go func() {
		defer close(done)
		old, err := m.SetPrioCeiling(40)
		assert.NoError(t, err)
		assert.Equal(t, 5, old)
	}()

	select {
	case <-done:
		t.Fatal("SetPrioCeiling must block while the mutex is held by someone else")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.Unlock())
	<-done

	ceiling, err := m.GetPrioCeiling()
	require.NoError(t, err)
	assert.Equal(t, 40, ceiling)
}

func TestMutexAttrSetTypeGetTypeRoundTrip(t *testing.T) {
	a := NewMutexAttr()
	assert.Equal(t, MutexNormal, a.GetType())

	require.NoError(t, a.SetType(MutexRecursive))
	assert.Equal(t, MutexRecursive, a.GetType())

	assert.ErrorIs(t, a.SetType(MutexType(99)), ErrInvalid)
	assert.Equal(t, MutexRecursive, a.GetType(), "a rejected settype must not change the stored value")
}

func TestMutexAttrSetProtocolGetProtocolRoundTrip(t *testing.T) {
	a := NewMutexAttr()
	require.NoError(t, a.SetProtocol(MutexProtocolInherit))
	assert.Equal(t, MutexProtocolInherit, a.GetProtocol())

	assert.ErrorIs(t, a.SetProtocol(MutexProtocol(99)), ErrInvalid)
	assert.Equal(t, MutexProtocolInherit, a.GetProtocol())
}

func TestMutexAttrSetPrioCeilingRejectsOutOfRange(t *testing.T) {
	a := NewMutexAttr()
	require.NoError(t, a.SetPrioCeiling(42))
	assert.Equal(t, 42, a.GetPrioCeiling())

	assert.ErrorIs(t, a.SetPrioCeiling(-1), ErrInvalid)
	assert.ErrorIs(t, a.SetPrioCeiling(100), ErrInvalid)
	assert.Equal(t, 42, a.GetPrioCeiling())
}
