package gothread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSSetGetSpecific(t *testing.T) {
	withMainThread(t)

	key, err := CreateKey(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = DeleteKey(key) })

	assert.Nil(t, GetSpecific(key))
	require.NoError(t, SetSpecific(key, 42))
	assert.Equal(t, 42, GetSpecific(key))
}

func TestTLSPerThreadIsolation(t *testing.T) {
	withMainThread(t)

	key, err := CreateKey(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = DeleteKey(key) })

	require.NoError(t, SetSpecific(key, "main"))

	seen := make(chan interface{}, 1)
	d, err := Create(nil, func(arg interface{}) interface{} {
		seen <- GetSpecific(key)
		require.NoError(t, SetSpecific(key, "child"))
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = Join(d)
	require.NoError(t, err)

	assert.Nil(t, <-seen, "a new thread must not inherit another thread's TLS value")
	assert.Equal(t, "main", GetSpecific(key))
}

func TestTLSDestructorRunsOnExit(t *testing.T) {
	withMainThread(t)

	destructed := make(chan interface{}, 1)
	key, err := CreateKey(func(v interface{}) { destructed <- v })
	require.NoError(t, err)
	t.Cleanup(func() { _ = DeleteKey(key) })

	d, err := Create(nil, func(arg interface{}) interface{} {
		require.NoError(t, SetSpecific(key, "cleanup-me"))
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = Join(d)
	require.NoError(t, err)

	select {
	case v := <-destructed:
		assert.Equal(t, "cleanup-me", v)
	default:
		t.Fatal("destructor never ran")
	}
}

func TestTLSDeleteKeyInvalidatesAccess(t *testing.T) {
	withMainThread(t)

	key, err := CreateKey(nil)
	require.NoError(t, err)
	require.NoError(t, SetSpecific(key, "value"))

	require.NoError(t, DeleteKey(key))
	assert.Nil(t, GetSpecific(key))
	assert.ErrorIs(t, SetSpecific(key, "value"), ErrInvalid)
}

func TestDeleteKeyUnknownIsInvalid(t *testing.T) {
	assert.ErrorIs(t, DeleteKey(Key(0xdeadbeef)), ErrInvalid)
}

func TestCreateKeyExhaustion(t *testing.T) {
	var created []Key
	t.Cleanup(func() {
		for _, k := range created {
			_ = DeleteKey(k)
		}
	})

	for i := 0; i < tlsCapacity; i++ {
		k, err := CreateKey(nil)
		require.NoError(t, err)
		created = append(created, k)
	}

	_, err := CreateKey(nil)
	assert.ErrorIs(t, err, ErrNoMem)
}
