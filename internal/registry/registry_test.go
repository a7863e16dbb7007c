package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	aborted bool
}

func (f *fakeHandle) Abort() { f.aborted = true }

func TestInsertRemove(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	r.Insert("7_api", h)
	require.Equal(t, 1, r.Len())

	got := r.Remove("7_api")
	require.NotNil(t, got)
	assert.Equal(t, 0, r.Len())
	assert.Same(t, h, got)

	assert.Nil(t, r.Remove("7_api"))
}

func TestInsertOverwritesLastWriterWins(t *testing.T) {
	r := New()
	first := &fakeHandle{}
	second := &fakeHandle{}
	r.Insert("1_a", first)
	r.Insert("1_a", second)

	assert.Equal(t, 1, r.Len())
	got := r.Remove("1_a")
	assert.Same(t, second, got)
}

func TestDrain(t *testing.T) {
	r := New()
	r.Insert("1_a", &fakeHandle{})
	r.Insert("2_b", &fakeHandle{})

	drained := r.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, r.Len())
}

func TestKeyPrefixed(t *testing.T) {
	r := New()
	r.Insert("7_api", &fakeHandle{})

	key, ok := r.KeyPrefixed("7_")
	require.True(t, ok)
	assert.Equal(t, "7_api", key)

	_, ok = r.KeyPrefixed("8_")
	assert.False(t, ok)
}

func TestCancelAllSignalBroadcastsAndIsIdempotent(t *testing.T) {
	r := New()
	sig := r.CancelSignal()

	select {
	case <-sig:
		t.Fatal("signal fired before CancelAllSignal was called")
	default:
	}

	r.CancelAllSignal()

	select {
	case <-sig:
	default:
		t.Fatal("signal did not fire after CancelAllSignal")
	}

	// Calling it again with no live forwards must not panic or block.
	r.CancelAllSignal()
}
