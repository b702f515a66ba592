package fifo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlee-t/kvmhost/internal/fifo"
)

func TestPutGetRoundTrip(t *testing.T) {
	f := fifo.New(8)

	for _, b := range []byte("hello") {
		require.True(t, f.Put(b))
	}
	assert.EqualValues(t, 5, f.Level())

	for _, want := range []byte("hello") {
		got, ok := f.Get()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.True(t, f.Empty())

	_, ok := f.Get()
	assert.False(t, ok)
}

func TestFullDropsExtraPut(t *testing.T) {
	f := fifo.New(4)
	for i := 0; i < 4; i++ {
		require.True(t, f.Put(byte(i)))
	}
	assert.True(t, f.Full())
	assert.False(t, f.Put(99))
}

func TestWrapAround(t *testing.T) {
	f := fifo.New(4)

	require.True(t, f.Put(1))
	require.True(t, f.Put(2))
	b, _ := f.Get()
	assert.Equal(t, byte(1), b)
	b, _ = f.Get()
	assert.Equal(t, byte(2), b)

	// head/tail are now both at 2 (mod 4 == 2); fill past the wrap point.
	for i := byte(10); i < 14; i++ {
		require.True(t, f.Put(i))
	}
	assert.True(t, f.Full())

	for i := byte(10); i < 14; i++ {
		got, ok := f.Get()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
}

func TestRegionsRoundTrip(t *testing.T) {
	f := fifo.New(8)
	for _, b := range []byte("abcdef") {
		require.True(t, f.Put(b))
	}
	// drain 4, then put 4 more so the data wraps across the boundary.
	for i := 0; i < 4; i++ {
		f.Get()
	}
	for _, b := range []byte("ghij") {
		require.True(t, f.Put(b))
	}

	regions := f.WriteRegions()
	var out []byte
	for _, r := range regions {
		out = append(out, r...)
	}
	assert.Equal(t, []byte("efghij"), out)

	f.Advance(uint32(len(out)))
	assert.True(t, f.Empty())

	regions = f.ReadRegions()
	total := 0
	for _, r := range regions {
		total += len(r)
	}
	assert.EqualValues(t, f.Cap(), total)
}
