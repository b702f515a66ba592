package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlee-t/kvmhost/internal/bus"
)

type recorder struct {
	offset uint64
	size   int
	writes int
}

func (r *recorder) HandleIO(data []byte, isWrite bool, offset uint64, size int) {
	r.offset = offset
	r.size = size
	if isWrite {
		r.writes++
	}
}

func TestBusDisjointRegistrationsDispatchToOwner(t *testing.T) {
	b := bus.New()

	r1 := &recorder{}
	r2 := &recorder{}

	d1 := bus.NewDevice(0x100, 0x40, r1) // [0x100, 0x140)
	require.NoError(t, b.Register(d1))

	b.HandleIO(make([]byte, 4), false, 0x120, 4)
	assert.Equal(t, uint64(0x20), r1.offset)
	assert.Equal(t, 4, r1.size)

	d2 := bus.NewDevice(0x130, 0x10, r2) // [0x130,0x140) overlaps d1
	assert.Error(t, b.Register(d2))

	d3 := bus.NewDevice(0x140, 0x10, r2) // [0x140,0x150) disjoint
	require.NoError(t, b.Register(d3))

	b.HandleIO(make([]byte, 1), true, 0x145, 1)
	assert.Equal(t, uint64(0x5), r2.offset)
	assert.Equal(t, 1, r2.writes)
}

func TestBusOverlapFails(t *testing.T) {
	b := bus.New()
	require.NoError(t, b.Register(bus.NewDevice(0x100, 0x40, &recorder{})))

	err := b.Register(bus.NewDevice(0x138, 0x20, &recorder{})) // [0x138,0x158) overlaps [0x100,0x140)
	assert.Error(t, err)
}

func TestBusUnmappedAddressIsIgnored(t *testing.T) {
	b := bus.New()
	require.NoError(t, b.Register(bus.NewDevice(0x100, 0x10, &recorder{})))

	assert.NotPanics(t, func() {
		b.HandleIO(make([]byte, 4), false, 0xdead, 4)
	})
}

// selfDeregister removes itself from the bus the first time it is
// called, exercising the contract that a callback may mutate its own
// bus without deadlocking or corrupting later dispatches.
type selfDeregister struct {
	b    *bus.Bus
	d    *bus.Device
	hits int
}

func (s *selfDeregister) HandleIO(data []byte, isWrite bool, offset uint64, size int) {
	s.hits++
	s.b.Deregister(s.d)
}

func TestBusDeregisterFromWithinCallback(t *testing.T) {
	b := bus.New()
	sd := &selfDeregister{b: b}
	d := bus.NewDevice(0x200, 0x10, sd)
	sd.d = d

	require.NoError(t, b.Register(d))

	b.HandleIO(make([]byte, 1), true, 0x200, 1)
	assert.Equal(t, 1, sd.hits)

	// Second dispatch to the same address must be silently ignored now.
	assert.NotPanics(t, func() {
		b.HandleIO(make([]byte, 1), true, 0x200, 1)
	})
	assert.Equal(t, 1, sd.hits)

	other := &recorder{}
	require.NoError(t, b.Register(bus.NewDevice(0x300, 0x10, other)))
	b.HandleIO(make([]byte, 1), false, 0x305, 1)
	assert.Equal(t, uint64(5), other.offset)
}
