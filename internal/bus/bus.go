// Package bus implements the address-space multiplexer shared by every
// emulated device: a Device occupies a fixed interval of guest address
// space, and a Bus dispatches guest accesses to whichever Device's
// interval contains the address.
package bus

import (
	"fmt"
	"sort"
	"sync"
)

// IOHandler is implemented by anything that can service a read or write
// against one of its own addressable regions. offset is relative to the
// Device's base; data is the raw guest-supplied (write) or host-supplied
// (read) bytes for the access.
type IOHandler interface {
	HandleIO(data []byte, isWrite bool, offset uint64, size int)
}

// Device is an addressable region [Base, Base+Len) bound to an owner and
// an IOHandler. Its interval is fixed for as long as it remains
// registered on a Bus.
type Device struct {
	Base    uint64
	Len     uint64
	Handler IOHandler
}

func (d *Device) end() uint64 { return d.Base + d.Len }

func (d *Device) contains(addr uint64) bool {
	return addr >= d.Base && addr < d.end()
}

func (d *Device) overlaps(o *Device) bool {
	return d.Base < o.end() && o.Base < d.end()
}

// NewDevice constructs a Device. It does not register it on any bus.
func NewDevice(base, length uint64, handler IOHandler) *Device {
	if length == 0 {
		panic("bus: zero-length device")
	}

	return &Device{Base: base, Len: length, Handler: handler}
}

// ErrAddressConflict is returned by Register when the candidate interval
// overlaps an already-registered device.
type ErrAddressConflict struct {
	Base, Len uint64
}

func (e *ErrAddressConflict) Error() string {
	return fmt.Sprintf("bus: address range [0x%x, 0x%x) conflicts with an existing device", e.Base, e.Base+e.Len)
}

// Bus is an ordered set of non-overlapping Devices with O(log n) lookup
// by address. devNum is a monotonic count of devices ever registered,
// used by the PCI bridge to assign bus-slot numbers; it never decreases.
type Bus struct {
	mu      sync.RWMutex
	devices []*Device // kept sorted by Base
	devNum  uint32
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Register inserts d, failing if its interval overlaps any device
// already on the bus. On success devNum is incremented.
func (b *Bus) Register(d *Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := sort.Search(len(b.devices), func(i int) bool { return b.devices[i].Base >= d.Base })

	if idx > 0 && b.devices[idx-1].overlaps(d) {
		return &ErrAddressConflict{d.Base, d.Len}
	}

	if idx < len(b.devices) && b.devices[idx].overlaps(d) {
		return &ErrAddressConflict{d.Base, d.Len}
	}

	b.devices = append(b.devices, nil)
	copy(b.devices[idx+1:], b.devices[idx:])
	b.devices[idx] = d
	b.devNum++

	return nil
}

// Deregister removes d from the bus. It is a no-op if d is not present.
func (b *Bus) Deregister(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.devices {
		if cur == d {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// DevNum returns the number of devices ever registered on this bus.
func (b *Bus) DevNum() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.devNum
}

// HandleIO finds the device whose interval contains addr and invokes its
// handler with offset = addr - base. If no device matches, the access is
// silently ignored: guest-visible undefined behavior, never a host
// fault. The bus lock is released before the handler runs, so the
// handler may register or deregister devices on this same bus (PCI BAR
// activation) without deadlocking.
func (b *Bus) HandleIO(data []byte, isWrite bool, addr uint64, size int) {
	d := b.lookup(addr)
	if d == nil {
		return
	}

	d.Handler.HandleIO(data, isWrite, addr-d.Base, size)
}

func (b *Bus) lookup(addr uint64) *Device {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx := sort.Search(len(b.devices), func(i int) bool { return b.devices[i].Base > addr })
	if idx == 0 {
		return nil
	}

	d := b.devices[idx-1]
	if d.contains(addr) {
		return d
	}

	return nil
}
