package pci

import (
	"encoding/binary"

	"github.com/jamlee-t/kvmhost/internal/bus"
)

// x86 legacy config-access port pair.
const (
	AddrPort     = 0xcf8
	AddrPortSize = 4
	DataPort     = 0xcfc
	DataPortSize = 4
)

// ErrTooManyDevices is returned by Register once MaxDevicesPerBus
// devices have already been registered on the bridge's internal bus.
// The original C implementation this is modeled on silently overflowed
// the five-bit device-number field past this point; this implementation
// treats it as a ConfigError instead.
type ErrTooManyDevices struct{}

func (ErrTooManyDevices) Error() string {
	return "pci: bridge already hosts the maximum of 32 devices"
}

// Bridge is the x86 PCI host bridge: it owns the address (0xCF8) and
// data (0xCFC) ports on the I/O bus and a private config-space bus on
// which every registered Device's 256-byte header lives at a packed
// config address.
type Bridge struct {
	pciBus *bus.Bus
	addr   uint32

	ioBus *bus.Bus
}

// NewBridge constructs a Bridge and registers its address/data ports on
// ioBus. ioBus may be nil for tests that only exercise config-bus
// dispatch directly.
func NewBridge(ioBus *bus.Bus) *Bridge {
	br := &Bridge{pciBus: bus.New(), ioBus: ioBus}

	if ioBus != nil {
		_ = ioBus.Register(bus.NewDevice(AddrPort, AddrPortSize, ioFuncHandler(br.addressIO)))
		_ = ioBus.Register(bus.NewDevice(DataPort, DataPortSize, ioFuncHandler(br.dataIO)))
	}

	return br
}

func (br *Bridge) addressIO(data []byte, isWrite bool, offset uint64, size int) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, br.addr)

	if isWrite {
		copy(buf[offset:], data[:size])
		br.addr = binary.LittleEndian.Uint32(buf)
		br.addr &^= 0x3 // reg_offset cleared to zero after each write
	} else {
		copy(data[:size], buf[offset:])
	}
}

func (br *Bridge) dataIO(data []byte, isWrite bool, offset uint64, size int) {
	addr := uint64(br.addr) | offset
	br.pciBus.HandleIO(data, isWrite, addr, size)
}

// MMIO returns an IOFunc suitable for registering an ECAM-style CFG
// window on an MMIO bus (ARM-style platforms). offset within the window
// is forwarded to the config bus with the enable bit synthesized, since
// ECAM has no explicit enable bit the way CF8 does. Not used by the
// amd64-only VM wiring in this module, but kept so the bridge's
// dispatch logic is exercised identically from either front end.
func (br *Bridge) MMIO() IOFunc {
	return func(data []byte, isWrite bool, offset uint64, size int) {
		addr := offset | (1 << 31)
		br.pciBus.HandleIO(data, isWrite, addr, size)
	}
}

// Register assigns dev the next device-slot number on bus 0, attaches
// its 256-byte config header to the bridge's config bus at the packed
// address {enable:1, bus:0, dev:slot, func:0, reg:0}, and fails with
// ErrTooManyDevices once 32 devices are already registered.
func (br *Bridge) Register(dev *Device) error {
	if br.pciBus.DevNum() >= MaxDevicesPerBus {
		return ErrTooManyDevices{}
	}

	slot := uint8(br.pciBus.DevNum())
	addr := configAddress{enable: true, dev: slot}

	configDev := bus.NewDevice(uint64(addr.pack()), CfgSpaceSize, dev.configHandler())
	dev.configDev = configDev

	return br.pciBus.Register(configDev)
}

// ConfigBus exposes the bridge's internal config-space bus for tests
// that want to dispatch directly without going through the I/O ports.
func (br *Bridge) ConfigBus() *bus.Bus { return br.pciBus }
