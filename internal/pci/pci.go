// Package pci emulates a minimal PCI host bridge and PCI devices: a
// 256-byte configuration header per device, up to six Base Address
// Registers with command-register-driven activation on an I/O bus and
// an MMIO bus, and the x86 CF8/CFC config-access port pair.
package pci

import "github.com/jamlee-t/kvmhost/internal/bus"

// Config header offsets (PCI 2.3, type 0 header).
const (
	OffVendorID      = 0x00
	OffDeviceID      = 0x02
	OffCommand       = 0x04
	OffStatus        = 0x06
	OffRevisionID    = 0x08
	OffClassCode     = 0x09
	OffHeaderType    = 0x0e
	OffBAR0          = 0x10
	OffBAR5          = 0x24
	OffSubsystemVID  = 0x2c
	OffSubsystemID   = 0x2e
	OffROMAddress    = 0x30
	OffInterruptLine = 0x3c
	OffInterruptPin  = 0x3d

	CfgSpaceSize = 256
	NumBARs      = 6
)

// Command register bits.
const (
	CommandIO     uint16 = 1 << 0
	CommandMemory uint16 = 1 << 1
)

// BAROffset returns the config-space offset of BAR[bar].
func BAROffset(bar int) uint64 {
	if bar < 0 || bar >= NumBARs {
		panic("pci: bad bar index")
	}

	return OffBAR0 + uint64(bar)*4
}

// MaxDevicesPerBus bounds how many devices a single PCI bus (bus 0 in
// this single-bus implementation) may host. The device-number field of
// the packed config address has five bits, and the original C
// implementation this is modeled on silently overflowed past 32; this
// implementation rejects the 33rd registration instead.
const MaxDevicesPerBus = 32

// configAddress is the packed {enable, bus, dev, func, reg} value
// written to port 0xCF8 and synthesized (with the enable bit OR-ed in)
// for ECAM-style MMIO config access.
type configAddress struct {
	enable bool
	bus    uint8
	dev    uint8
	fn     uint8
	reg    uint16
}

func (a configAddress) pack() uint32 {
	var v uint32
	if a.enable {
		v |= 1 << 31
	}

	v |= uint32(a.bus&0x7f) << 24
	v |= uint32(a.dev&0x1f) << 19
	v |= uint32(a.fn&0x7) << 16
	v |= uint32(a.reg&0x3fff) << 2

	return v
}

func unpackConfigAddress(v uint32) configAddress {
	return configAddress{
		enable: v&(1<<31) != 0,
		bus:    uint8(v>>24) & 0x7f,
		dev:    uint8(v>>19) & 0x1f,
		fn:     uint8(v>>16) & 0x7,
		reg:    uint16(v>>2) & 0x3fff,
	}
}

// IOFunc services a read or write issued against a BAR-backed region or
// the legacy address/data ports.
type IOFunc func(data []byte, isWrite bool, offset uint64, size int)

var _ bus.IOHandler = ioFuncHandler(nil)

// ioFuncHandler adapts an IOFunc to bus.IOHandler.
type ioFuncHandler IOFunc

func (f ioFuncHandler) HandleIO(data []byte, isWrite bool, offset uint64, size int) {
	f(data, isWrite, offset, size)
}
