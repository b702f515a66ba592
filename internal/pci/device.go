package pci

import (
	"encoding/binary"
	"math/bits"

	"github.com/jamlee-t/kvmhost/internal/bus"
)

// Device is a PCI function: a 256-byte configuration header plus up to
// six BARs, each of which may be independently activated onto the
// owning VM's I/O or MMIO bus as the guest flips COMMAND.IO/MEMORY.
//
// Config space access is expected to happen only from the vCPU thread
// (all config writes arrive via guest vmexits routed through the
// bridge), so Device itself does no internal locking; the Bus it is
// registered on serializes registration against concurrent lookups.
type Device struct {
	hdr [CfgSpaceSize]byte

	barSize   [NumBARs]uint32
	barIsIO   [NumBARs]bool
	barActive [NumBARs]bool
	barDev    [NumBARs]*bus.Device
	barIO     [NumBARs]IOFunc

	ioBus   *bus.Bus
	mmioBus *bus.Bus

	configDev *bus.Device
}

// NewDevice constructs a bare PCI device with vendor/device IDs already
// populated. Callers attach BARs with SetBAR before registering it on a
// bridge.
func NewDevice(ioBus, mmioBus *bus.Bus, vendorID, deviceID uint16, classCode byte) *Device {
	d := &Device{ioBus: ioBus, mmioBus: mmioBus}

	binary.LittleEndian.PutUint16(d.hdr[OffVendorID:], vendorID)
	binary.LittleEndian.PutUint16(d.hdr[OffDeviceID:], deviceID)
	d.hdr[OffClassCode+2] = classCode // base class byte of the 3-byte class code field

	return d
}

// SetInterruptLine records the IRQ number the guest will see at
// OffInterruptLine/OffInterruptPin; this does not wire any actual
// interrupt delivery, it only populates the config-space fields guests
// read to discover their assigned IRQ.
func (d *Device) SetInterruptLine(irq byte) {
	d.hdr[OffInterruptLine] = irq
	d.hdr[OffInterruptPin] = 1
}

// SetBAR initializes BAR[bar]: size must be a power of two. isIOSpace
// selects the bus the BAR activates on (I/O bus vs MMIO bus). io
// services accesses once the BAR is active.
func (d *Device) SetBAR(bar int, size uint32, isIOSpace bool, io IOFunc) {
	if bits.OnesCount32(size) != 1 {
		panic("pci: bar size must be a power of two")
	}

	var tag uint32
	if isIOSpace {
		tag = 1
	}

	binary.LittleEndian.PutUint32(d.hdr[BAROffset(bar):], tag)

	d.barSize[bar] = size
	d.barIsIO[bar] = isIOSpace
	d.barIO[bar] = io
	d.barDev[bar] = bus.NewDevice(0, uint64(size), ioFuncHandler(io))
}

// ConfigRead copies size bytes from the header at offset into data.
func (d *Device) ConfigRead(data []byte, offset uint64, size int) {
	copy(data[:size], d.hdr[offset:])
}

// ConfigWrite copies size bytes from data into the header at offset,
// then applies whatever side effects that offset carries (COMMAND → BAR
// activation, a BAR register → size-probe masking, ROM address → always
// reads back zero).
func (d *Device) ConfigWrite(data []byte, offset uint64, size int) {
	copy(d.hdr[offset:], data[:size])

	switch {
	case offset == OffCommand:
		d.applyCommand()
	case offset >= OffBAR0 && offset <= OffBAR5:
		bar := int(offset-OffBAR0) / 4
		d.applyBARWrite(bar)
	case offset == OffROMAddress:
		binary.LittleEndian.PutUint32(d.hdr[OffROMAddress:], 0)
	}
}

func (d *Device) command() uint16 {
	return binary.LittleEndian.Uint16(d.hdr[OffCommand:])
}

func (d *Device) applyCommand() {
	cmd := d.command()
	enableIO := cmd&CommandIO != 0
	enableMem := cmd&CommandMemory != 0

	for i := 0; i < NumBARs; i++ {
		b := d.ioBus
		enable := enableIO
		if !d.barIsIO[i] {
			b = d.mmioBus
			enable = enableMem
		}

		if enable {
			d.activateBAR(i, b)
		} else {
			d.deactivateBAR(i, b)
		}
	}
}

func (d *Device) barMask(bar int) uint32 {
	return ^(d.barSize[bar] - 1)
}

func (d *Device) activateBAR(bar int, b *bus.Bus) {
	if b == nil || d.barDev[bar] == nil {
		return
	}

	mask := d.barMask(bar)
	baseOK := d.barDev[bar].Base&uint64(mask) != 0

	if !d.barActive[bar] && baseOK {
		// Registration failures here are guest-undefined (a
		// misconfigured BAR overlapping another device); the guest
		// simply won't see the device respond.
		_ = b.Register(d.barDev[bar])
		d.barActive[bar] = true
	}
}

func (d *Device) deactivateBAR(bar int, b *bus.Bus) {
	if b == nil || d.barDev[bar] == nil {
		return
	}

	mask := d.barMask(bar)
	baseOK := d.barDev[bar].Base&uint64(mask) != 0

	if d.barActive[bar] && baseOK {
		b.Deregister(d.barDev[bar])
		d.barActive[bar] = false
	}
}

func (d *Device) applyBARWrite(bar int) {
	mask := d.barMask(bar)
	raw := binary.LittleEndian.Uint32(d.hdr[BAROffset(bar):])

	var tag uint32
	if d.barIsIO[bar] {
		tag = 1
	}

	newVal := (raw & mask) | tag
	binary.LittleEndian.PutUint32(d.hdr[BAROffset(bar):], newVal)
	d.barDev[bar].Base = uint64(raw & mask)
}

func (d *Device) configHandler() bus.IOHandler {
	return configIOHandler{d}
}

type configIOHandler struct{ d *Device }

func (h configIOHandler) HandleIO(data []byte, isWrite bool, offset uint64, size int) {
	if isWrite {
		h.d.ConfigWrite(data, offset, size)
	} else {
		h.d.ConfigRead(data, offset, size)
	}
}
