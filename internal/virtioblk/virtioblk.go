// Package virtioblk implements a minimal legacy (pre-1.0) virtio block
// device: the PCI device shape (BAR0 register file, config header, IRQ)
// and a single-queue worker that walks the virtqueue's descriptor chain
// to service sector reads/writes against a backing disk image.
//
// The virtqueue wire format itself (descriptor/avail/used ring layout)
// is treated as an already-solved, externally specified protocol per
// this project's scope: what this package owns is the PCI device that
// hosts it and the register-level state machine guests drive to kick
// it.
package virtioblk

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jamlee-t/kvmhost/internal/bus"
	"github.com/jamlee-t/kvmhost/internal/pci"
)

// Legacy virtio PCI register offsets within BAR0.
const (
	OffHostFeatures   = 0x00
	OffGuestFeatures  = 0x04
	OffQueuePFN       = 0x08
	OffQueueSize      = 0x0c
	OffQueueSelect    = 0x0e
	OffQueueNotify    = 0x10
	OffDeviceStatus   = 0x12
	OffISRStatus      = 0x13
	OffConfig         = 0x14

	barSize    = 0x20 // 0x14 header + 8-byte capacity field, rounded up to a power of two
	queueSize  = 256
	pageShift  = 12
	pageSize   = 1 << pageShift
	sectorSize = 512

	// VIRTIO_BLK_T_* request types, from the virtio-blk spec.
	reqTypeIn  = 0
	reqTypeOut = 1

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// Memory gives the device access to guest physical memory without
// depending on the vm package: it returns a slice aliasing length
// bytes at guest-physical addr.
type Memory interface {
	At(addr uint64, length int) []byte
}

// IRQLine matches serial.IRQLine's shape; kept as its own interface so
// this package does not depend on internal/serial.
type IRQLine interface {
	Raise(irq uint32)
}

// Disk is the backing store: sector-addressed random access.
type Disk interface {
	io.ReaderAt
	io.WriterAt
}

// Blk is a legacy virtio-blk PCI device.
type Blk struct {
	mu sync.Mutex

	mem  Memory
	disk Disk
	irq  IRQLine
	irqN uint32
	log  zerolog.Logger

	guestFeatures uint32
	queuePFN      uint32
	queueSelect   uint16
	status        uint8
	isr           uint8
	capacity      uint64 // sectors

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	pciDev *pci.Device
}

// New constructs a Blk device of the given sector capacity.
func New(mem Memory, disk Disk, irq IRQLine, irqNum uint32, capacitySectors uint64, log zerolog.Logger) *Blk {
	return &Blk{
		mem:      mem,
		disk:     disk,
		irq:      irq,
		irqN:     irqNum,
		capacity: capacitySectors,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		log:      log,
	}
}

// Attach builds the PCI config header/BAR0 and registers the device on
// the bridge and io bus, then starts the queue worker.
func (b *Blk) Attach(br *pci.Bridge, ioBus *bus.Bus) error {
	b.pciDev = pci.NewDevice(ioBus, nil, 0x1af4, 0x1001, 0x01)
	b.pciDev.SetBAR(0, barSize, true, b.ioAccess)
	b.pciDev.SetInterruptLine(byte(b.irqN))

	if err := br.Register(b.pciDev); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.run()

	return nil
}

// Close stops the worker goroutine.
func (b *Blk) Close() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.wg.Wait()
}

func (b *Blk) ioAccess(data []byte, isWrite bool, offset uint64, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isWrite {
		b.writeReg(offset, data, size)
	} else {
		b.readReg(offset, data, size)
	}
}

func (b *Blk) readReg(offset uint64, data []byte, size int) {
	switch offset {
	case OffHostFeatures:
		binary.LittleEndian.PutUint32(data, 0) // no optional features advertised
	case OffQueuePFN:
		binary.LittleEndian.PutUint32(data, b.queuePFN)
	case OffQueueSize:
		binary.LittleEndian.PutUint16(data, queueSize)
	case OffQueueSelect:
		binary.LittleEndian.PutUint16(data, b.queueSelect)
	case OffDeviceStatus:
		data[0] = b.status
	case OffISRStatus:
		data[0] = b.isr
		b.isr = 0
	default:
		if offset >= OffConfig && offset < OffConfig+8 {
			var capBuf [8]byte
			binary.LittleEndian.PutUint64(capBuf[:], b.capacity)
			copy(data[:size], capBuf[offset-OffConfig:])
		}
	}
}

func (b *Blk) writeReg(offset uint64, data []byte, size int) {
	switch offset {
	case OffGuestFeatures:
		b.guestFeatures = binary.LittleEndian.Uint32(data)
	case OffQueuePFN:
		b.queuePFN = binary.LittleEndian.Uint32(data)
	case OffQueueSelect:
		b.queueSelect = binary.LittleEndian.Uint16(data)
	case OffQueueNotify:
		if binary.LittleEndian.Uint16(data) == 0 {
			b.kick() // single queue; notifications for any other index are guest-undefined
		}
	case OffDeviceStatus:
		b.status = data[0]
		if b.status == 0 {
			b.queuePFN = 0 // guest-initiated reset
		}
	}
}

// kick wakes the worker; a pending, unconsumed notification coalesces
// with a new one since the worker always re-reads the full avail ring.
func (b *Blk) kick() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Blk) run() {
	defer b.wg.Done()

	lastAvail := uint16(0)

	for {
		select {
		case <-b.stop:
			return
		case <-b.notify:
		}

		b.mu.Lock()
		pfn := b.queuePFN
		b.mu.Unlock()

		if pfn == 0 {
			continue
		}

		lastAvail = b.processAvail(uint64(pfn)<<pageShift, lastAvail)
	}
}

// virtqueue layout offsets within the queue's base page, legacy split
// format: descriptor table, then avail ring, then (page-aligned) used
// ring.
const descSize = 16

func (b *Blk) processAvail(base uint64, lastAvail uint16) uint16 {
	descTable := b.mem.At(base, descSize*queueSize)
	availBase := base + descSize*queueSize
	avail := b.mem.At(availBase, 4+2*queueSize+2)

	availIdx := binary.LittleEndian.Uint16(avail[2:])

	usedBase := ((availBase + 4 + 2*queueSize + 2 + pageSize - 1) / pageSize) * pageSize
	used := b.mem.At(usedBase, 4+8*queueSize+2)
	usedIdx := binary.LittleEndian.Uint16(used[2:])

	for ; lastAvail != availIdx; lastAvail++ {
		ringOffset := 4 + (lastAvail%queueSize)*2
		head := binary.LittleEndian.Uint16(avail[ringOffset:])

		length := b.processChain(descTable, head)

		usedElemOff := 4 + (usedIdx%queueSize)*8
		binary.LittleEndian.PutUint32(used[usedElemOff:], uint32(head))
		binary.LittleEndian.PutUint32(used[usedElemOff+4:], length)
		usedIdx++
		binary.LittleEndian.PutUint16(used[2:], usedIdx)
	}

	b.mu.Lock()
	b.isr |= 1
	b.mu.Unlock()

	if b.irq != nil {
		b.irq.Raise(b.irqN)
	}

	return lastAvail
}

// descriptor mirrors struct vring_desc.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

const (
	descFNext  = 1
	descFWrite = 2
)

func readDescriptor(descTable []byte, idx uint16) descriptor {
	d := descTable[idx*descSize:]

	return descriptor{
		addr:  binary.LittleEndian.Uint64(d[0:]),
		len:   binary.LittleEndian.Uint32(d[8:]),
		flags: binary.LittleEndian.Uint16(d[12:]),
		next:  binary.LittleEndian.Uint16(d[14:]),
	}
}

// processChain walks one descriptor chain starting at head: a
// read-only virtio_blk_outhdr{type u32, reserved u32, sector u64},
// zero or more data descriptors, and a final write-only 1-byte status
// descriptor. It performs the requested sector I/O and returns the
// total response length written (used for the used-ring element).
func (b *Blk) processChain(descTable []byte, head uint16) uint32 {
	hdrDesc := readDescriptor(descTable, head)
	hdrBuf := b.mem.At(hdrDesc.addr, int(hdrDesc.len))

	reqType := binary.LittleEndian.Uint32(hdrBuf[0:])
	sector := binary.LittleEndian.Uint64(hdrBuf[8:])

	var (
		written uint32
		status  byte = statusOK
	)

	if hdrDesc.flags&descFNext == 0 {
		return 0 // malformed chain: header with no continuation
	}
	cur := readDescriptor(descTable, hdrDesc.next)

	// Walk data descriptors; the chain's final descriptor (no NEXT flag)
	// is always the write-only 1-byte status byte.
	for cur.flags&descFNext != 0 {
		buf := b.mem.At(cur.addr, int(cur.len))
		off := int64(sector) * sectorSize

		switch reqType {
		case reqTypeIn:
			n, err := b.disk.ReadAt(buf, off)
			if err != nil && err != io.EOF {
				status = statusIOErr
			}
			written += uint32(n)
		case reqTypeOut:
			n, err := b.disk.WriteAt(buf, off)
			if err != nil {
				status = statusIOErr
			}
			written += uint32(n)
		default:
			status = statusUnsupp
		}

		sector += uint64(cur.len) / sectorSize
		cur = readDescriptor(descTable, cur.next)
	}

	b.mem.At(cur.addr, 1)[0] = status
	written++

	return written
}
