package virtioblk

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat byte slice standing in for guest physical memory.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) At(addr uint64, length int) []byte {
	return m.buf[addr : addr+uint64(length)]
}

// fakeDisk is an in-memory backing store.
type fakeDisk struct {
	buf []byte
}

func newFakeDisk(size int) *fakeDisk {
	return &fakeDisk{buf: make([]byte, size)}
}

func (d *fakeDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *fakeDisk) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.buf[off:], p)
	return n, nil
}

func writeDescriptor(descTable []byte, idx uint16, addr uint64, length uint32, flags, next uint16) {
	d := descTable[idx*descSize:]
	binary.LittleEndian.PutUint64(d[0:], addr)
	binary.LittleEndian.PutUint32(d[8:], length)
	binary.LittleEndian.PutUint16(d[12:], flags)
	binary.LittleEndian.PutUint16(d[14:], next)
}

const (
	descTableAddr = 0
	hdrAddr       = 4096
	dataAddr      = 8192
	statusAddr    = 16384
)

func newTestBlk(mem *fakeMemory, disk *fakeDisk) *Blk {
	return New(mem, disk, nil, 5, 1024, zerolog.Nop())
}

func TestProcessChainReadFillsDataAndStatus(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	for i := range disk.buf[:sectorSize] {
		disk.buf[i] = byte(i)
	}

	descTable := mem.At(descTableAddr, descSize*queueSize)
	writeDescriptor(descTable, 0, hdrAddr, 16, descFNext, 1)
	writeDescriptor(descTable, 1, dataAddr, sectorSize, descFNext|descFWrite, 2)
	writeDescriptor(descTable, 2, statusAddr, 1, 0, 0)

	hdr := mem.At(hdrAddr, 16)
	binary.LittleEndian.PutUint32(hdr[0:], reqTypeIn)
	binary.LittleEndian.PutUint64(hdr[8:], 0)

	b := newTestBlk(mem, disk)
	written := b.processChain(descTable, 0)

	assert.Equal(t, uint32(sectorSize+1), written)
	assert.Equal(t, byte(statusOK), mem.At(statusAddr, 1)[0])
	assert.Equal(t, disk.buf[:sectorSize], mem.At(dataAddr, sectorSize))
}

func TestProcessChainWritePersistsToDisk(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)

	descTable := mem.At(descTableAddr, descSize*queueSize)
	writeDescriptor(descTable, 0, hdrAddr, 16, descFNext, 1)
	writeDescriptor(descTable, 1, dataAddr, sectorSize, descFNext, 2)
	writeDescriptor(descTable, 2, statusAddr, 1, 0, 0)

	hdr := mem.At(hdrAddr, 16)
	binary.LittleEndian.PutUint32(hdr[0:], reqTypeOut)
	binary.LittleEndian.PutUint64(hdr[8:], 1)

	payload := mem.At(dataAddr, sectorSize)
	for i := range payload {
		payload[i] = 0xaa
	}

	b := newTestBlk(mem, disk)
	written := b.processChain(descTable, 0)

	assert.Equal(t, uint32(sectorSize+1), written)
	assert.Equal(t, byte(statusOK), mem.At(statusAddr, 1)[0])
	for _, v := range disk.buf[sectorSize : 2*sectorSize] {
		assert.Equal(t, byte(0xaa), v)
	}
}

func TestProcessChainUnsupportedRequestSetsStatus(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)

	descTable := mem.At(descTableAddr, descSize*queueSize)
	writeDescriptor(descTable, 0, hdrAddr, 16, descFNext, 1)
	writeDescriptor(descTable, 1, dataAddr, sectorSize, descFNext, 2)
	writeDescriptor(descTable, 2, statusAddr, 1, 0, 0)

	hdr := mem.At(hdrAddr, 16)
	binary.LittleEndian.PutUint32(hdr[0:], 99) // neither IN nor OUT

	b := newTestBlk(mem, disk)
	b.processChain(descTable, 0)

	assert.Equal(t, byte(statusUnsupp), mem.At(statusAddr, 1)[0])
}

func TestProcessChainMalformedHeaderReturnsZero(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)

	descTable := mem.At(descTableAddr, descSize*queueSize)
	// Header descriptor with no NEXT flag: malformed, no chain to walk.
	writeDescriptor(descTable, 0, hdrAddr, 16, 0, 0)

	hdr := mem.At(hdrAddr, 16)
	binary.LittleEndian.PutUint32(hdr[0:], reqTypeIn)

	b := newTestBlk(mem, disk)
	written := b.processChain(descTable, 0)

	assert.Equal(t, uint32(0), written)
}

func TestReadRegCapacitySpansBoundary(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)
	b.capacity = 0x0102030405060708

	data := make([]byte, 4)
	b.readReg(OffConfig+4, data, 4)

	var want [8]byte
	binary.LittleEndian.PutUint64(want[:], b.capacity)
	assert.Equal(t, want[4:8], data)
}

func TestReadRegQueueSizeIsFixed(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)

	data := make([]byte, 2)
	b.readReg(OffQueueSize, data, 2)

	assert.Equal(t, uint16(queueSize), binary.LittleEndian.Uint16(data))
}

func TestReadRegISRStatusClearsOnRead(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)
	b.isr = 1

	data := make([]byte, 1)
	b.readReg(OffISRStatus, data, 1)

	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, byte(0), b.isr)
}

func TestWriteRegDeviceStatusResetClearsQueuePFN(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)
	b.queuePFN = 7

	b.writeReg(OffDeviceStatus, []byte{0}, 1)

	assert.Equal(t, uint32(0), b.queuePFN)
}

func TestWriteRegQueuePFNStored(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 0xabcd)
	b.writeReg(OffQueuePFN, data, 4)

	assert.Equal(t, uint32(0xabcd), b.queuePFN)
}

func TestWriteRegQueueNotifyKicksOnlyForQueueZero(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)

	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, 1) // non-zero queue index: single-queue device, dropped
	b.writeReg(OffQueueNotify, data, 2)
	assert.Empty(t, b.notify)

	binary.LittleEndian.PutUint16(data, 0)
	b.writeReg(OffQueueNotify, data, 2)
	assert.Len(t, b.notify, 1)
}

func TestKickCoalescesPendingNotifications(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	b := newTestBlk(mem, disk)

	b.kick()
	b.kick() // must not block: the channel has capacity 1 and already has a pending notification

	require.Len(t, b.notify, 1)
}

func TestProcessAvailServicesOneRequestAndRaisesIRQ(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	disk := newFakeDisk(1 << 20)
	for i := range disk.buf[:sectorSize] {
		disk.buf[i] = byte(i)
	}

	const base = uint64(1) << pageShift // queue PFN 1
	const (
		avHdrAddr    = 0x20000
		avDataAddr   = 0x21000
		avStatusAddr = 0x22000
	)

	descTable := mem.At(base, descSize*queueSize)
	writeDescriptor(descTable, 0, avHdrAddr, 16, descFNext, 1)
	writeDescriptor(descTable, 1, avDataAddr, sectorSize, descFNext|descFWrite, 2)
	writeDescriptor(descTable, 2, avStatusAddr, 1, 0, 0)

	hdr := mem.At(avHdrAddr, 16)
	binary.LittleEndian.PutUint32(hdr[0:], reqTypeIn)

	availBase := base + descSize*queueSize
	avail := mem.At(availBase, 4+2*queueSize+2)
	binary.LittleEndian.PutUint16(avail[4:], 0) // ring[0] = descriptor head 0
	binary.LittleEndian.PutUint16(avail[2:], 1) // avail idx = 1, one pending request

	irq := &recordingIRQ{}
	b := New(mem, disk, irq, 5, 1024, zerolog.Nop())

	last := b.processAvail(base, 0)

	assert.Equal(t, uint16(1), last)
	assert.Equal(t, byte(statusOK), mem.At(avStatusAddr, 1)[0])
	require.Len(t, irq.raised, 1)
	assert.Equal(t, uint32(5), irq.raised[0])
}

type recordingIRQ struct {
	raised []uint32
}

func (r *recordingIRQ) Raise(irq uint32) {
	r.raised = append(r.raised, irq)
}
