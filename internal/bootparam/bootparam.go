// Package bootparam builds the Linux x86 boot protocol's zero-page
// (struct boot_params) well enough to hand a bzImage kernel a flat
// E820 memory map, an initrd, and a command line. This is
// architecture bring-up glue, external to the device-emulation core:
// its only job is to populate the few fields a guest kernel's decompressor
// and early init actually read.
package bootparam

import "encoding/binary"

// Field offsets within struct boot_params (linux/Documentation/x86/boot.rst).
const (
	offSetupSects    = 0x1f1
	offSysSize       = 0x1f4
	offLoadFlags     = 0x211
	offSetupHeader   = 0x1f1
	offRamdiskImage  = 0x218
	offRamdiskSize   = 0x21c
	offHeapEndPtr    = 0x224
	offCmdLinePtr    = 0x228
	offCmdlineSize   = 0x238
	offE820Entries   = 0x1e8
	offE820Table     = 0x2d0

	HeaderMagic = 0x53726448 // "HdrS"
	offHeaderSig = 0x202

	E820TypeRAM = 1

	Size = 4096
)

// E820Entry is one entry of the E820 memory map.
type E820Entry struct {
	Addr, Size uint64
	Type       uint32
}

// Params is a 4096-byte zero-page buffer with accessor methods mirroring
// struct boot_params's fields. It embeds the raw setup_header bytes read
// from the kernel image (callers must copy those in before calling the
// setters below, since the header's own fields like vid_mode and
// root_dev are kernel-image-defined, not VM-defined).
type Params struct {
	buf [Size]byte
}

// New returns a zeroed Params. Callers should first pass the bytes at
// offset 0x1f1 of the kernel image (the setup_header) to
// LoadSetupHeader, which places them at the same offset in the zero
// page, before calling the setters, matching the documented boot
// protocol layout used by every Linux x86 bootloader.
func New() *Params { return &Params{} }

// Bytes returns the raw zero-page buffer to mmap into guest memory.
func (p *Params) Bytes() []byte { return p.buf[:] }

// LoadSetupHeader copies the kernel image's setup_header (the bytes at
// file offset 0x1f1 through the end of the header, length determined by
// setup_sects) into the zero page at the same offset.
func (p *Params) LoadSetupHeader(header []byte) {
	copy(p.buf[offSetupHeader:], header)
}

// HeaderMagicOK reports whether the loaded header carries the "HdrS"
// signature, confirming this is a real bzImage.
func (p *Params) HeaderMagicOK() bool {
	return binary.LittleEndian.Uint32(p.buf[offHeaderSig:]) == HeaderMagic
}

// SetCmdline records the guest-physical address and length of the
// kernel command line, which the caller has already written into guest
// RAM.
func (p *Params) SetCmdline(addr uint32, length uint32) {
	binary.LittleEndian.PutUint32(p.buf[offCmdLinePtr:], addr)
	if length > 0 {
		binary.LittleEndian.PutUint32(p.buf[offCmdlineSize:], length)
	}
}

// SetInitrd records the guest-physical address and size of an initrd
// already written into guest RAM. Passing size 0 means no initrd.
func (p *Params) SetInitrd(addr, size uint32) {
	binary.LittleEndian.PutUint32(p.buf[offRamdiskImage:], addr)
	binary.LittleEndian.PutUint32(p.buf[offRamdiskSize:], size)
}

// SetE820 writes entries into the zero page's E820 table.
func (p *Params) SetE820(entries []E820Entry) {
	if len(entries) > 128 {
		entries = entries[:128]
	}

	p.buf[offE820Entries] = byte(len(entries))

	for i, e := range entries {
		off := offE820Table + i*20
		binary.LittleEndian.PutUint64(p.buf[off:], e.Addr)
		binary.LittleEndian.PutUint64(p.buf[off+8:], e.Size)
		binary.LittleEndian.PutUint32(p.buf[off+16:], e.Type)
	}
}

// LoadFlags bit for "loaded high" (bzImage, not zImage); every modern
// kernel sets this, but we set it again defensively on the copied
// header since some minimal images omit it.
const loadedHigh = 1 << 0

// EnsureLoadedHigh sets the LOADED_HIGH bit a 64-bit entry requires.
// CAN_USE_HEAP is not set.
func (p *Params) EnsureLoadedHigh() {
	p.buf[offLoadFlags] |= loadedHigh
}
