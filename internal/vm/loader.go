package vm

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/jamlee-t/kvmhost/internal/bootparam"
)

// LoadLinux loads a bzImage kernel (and optional initrd) into guest
// memory following the Linux x86 64-bit boot protocol: the guest is
// entered directly in long mode at the kernel's startup_64 entry point
// (kernel_load_addr + 0x200) with RSI pointing at a populated zero
// page, bypassing the kernel's own real-mode/protected-mode setup code
// entirely.
func (m *Machine) LoadLinux(kernelPath, initrdPath, cmdline string) error {
	kernel, err := os.ReadFile(kernelPath)
	if err != nil {
		return errors.Wrap(err, "vm: read kernel image")
	}

	if len(kernel) < 0x300 {
		return errors.New("vm: kernel image too small to contain a setup_header")
	}

	setupSects := int(kernel[0x1f1])
	if setupSects == 0 {
		setupSects = 4 // boot.rst: 0 means the historical default of 4
	}
	setupSize := (setupSects + 1) * 512

	if len(kernel) < setupSize {
		return errors.New("vm: kernel image truncated before end of setup code")
	}

	headerEnd := 0x1f1 + 0x200 // covers every documented setup_header field across protocol versions
	if headerEnd > setupSize {
		headerEnd = setupSize
	}

	params := bootparam.New()
	params.LoadSetupHeader(kernel[0x1f1:headerEnd])

	if !params.HeaderMagicOK() {
		return errors.New("vm: not a bzImage (missing HdrS signature)")
	}
	params.EnsureLoadedHigh()

	protectedModeCode := kernel[setupSize:]
	if kernelLoadAddr+uint64(len(protectedModeCode)) > uint64(len(m.mem)) {
		return errors.New("vm: guest memory too small for this kernel image")
	}
	copy(m.mem[kernelLoadAddr:], protectedModeCode)

	if err := m.loadCmdline(params, cmdline); err != nil {
		return err
	}

	if initrdPath != "" {
		if err := m.loadInitrd(params, initrdPath); err != nil {
			return err
		}
	}

	params.SetE820(m.e820Map())

	copy(m.mem[bootParamAddr:], params.Bytes())

	return m.SetupLongMode(kernelLoadAddr+0x200, bootParamAddr)
}

func (m *Machine) loadCmdline(params *bootparam.Params, cmdline string) error {
	if cmdlineAddr+uint64(len(cmdline))+1 > uint64(len(m.mem)) {
		return errors.New("vm: guest memory too small for command line")
	}

	n := copy(m.mem[cmdlineAddr:], cmdline)
	m.mem[cmdlineAddr+uint64(n)] = 0 // NUL-terminated

	params.SetCmdline(cmdlineAddr, uint32(n+1))

	return nil
}

func (m *Machine) loadInitrd(params *bootparam.Params, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "vm: open initrd")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "vm: stat initrd")
	}

	// Place the initrd as high as it fits, page-aligned, below the
	// reserved top-of-memory region the MMIO/PCI hole would otherwise
	// occupy on a real machine.
	top := uint64(len(m.mem))
	if top > initrdMaxAddr {
		top = initrdMaxAddr
	}

	size := uint64(info.Size())
	addr := (top - size) &^ 0xfff

	if addr < kernelLoadAddr {
		return errors.New("vm: initrd does not fit in guest memory")
	}

	n, err := io.ReadFull(f, m.mem[addr:addr+size])
	if err != nil {
		return errors.Wrap(err, "vm: read initrd")
	}

	params.SetInitrd(uint32(addr), uint32(n))

	return nil
}

// e820Map returns a minimal map of usable RAM: one E820_RAM entry for
// [0, 1MiB) and one for the rest of guest RAM from 1MiB up, or a single
// entry when guest RAM is no larger than 1MiB. Nothing below 1MiB is
// marked reserved, including the zero page, command line and boot page
// tables placed there.
func (m *Machine) e820Map() []bootparam.E820Entry {
	const oneMiB = 1 << 20

	if uint64(len(m.mem)) <= oneMiB {
		return []bootparam.E820Entry{{Addr: 0, Size: uint64(len(m.mem)), Type: bootparam.E820TypeRAM}}
	}

	return []bootparam.E820Entry{
		{Addr: 0, Size: oneMiB, Type: bootparam.E820TypeRAM},
		{Addr: oneMiB, Size: uint64(len(m.mem)) - oneMiB, Type: bootparam.E820TypeRAM},
	}
}
