// Package vm assembles a single-vCPU x86_64 guest out of the kvm, bus,
// pci, serial, and virtioblk packages: it owns the guest address space,
// the PIO/MMIO buses, the attached devices, and the vCPU run loop's
// exit dispatcher.
package vm

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/jamlee-t/kvmhost/internal/bus"
	"github.com/jamlee-t/kvmhost/internal/kvm"
	"github.com/jamlee-t/kvmhost/internal/pci"
	"github.com/jamlee-t/kvmhost/internal/serial"
	"github.com/jamlee-t/kvmhost/internal/virtioblk"
)

// IRQBase is the first guest IRQ number this host hands out; IRQs below
// it are reserved the way the legacy PIC's first few lines are on real
// hardware (timer, keyboard, cascade).
const IRQBase = 5

const (
	// Guest-physical layout.
	bootParamAddr  = 0x10000
	cmdlineAddr    = 0x20000
	kernelLoadAddr = 0x100000
	initrdMaxAddr  = 0xf0000000 // kept below PCI hole unless memory is huge
)

// Machine owns one KVM VM with one vCPU and every device attached to
// it. New locks the calling goroutine to its OS thread and leaves it
// locked. RunOnce and RunLoop issue KVM_RUN from whichever goroutine
// calls them and do not lock that goroutine to a thread.
type Machine struct {
	log zerolog.Logger

	kvmFile *os.File // kept alive so its finalizer never closes kvmFd out from under us

	kvmFd  uintptr
	vmFd   uintptr
	vcpuFd uintptr

	mem []byte

	ioBus   *bus.Bus
	mmioBus *bus.Bus

	bridge *pci.Bridge
	uart   *serial.UART
	blk    *virtioblk.Blk

	nextIRQ uint32

	runPage []byte // raw mmap'd kvm_run page; runData aliases its start
	runData *kvm.RunData
}

// memAdapter exposes Machine's guest RAM slice through virtioblk.Memory
// without virtioblk importing vm (which would cycle back).
type memAdapter struct{ m []byte }

func (a memAdapter) At(addr uint64, length int) []byte {
	if addr+uint64(length) > uint64(len(a.m)) {
		return make([]byte, length) // guest-programmed garbage address; don't fault the host
	}

	return a.m[addr : addr+uint64(length)]
}

// irqAdapter adapts Machine.raiseIRQ to serial.IRQLine / virtioblk.IRQLine.
type irqAdapter struct{ m *Machine }

func (a irqAdapter) Raise(irq uint32) { a.m.raiseIRQ(irq) }

// New opens /dev/kvm, creates a VM and one vCPU, maps memSize bytes of
// guest RAM, and wires up the in-kernel irqchip, PIT, PCI bridge, and a
// 16550 UART on COM1. Disk and console fds are attached separately via
// AttachDisk and AttachConsole once the machine exists.
func New(memSize uint64, log zerolog.Logger) (*Machine, error) {
	runtime.LockOSThread()

	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vm: open /dev/kvm")
	}
	kvmFd := kvmFile.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, errors.Wrap(err, "vm: KVM_CREATE_VM")
	}

	if err := kvm.SetTSSAddr(vmFd); err != nil {
		return nil, errors.Wrap(err, "vm: KVM_SET_TSS_ADDR")
	}
	if err := kvm.SetIdentityMapAddr(vmFd); err != nil {
		return nil, errors.Wrap(err, "vm: KVM_SET_IDENTITY_MAP_ADDR")
	}
	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, errors.Wrap(err, "vm: KVM_CREATE_IRQCHIP")
	}
	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, errors.Wrap(err, "vm: KVM_CREATE_PIT2")
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "vm: mmap guest ram")
	}

	region := kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(mem))),
	}
	if err := kvm.SetUserMemoryRegion(vmFd, &region); err != nil {
		return nil, errors.Wrap(err, "vm: KVM_SET_USER_MEMORY_REGION")
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vm: KVM_CREATE_VCPU")
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return nil, errors.Wrap(err, "vm: KVM_GET_VCPU_MMAP_SIZE")
	}

	runPage, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "vm: mmap vcpu run page")
	}

	m := &Machine{
		log:     log,
		kvmFile: kvmFile,
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		vcpuFd:  vcpuFd,
		mem:     mem,
		ioBus:   bus.New(),
		mmioBus: bus.New(),
		nextIRQ: IRQBase,
		runPage: runPage,
		runData: (*kvm.RunData)(unsafe.Pointer(&runPage[0])),
	}

	if err := m.setCPUID(); err != nil {
		return nil, err
	}

	m.bridge = pci.NewBridge(m.ioBus)

	m.uart = serial.New(irqAdapter{m}, m.allocIRQ())

	return m, nil
}

// AttachConsole wires the UART's host side to infd/outfd (typically
// stdin/stdout in raw mode) and registers it on the I/O bus.
func (m *Machine) AttachConsole(infd, outfd int) error {
	return m.uart.Attach(m.ioBus, infd, outfd)
}

// AttachDisk installs a virtio-blk device backed by disk, sized
// capacitySectors.
func (m *Machine) AttachDisk(disk virtioblk.Disk, capacitySectors uint64) error {
	m.blk = virtioblk.New(memAdapter{m.mem}, disk, irqAdapter{m}, m.allocIRQ(), capacitySectors, m.log)

	return m.blk.Attach(m.bridge, m.ioBus)
}

// Close tears down attached devices, unmaps guest memory and closes
// /dev/kvm. Stopping the UART closes the console fds passed to
// AttachConsole; the disk passed to AttachDisk remains the caller's to
// close. The VM and vCPU fds and the run page are not released.
func (m *Machine) Close() {
	if m.blk != nil {
		m.blk.Close()
	}
	if m.uart != nil {
		m.uart.Close()
	}
	_ = unix.Munmap(m.mem)
	_ = m.kvmFile.Close()
}

func (m *Machine) allocIRQ() uint32 {
	irq := m.nextIRQ
	m.nextIRQ++

	return irq
}

func (m *Machine) raiseIRQ(irq uint32) {
	if err := kvm.IRQLine(m.vmFd, irq); err != nil {
		m.log.Warn().Err(err).Uint32("irq", irq).Msg("vm: failed to raise irq")
	}
}

// GuestMemory returns the mmap'd guest RAM slice, for bootparam/kernel
// loading code to write into directly.
func (m *Machine) GuestMemory() []byte { return m.mem }

// Bridge exposes the PCI host bridge, e.g. so loader code can enumerate
// attached devices for diagnostics.
func (m *Machine) Bridge() *pci.Bridge { return m.bridge }

// SetupLongMode programs Sregs/Regs for 64-bit flat-mode entry at rip
// with the Linux boot protocol's %rsi=zero-page convention.
func (m *Machine) SetupLongMode(rip, bootParamsAddr uint64) error {
	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return errors.Wrap(err, "vm: KVM_GET_SREGS")
	}

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	// Minimal identity-mapped PML4 at a fixed scratch address, covering
	// the low 1GiB with a single 2MiB-page PDPT entry chain. This is
	// bring-up scaffolding, not a general page table implementation.
	const (
		pml4Addr = 0x9000
		pdptAddr = 0xa000
		pdAddr   = 0xb000
	)

	if uint64(len(m.mem)) > pdAddr+0x1000 {
		setQword(m.mem, pml4Addr, pdptAddr|0x3)
		setQword(m.mem, pdptAddr, pdAddr|0x3)
		for i := 0; i < 512; i++ {
			setQword(m.mem, pdAddr+uint64(i)*8, uint64(i)*0x200000|0x83)
		}
	}

	sregs.CR3 = pml4Addr
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0PG
	sregs.EFER = eferLME | eferLMA

	flat := kvm.Segment{Base: 0, Limit: 0xffffffff, Selector: 1 << 3, Present: 1, S: 1, DB: 0, L: 1, G: 1, Typ: 0xb}
	data := flat
	data.Typ = 0x3
	data.Selector = 2 << 3

	sregs.CS = flat
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	if err := kvm.SetSregs(m.vcpuFd, sregs); err != nil {
		return errors.Wrap(err, "vm: KVM_SET_SREGS")
	}

	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return errors.Wrap(err, "vm: KVM_GET_REGS")
	}

	regs.RFLAGS = 0x2
	regs.RIP = rip
	regs.RSI = bootParamsAddr

	return errors.Wrap(kvm.SetRegs(m.vcpuFd, regs), "vm: KVM_SET_REGS")
}

func setQword(mem []byte, addr, v uint64) {
	for i := 0; i < 8; i++ {
		mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

func (m *Machine) setCPUID() error {
	cpuid := &kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(m.kvmFd, cpuid); err != nil {
		return errors.Wrap(err, "vm: KVM_GET_SUPPORTED_CPUID")
	}

	return errors.Wrap(kvm.SetCPUID2(m.vcpuFd, cpuid), "vm: KVM_SET_CPUID2")
}

// ExitStatus is the terminal outcome of RunOnce / RunLoop.
type ExitStatus int

const (
	ExitRunning ExitStatus = iota
	ExitShutdown
	ExitFailed
)

// ErrUnhandledExit wraps an exit reason this dispatcher does not know
// how to service.
type ErrUnhandledExit struct{ Reason uint32 }

func (e ErrUnhandledExit) Error() string {
	return fmt.Sprintf("vm: unhandled vmexit reason %d", e.Reason)
}

// RunOnce issues KVM_RUN once and dispatches the resulting exit. It
// returns ExitRunning for exits that were fully serviced in userspace
// (the caller should call RunOnce again), ExitShutdown on a clean guest
// shutdown/triple-fault, and a non-nil error (with ExitFailed) for
// anything else.
func (m *Machine) RunOnce() (ExitStatus, error) {
	if err := kvm.Run(m.vcpuFd); err != nil {
		return ExitFailed, errors.Wrap(err, "vm: KVM_RUN")
	}

	return m.dispatchExit()
}

// dispatchExit switches on the current ExitReason in the shared run
// page. Split out from RunOnce so the dispatch logic is testable
// against a synthetic run page without a real vCPU fd.
func (m *Machine) dispatchExit() (ExitStatus, error) {
	switch m.runData.ExitReason {
	case kvm.EXITIO:
		m.dispatchPIO()
		return ExitRunning, nil

	case kvm.EXITMMIO:
		m.dispatchMMIO()
		return ExitRunning, nil

	case kvm.EXITINTR:
		return ExitRunning, nil // interrupted by a host signal; just resume

	case kvm.EXITSHUTDOWN:
		return ExitShutdown, nil

	default:
		m.log.Warn().Str("regs", m.dumpState()).Msg("vm: unhandled vmexit")
		return ExitFailed, ErrUnhandledExit{Reason: m.runData.ExitReason}
	}
}

// RunLoop calls RunOnce until the guest shuts down or an error occurs.
func (m *Machine) RunLoop() error {
	for {
		status, err := m.RunOnce()
		if err != nil {
			return err
		}
		if status == ExitShutdown {
			return nil
		}
	}
}

// dispatchPIO services an EXITIO vmexit: a REP-prefixed string I/O
// instruction issues count consecutive transfers of size bytes each,
// starting at port and at dataOffset within the shared run page, with
// both advancing by size on every iteration.
func (m *Machine) dispatchPIO() {
	direction, size, port, count, dataOffset := m.runData.IO()

	base := m.runPage[dataOffset:]

	for i := uint64(0); i < count; i++ {
		chunk := base[i*size : i*size+size]
		m.ioBus.HandleIO(chunk, direction == kvm.EXITIOOUT, port+i*size, int(size))
	}
}

// dispatchMMIO services a single EXITMMIO vmexit: unlike PIO, KVM never
// reports a MMIO access as a REP'd batch.
func (m *Machine) dispatchMMIO() {
	physAddr, data, _, isWrite := m.runData.MMIO()
	m.mmioBus.HandleIO(data, isWrite, physAddr, len(data))
}
