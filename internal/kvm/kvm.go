// Package kvm wraps the Linux KVM ioctl surface used to host a single
// x86_64 guest: opening /dev/kvm, creating a VM and one vCPU, mapping
// guest memory, running the vCPU, and wiring interrupts.
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl request numbers, as defined by linux/kvm.h. These are fixed ABI
// values, not computed from _IOW/_IOR/_IOWR macros, since Go has no
// preprocessor; each comment below names the macro it corresponds to.
const (
	kvmGetAPIVersion       = 44544      // KVM_GET_API_VERSION
	kvmCreateVM            = 44545      // KVM_CREATE_VM
	kvmCreateVCPU          = 44609      // KVM_CREATE_VCPU
	kvmRun                 = 44672      // KVM_RUN
	kvmGetVCPUMMapSize     = 44548      // KVM_GET_VCPU_MMAP_SIZE
	kvmGetSregs            = 0x8138ae83 // KVM_GET_SREGS
	kvmSetSregs            = 0x4138ae84 // KVM_SET_SREGS
	kvmGetRegs             = 0x8090ae81 // KVM_GET_REGS
	kvmSetRegs             = 0x4090ae82 // KVM_SET_REGS
	kvmSetUserMemoryRegion = 1075883590 // KVM_SET_USER_MEMORY_REGION
	kvmSetTSSAddr          = 0xae47     // KVM_SET_TSS_ADDR
	kvmSetIdentityMapAddr  = 0x4008AE48 // KVM_SET_IDENTITY_MAP_ADDR
	kvmCreateIRQChip       = 0xAE60     // KVM_CREATE_IRQCHIP
	kvmCreatePIT2          = 0x4040AE77 // KVM_CREATE_PIT2
	kvmGetSupportedCPUID   = 0xC008AE05 // KVM_GET_SUPPORTED_CPUID
	kvmSetCPUID2           = 0x4008AE90 // KVM_SET_CPUID2
	kvmIRQLine             = 0xc008ae67 // KVM_IRQ_LINE_STATUS
	kvmIRQFD               = 0x4020ae76 // KVM_IRQFD
	kvmIOEventFD           = 0x4040ae79 // KVM_IOEVENTFD

	// ExitReason values from struct kvm_run.
	EXITUNKNOWN       = 0
	EXITEXCEPTION     = 1
	EXITIO            = 2
	EXITHYPERCALL     = 3
	EXITDEBUG         = 4
	EXITHLT           = 5
	EXITMMIO          = 6
	EXITIRQWINDOWOPEN = 7
	EXITSHUTDOWN      = 8
	EXITFAILENTRY     = 9
	EXITINTR          = 10
	EXITSETTPR        = 11
	EXITTPRACCESS     = 12
	EXITS390SIEIC     = 13
	EXITS390RESET     = 14
	EXITDCR           = 15
	EXITNMI           = 16
	EXITINTERNALERROR = 17

	EXITIOIN  = 0
	EXITIOOUT = 1

	numInterrupts = 0x100
)

// ErrUnexpectedExitReason is returned by callers that encounter an exit
// reason this package's callers don't expect to handle.
var ErrUnexpectedExitReason = errors.New("kvm: unexpected exit reason")

// Regs mirrors struct kvm_regs: general-purpose registers.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Sregs mirrors struct kvm_sregs: segment and control registers.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// RunData mirrors the fixed-size prefix of struct kvm_run, the
// mmap-shared page the vCPU thread and the kernel use to communicate
// exit reasons.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the union fields valid when ExitReason == EXITIO:
// direction, operand size, port, REP count, and the byte offset of the
// transfer data within this RunData page.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	count = (r.Data[0] >> 32) & 0xffffffff
	dataOffset = r.Data[1]

	return
}

// MMIO decodes the union fields valid when ExitReason == EXITMMIO:
// { u64 phys_addr; u8 data[8]; u32 len; u8 is_write; } packed over
// Data[0..2].
func (r *RunData) MMIO() (physAddr uint64, data []byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	dataBytes := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	length = uint32(r.Data[2] & 0xffffffff)
	isWrite = (r.Data[2]>>32)&0xff != 0
	data = dataBytes[:length:length]

	return
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// GetAPIVersion returns the KVM API version; a working host reports 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU vcpuID within the VM and returns its fd. This
// implementation only ever creates vcpuID 0 (single-vCPU guests only).
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(vcpuID))
}

// Run issues KVM_RUN. EINTR and EAGAIN are not reported as errors: the
// caller should re-inspect the run structure's ExitReason and loop.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, uintptr(kvmRun), 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}

	return err
}

// GetVCPUMMmapSize returns the size to mmap from the vCPU fd to obtain
// its RunData page.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), 0)
}

// GetSregs / SetSregs access segment and control registers.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&sregs)))

	return err
}

// GetRegs / SetRegs access general-purpose registers.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&regs)))

	return err
}

// SetUserMemoryRegion installs or updates a guest memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves a 3-page region for the task-state segment;
// required on Intel hosts.
func SetTSSAddr(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, 0xffffd000)

	return err
}

// SetIdentityMapAddr reserves a page for the EPT identity map; required
// on Intel hosts.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = 0xffffc000
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine asserts then deasserts gsi, the edge-triggered pulse KVM's
// in-kernel irqchip requires to deliver one interrupt.
func IRQLine(vmFd uintptr, irq uint32) error {
	for _, level := range [2]uint32{1, 0} {
		l := IRQLevel{IRQ: irq, Level: level}
		if _, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l))); err != nil {
			return err
		}
	}

	return nil
}

// CreateIRQChip creates the in-kernel PIC/IOAPIC model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 PIT model. Valid only after
// CreateIRQChip.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{}
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// CPUID mirrors struct kvm_cpuid2 with a fixed entry capacity.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fills cpuid with the set of CPUID leaves this host
// and KVM version can expose to a guest.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 programs the vCPU's visible CPUID leaves.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// IRQFD mirrors struct kvm_irqfd.
type IRQFD struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     [20]byte
}

// RegisterIRQFD arms fd so that any write to it raises gsi, without a
// vCPU-thread round trip through IRQLine.
func RegisterIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	irqfd := IRQFD{FD: uint32(fd), GSI: gsi}
	_, err := ioctl(vmFd, kvmIRQFD, uintptr(unsafe.Pointer(&irqfd)))

	return err
}

// IOEventFD mirrors struct kvm_ioeventfd.
type IOEventFD struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]byte
}

// RegisterIOEventFD arms fd so that a guest PIO/MMIO write to [addr,
// addr+len) signals fd directly in-kernel, bypassing the vCPU thread's
// exit dispatch for that specific doorbell (used for virtio queue
// notify registers).
func RegisterIOEventFD(vmFd uintptr, fd int, addr uint64, length uint32) error {
	ioeventfd := IOEventFD{Addr: addr, Len: length, FD: int32(fd)}
	_, err := ioctl(vmFd, kvmIOEventFD, uintptr(unsafe.Pointer(&ioeventfd)))

	return err
}
