// Package serial emulates a 16550-compatible UART: the full register
// file, tx/rx FIFOs, and a worker goroutine that pumps bytes between the
// FIFOs and host stdin/stdout via epoll and eventfd notifications.
package serial

import (
	"sync"

	"github.com/jamlee-t/kvmhost/internal/bus"
	"github.com/jamlee-t/kvmhost/internal/fifo"
)

// Register offsets relative to COM1_PORT_BASE.
const (
	OffRXTX = 0 // RX on read, TX on write; DLL when DLAB=1
	OffIER  = 1 // DLM when DLAB=1
	OffIIR  = 2 // read; FCR on write
	OffLCR  = 3
	OffMCR  = 4
	OffLSR  = 5
	OffMSR  = 6
	OffSCR  = 7
)

// COM1_PORT_BASE / COM1_PORT_SIZE, the platform-defined wire constants.
const (
	PortBase = 0x3f8
	PortSize = 8
)

const fifoCapacity = 64 // power of two, generous vs. the 16-byte real 16550 FIFO

// LSR bits.
const (
	LSRDR   byte = 1 << 0 // data ready
	LSROE   byte = 1 << 1
	LSRPE   byte = 1 << 2
	LSRFE   byte = 1 << 3
	LSRBI   byte = 1 << 4
	LSRTHRE byte = 1 << 5 // transmit holding register empty
	LSRTEMT byte = 1 << 6 // transmitter empty
	LSRFIFOErr byte = 1 << 7

	lsrErrorBits = LSROE | LSRPE | LSRFE | LSRBI | LSRFIFOErr
)

// IER bits.
const (
	IERRDI  byte = 1 << 0
	IERTHRI byte = 1 << 1
	IERRLSI byte = 1 << 2
	IERMSI  byte = 1 << 3

	ierWritableMask = IERRDI | IERTHRI | IERRLSI | IERMSI
)

// IIR cause codes and indicator bits.
const (
	IIRNoInt       byte = 0x01
	IIRTHRI        byte = 0x02
	IIRRDI         byte = 0x04
	IIRFIFOEnabled byte = 0xc0
	IIR64ByteFIFO  byte = 0x20
)

// FCR bits. Only bits {7,6,5,3,2,1,0} are writable; bit 4 is
// reserved/unused on a 16550A and is not stored.
const (
	FCREnable    byte = 1 << 0
	FCRClearRcvr byte = 1 << 1
	FCRClearXmit byte = 1 << 2
	FCRDMASelect byte = 1 << 3
	FCR64Byte    byte = 1 << 5

	fcrWritableMask = FCREnable | FCRClearRcvr | FCRClearXmit | FCRDMASelect | FCR64Byte | (1 << 6) | (1 << 7)
)

// MCR bits; bits [5:0] are writable.
const (
	MCRDTR  byte = 1 << 0
	MCRRTS  byte = 1 << 1
	MCROUT1 byte = 1 << 2
	MCROUT2 byte = 1 << 3
	MCRLoop byte = 1 << 4

	mcrWritableMask = 0x3f
)

// LCRDLAB is the Divisor Latch Access Bit.
const LCRDLAB byte = 1 << 7

// IRQLine is the interrupt controller hook a UART drives. Raise performs
// whatever host-virtualization-specific edge pulse is needed to deliver
// one interrupt on the given line.
type IRQLine interface {
	Raise(irq uint32)
}

// UART is a 16550-compatible serial port.
type UART struct {
	mu         sync.Mutex // protects the register file and irq evaluation
	loopbackMu sync.Mutex // held while MCR.LOOP=1; ownership transfers across calls, see Device Design Notes

	dll, dlm, ier, iir, fcr, lcr, mcr, lsr, msr, scr byte
	thrIPending                                      bool

	txBuf *fifo.FIFO // guest -> host stdout
	rxBuf *fifo.FIFO // host stdin -> guest

	irq     IRQLine
	irqNum  uint32
	inLoop  bool // tracks which goroutine currently owns loopbackMu

	worker *worker
}

// New constructs a UART with the given IRQ line sink and IRQ number. It
// does not start the worker goroutine or register any Device; call
// Attach for that.
func New(irq IRQLine, irqNum uint32) *UART {
	u := &UART{
		lsr:    LSRTHRE | LSRTEMT,
		msr:    0x30, // CTS | DSR, matches a connected null-modem peer
		txBuf:  fifo.New(fifoCapacity),
		rxBuf:  fifo.New(fifoCapacity),
		irq:    irq,
		irqNum: irqNum,
	}

	return u
}

// Attach registers the UART on ioBus at PortBase and starts its worker
// goroutine servicing infd/outfd. Attach may only be called once.
func (u *UART) Attach(ioBus *bus.Bus, infd, outfd int) error {
	w, err := newWorker(u, infd, outfd)
	if err != nil {
		return err
	}

	u.worker = w
	w.start()

	return ioBus.Register(bus.NewDevice(PortBase, PortSize, u))
}

// Close stops the worker goroutine and releases its file descriptors.
// Safe to call more than once.
func (u *UART) Close() {
	if u.worker != nil {
		u.worker.stop()
		u.worker = nil
	}
}

// updateIRQ recomputes IIR from the current register file and drives the
// IRQ line. Must be called with mu held.
func (u *UART) updateIRQ() {
	iir := IIRNoInt

	switch {
	case u.ier&IERRDI != 0 && u.lsr&LSRDR != 0:
		iir = IIRRDI
	case u.ier&IERTHRI != 0 && u.lsr&LSRTHRE != 0 && u.thrIPending:
		iir = IIRTHRI
	}

	u.iir = iir
	if u.fcr&FCREnable != 0 {
		u.iir |= IIRFIFOEnabled
		if u.lcr&LCRDLAB != 0 && u.fcr&FCR64Byte != 0 {
			u.iir |= IIR64ByteFIFO
		}
	}

	if iir != IIRNoInt && u.irq != nil {
		u.irq.Raise(u.irqNum)
	}
}

// HandleIO implements bus.IOHandler.
func (u *UART) HandleIO(data []byte, isWrite bool, offset uint64, size int) {
	if isWrite {
		u.writeReg(offset, data[0])
	} else {
		data[0] = u.readReg(offset)
		for i := 1; i < size; i++ {
			data[i] = 0
		}
	}
}

func (u *UART) readReg(offset uint64) byte {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case OffRXTX:
		if u.lcr&LCRDLAB != 0 {
			return u.dll
		}

		b, ok := u.rxBuf.Get()
		if !ok {
			return 0
		}

		wasFull := u.rxBuf.Level() == u.rxBuf.Cap()-1

		if u.rxBuf.Empty() {
			u.lsr &^= LSRDR
			u.updateIRQ()
		}

		if wasFull && u.worker != nil {
			u.worker.wake()
		}

		return b
	case OffIER:
		if u.lcr&LCRDLAB != 0 {
			return u.dlm
		}

		return u.ier
	case OffIIR:
		iir := u.iir
		if iir&0x0f == IIRTHRI {
			u.thrIPending = false
			u.updateIRQ()
		}

		return iir
	case OffLCR:
		return u.lcr
	case OffMCR:
		return u.mcr
	case OffLSR:
		v := u.lsr
		u.lsr &^= lsrErrorBits
		u.updateIRQ()

		return v
	case OffMSR:
		return u.msr
	case OffSCR:
		return u.scr
	}

	return 0
}

func (u *UART) writeReg(offset uint64, v byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case OffRXTX:
		if u.lcr&LCRDLAB != 0 {
			u.dll = v
			return
		}

		wasEmpty := u.txBuf.Empty()
		u.txBuf.Put(v) // silently dropped when full, per spec

		if u.mcr&MCRLoop != 0 {
			u.drainLoopback()
			return
		}

		if wasEmpty && !u.txBuf.Empty() {
			u.lsr &^= LSRTEMT | LSRTHRE
			u.updateIRQ()

			if u.worker != nil {
				u.worker.wake()
			}
		}
	case OffIER:
		if u.lcr&LCRDLAB != 0 {
			u.dlm = v
			return
		}

		u.ier = v & ierWritableMask
		u.updateIRQ()
	case OffIIR: // FCR
		u.fcr = v & fcrWritableMask

		if u.fcr&FCRClearRcvr != 0 {
			u.rxBuf.Clear()
			u.lsr &^= LSRDR
		}

		if u.fcr&FCRClearXmit != 0 {
			u.txBuf.Clear()
			u.lsr |= LSRTEMT | LSRTHRE
			u.thrIPending = true
		}

		u.updateIRQ()
	case OffLCR:
		u.lcr = v
		u.updateIRQ()
	case OffMCR:
		newMCR := v & mcrWritableMask
		enteringLoop := newMCR&MCRLoop != 0 && u.mcr&MCRLoop == 0
		leavingLoop := newMCR&MCRLoop == 0 && u.mcr&MCRLoop != 0
		u.mcr = newMCR

		switch {
		case enteringLoop:
			u.loopbackMu.Lock()
			u.inLoop = true
			u.drainLoopback()
		case leavingLoop:
			u.drainLoopback()
			u.inLoop = false
			u.loopbackMu.Unlock()
		}
	case OffLSR, OffMSR:
		// ignored per spec
	case OffSCR:
		u.scr = v
	}
}

// drainLoopback moves bytes from txBuf to rxBuf while MCR.LOOP is set.
// Must be called with mu held.
func (u *UART) drainLoopback() {
	for {
		b, ok := u.txBuf.Get()
		if !ok {
			break
		}

		if !u.rxBuf.Put(b) {
			break
		}
	}

	if u.txBuf.Empty() {
		u.lsr |= LSRTEMT | LSRTHRE
	}

	if !u.rxBuf.Empty() {
		u.lsr |= LSRDR
	}

	u.updateIRQ()
}

// IRQActive reports whether the UART currently wants its interrupt
// line asserted; exposed for tests.
func (u *UART) IRQActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.iir&0x0f != IIRNoInt
}
