package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeIRQ struct {
	raises []uint32
}

func (f *fakeIRQ) Raise(irq uint32) { f.raises = append(f.raises, irq) }

func newTestUART() (*UART, *fakeIRQ) {
	irq := &fakeIRQ{}
	u := New(irq, 4)

	return u, irq
}

func TestLCRDivisorLatchAndLSRReset(t *testing.T) {
	u, _ := newTestUART()

	u.HandleIO([]byte{0x80}, true, OffLCR, 1)
	u.HandleIO([]byte{0x0c}, true, OffRXTX, 1) // DLL
	u.HandleIO([]byte{0x00}, true, OffIER, 1)  // DLM
	u.HandleIO([]byte{0x03}, true, OffLCR, 1)

	out := make([]byte, 1)
	u.HandleIO(out, false, OffLSR, 1)
	assert.Equal(t, LSRTEMT|LSRTHRE, out[0])
}

func TestRDIIRQEdge(t *testing.T) {
	u, irq := newTestUART()

	u.HandleIO([]byte{IERRDI}, true, OffIER, 1)

	u.mu.Lock()
	u.rxBuf.Put('A')
	u.lsr |= LSRDR
	u.updateIRQ()
	u.mu.Unlock()

	iirBuf := make([]byte, 1)
	u.HandleIO(iirBuf, false, OffIIR, 1)
	assert.Equal(t, IIRRDI, iirBuf[0]&0x0f)
	assert.True(t, u.IRQActive())
	assert.NotEmpty(t, irq.raises)

	rxBuf := make([]byte, 1)
	u.HandleIO(rxBuf, false, OffRXTX, 1)
	assert.Equal(t, byte('A'), rxBuf[0])

	assert.False(t, u.IRQActive())
	u.mu.Lock()
	dr := u.lsr & LSRDR
	u.mu.Unlock()
	assert.Zero(t, dr)
}

func TestTHRIEdgeAfterDrain(t *testing.T) {
	u, _ := newTestUART()

	u.HandleIO([]byte{IERTHRI}, true, OffIER, 1)
	u.HandleIO([]byte{'A'}, true, OffRXTX, 1)

	u.mu.Lock()
	lsr := u.lsr
	level := u.txBuf.Level()
	u.mu.Unlock()
	assert.Zero(t, lsr&(LSRTEMT|LSRTHRE))
	assert.EqualValues(t, 1, level)

	// Simulate the worker having drained tx_buf to the host fd.
	u.mu.Lock()
	b, ok := u.txBuf.Get()
	u.lsr |= LSRTEMT | LSRTHRE
	u.thrIPending = true
	u.updateIRQ()
	u.mu.Unlock()
	assert.True(t, ok)
	assert.Equal(t, byte('A'), b)

	iirBuf := make([]byte, 1)
	u.HandleIO(iirBuf, false, OffIIR, 1)
	assert.Equal(t, IIRTHRI, iirBuf[0]&0x0f)

	assert.False(t, u.IRQActive())
}

func TestLoopbackDrainsTxIntoRx(t *testing.T) {
	u, _ := newTestUART()

	u.HandleIO([]byte{MCRLoop}, true, OffMCR, 1)
	u.HandleIO([]byte{'X'}, true, OffRXTX, 1)
	u.HandleIO([]byte{'Y'}, true, OffRXTX, 1)

	out := make([]byte, 1)
	u.HandleIO(out, false, OffRXTX, 1)
	assert.Equal(t, byte('X'), out[0])
	u.HandleIO(out, false, OffRXTX, 1)
	assert.Equal(t, byte('Y'), out[0])

	u.HandleIO([]byte{0}, true, OffMCR, 1) // leave loop, releases loopbackMu
}
