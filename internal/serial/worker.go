package serial

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// worker is the UART's single background goroutine: it multiplexes the
// wake eventfd against the host's stdin/stdout file descriptors with
// epoll and pumps bytes between the UART's FIFOs and those fds.
type worker struct {
	u       *UART
	wg      sync.WaitGroup
	stopped atomic.Bool

	infd, outfd, evfd, epollfd int
}

func newWorker(u *UART, infd, outfd int) (*worker, error) {
	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	epollfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(evfd)
		return nil, err
	}

	if err := unix.SetNonblock(infd, true); err != nil {
		unix.Close(evfd)
		unix.Close(epollfd)
		return nil, err
	}

	if err := unix.SetNonblock(outfd, true); err != nil {
		unix.Close(evfd)
		unix.Close(epollfd)
		return nil, err
	}

	w := &worker{u: u, infd: infd, outfd: outfd, evfd: evfd, epollfd: epollfd}

	toAdd := []struct {
		fd     int
		events uint32
	}{
		{evfd, unix.EPOLLIN},
		{infd, unix.EPOLLIN | unix.EPOLLET},
		{outfd, unix.EPOLLOUT | unix.EPOLLET},
	}

	for _, r := range toAdd {
		ev := unix.EpollEvent{Events: r.events, Fd: int32(r.fd)}
		if err := unix.EpollCtl(epollfd, unix.EPOLL_CTL_ADD, r.fd, &ev); err != nil {
			unix.Close(evfd)
			unix.Close(epollfd)

			return nil, err
		}
	}

	return w, nil
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) wake() {
	buf := make([]byte, 8)
	buf[0] = 1
	_, _ = unix.Write(w.evfd, buf)
}

// stop sets the stop flag, releases loopbackMu if the vCPU thread left
// it held (UART shutdown mid-LOOP), wakes the worker once, and joins it.
func (w *worker) stop() {
	w.stopped.Store(true)

	u := w.u
	u.mu.Lock()
	loopEngaged := u.mcr&MCRLoop != 0
	u.mu.Unlock()

	if loopEngaged {
		u.loopbackMu.Unlock()
	}

	w.wake()
	w.wg.Wait()

	unix.Close(w.infd)
	unix.Close(w.outfd)
	unix.Close(w.evfd)
	unix.Close(w.epollfd)
}

func (w *worker) run() {
	defer w.wg.Done()

	events := make([]unix.EpollEvent, 8)

	for !w.stopped.Load() {
		n, err := unix.EpollWait(w.epollfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return
		}

		for i := 0; i < n; i++ {
			if events[i].Fd == int32(w.evfd) {
				w.drainEventfd()
			}
		}

		if w.stopped.Load() {
			return
		}

		w.pump()
	}
}

func (w *worker) drainEventfd() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(w.evfd, buf)
		if err != nil {
			return
		}
	}
}

// pump drains txBuf to outfd and fills rxBuf from infd, honoring
// loopback quiescence: while the vCPU thread holds loopbackMu (MCR.LOOP
// set), the worker blocks here rather than touching either fd.
func (w *worker) pump() {
	w.u.loopbackMu.Lock()
	defer w.u.loopbackMu.Unlock()

	w.drainTx()
	w.fillRx()
}

func (w *worker) drainTx() {
	u := w.u

	u.mu.Lock()
	regions := u.txBuf.WriteRegions()
	u.mu.Unlock()

	if regions == nil {
		return
	}

	var total uint32
	for _, r := range regions {
		n, err := unix.Write(w.outfd, r)
		if n > 0 {
			total += uint32(n)
		}
		if n < len(r) || err != nil {
			break
		}
	}

	if total == 0 {
		return
	}

	u.mu.Lock()
	u.txBuf.Advance(total)
	if u.txBuf.Empty() {
		u.lsr |= LSRTEMT | LSRTHRE
		u.thrIPending = true
		u.updateIRQ()
	}
	u.mu.Unlock()
}

func (w *worker) fillRx() {
	u := w.u

	u.mu.Lock()
	if u.rxBuf.Full() {
		u.mu.Unlock()
		return
	}

	regions := u.rxBuf.ReadRegions()
	hadDR := u.lsr&LSRDR != 0
	u.mu.Unlock()

	if regions == nil {
		return
	}

	var total uint32
	for _, r := range regions {
		n, err := unix.Read(w.infd, r)
		if n > 0 {
			total += uint32(n)
		}
		if n < len(r) || err != nil {
			break
		}
	}

	if total == 0 {
		return
	}

	u.mu.Lock()
	u.rxBuf.Commit(total)
	if !hadDR && !u.rxBuf.Empty() {
		u.lsr |= LSRDR
		u.updateIRQ()
	}
	u.mu.Unlock()
}
