// Command kvmhost boots a Linux kernel under KVM with a 16550 console
// and an optional virtio-blk root disk.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/jamlee-t/kvmhost/internal/vm"
)

type options struct {
	Kernel   string `short:"k" long:"kernel" description:"path to a bzImage kernel" required:"true"`
	Initrd   string `short:"i" long:"initrd" description:"path to an initrd image"`
	Disk     string `short:"d" long:"disk" description:"path to a raw disk image backing virtio-blk"`
	Params   string `short:"p" long:"params" description:"kernel command line" default:"console=ttyS0 root=/dev/vda rw"`
	CPUs     int    `short:"c" long:"cpus" description:"number of vCPUs" default:"1"`
	MemoryMB int    `short:"m" long:"memory" description:"guest memory in MiB" default:"256"`
	Verbose  bool   `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if opts.CPUs != 1 {
		logger.Warn().Int("requested", opts.CPUs).Msg("kvmhost: only single-vCPU guests are supported in this build, clamping to 1")
		opts.CPUs = 1
	}

	if err := run(opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("kvmhost: fatal")
	}
}

func run(opts options, logger zerolog.Logger) error {
	m, err := vm.New(uint64(opts.MemoryMB)<<20, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.LoadLinux(opts.Kernel, opts.Initrd, opts.Params); err != nil {
		return err
	}

	if opts.Disk != "" {
		disk, err := os.OpenFile(opts.Disk, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer disk.Close()

		info, err := disk.Stat()
		if err != nil {
			return err
		}

		if err := m.AttachDisk(disk, uint64(info.Size())/512); err != nil {
			return err
		}
	}

	restore, err := attachConsole(m)
	if err != nil {
		return err
	}
	defer restore()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)

	var runErr error

	go func() {
		defer wg.Done()

		runErr = m.RunLoop()
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		return runErr
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\r\nkvmhost: interrupted")
	}

	return nil
}

// attachConsole wires the guest UART to the host terminal. When stdin
// is a real terminal it is switched to raw mode so the guest sees every
// keystroke unfiltered by line discipline; restore() undoes that on
// exit. When stdin isn't a terminal (piped input, CI), the UART still
// attaches to it, just without raw-mode switching.
func attachConsole(m *vm.Machine) (restore func(), err error) {
	restore = func() {}

	stdinFd := int(os.Stdin.Fd())

	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return restore, err
		}

		restore = func() { _ = term.Restore(stdinFd, oldState) }
	}

	if err := m.AttachConsole(stdinFd, int(os.Stdout.Fd())); err != nil {
		restore()

		return func() {}, err
	}

	return restore, nil
}
