// Package console exposes the log stream on a pseudo-terminal, the way a development
// kit exposes its virtual COM port. Any terminal program can attach to TTYName (or the
// optional symlink) and follow the application output.
//
//	c, err := console.Open(console.Options{BufferSize: 4096, Symlink: "/tmp/blesense"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	logger.AddHook(console.NewHook(c, logrus.InfoLevel))
//
// Writes never block: output is queued in a ring buffer and drained by a background
// loop. When nobody reads the terminal and the buffer is full, new bytes are dropped
// and counted in Stats.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blesense/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultBufferSize is the write queue capacity in bytes.
	DefaultBufferSize = 4096

	// DefaultPollTimeout bounds how long the drain loop waits before checking for Close.
	DefaultPollTimeout = 50 * time.Millisecond
)

// Options configures Open. Zero values use the defaults.
type Options struct {
	BufferSize  int
	Symlink     string // optional stable path linked to the terminal device
	PollTimeout time.Duration

	// Logger receives the console's own diagnostics. It must not be the logger the
	// console is hooked into.
	Logger *logrus.Logger
}

// Stats are runtime counters of a Console.
type Stats struct {
	Queued       int
	Capacity     int
	DroppedBytes uint64
	WrittenBytes uint64
}

// Console is the master side of a PTY pair fed from a ring buffer.
type Console struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	symlink     string
	pollTimeout time.Duration

	buf    *ringbuffer.RingBuffer
	notify chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed  uint32
	dropped uint64
	written uint64
}

// Open creates the terminal pair and starts draining.
func Open(opts Options) (*Console, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	c := &Console{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: opts.PollTimeout,
		buf:         ringbuffer.New(opts.BufferSize),
		notify:      make(chan struct{}, 1),
	}

	if opts.Symlink != "" {
		if err := c.link(opts.Symlink); err != nil {
			_ = master.Close()
			_ = slave.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	groutine.Go(ctx, "console-drain", func(ctx context.Context) {
		defer c.wg.Done()
		c.drain(ctx)
	})

	logger.WithField("tty", c.ttyName).Info("Console opened")
	return c, nil
}

// TTYName returns the path of the terminal device, e.g. /dev/pts/3.
func (c *Console) TTYName() string {
	return c.ttyName
}

// Path returns the symlink when one was requested, TTYName otherwise.
func (c *Console) Path() string {
	if c.symlink != "" {
		return c.symlink
	}
	return c.ttyName
}

// Write queues p for the terminal. It returns the number of bytes queued, which is
// less than len(p) when the buffer is full.
func (c *Console) Write(p []byte) (int, error) {
	if atomic.LoadUint32(&c.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := c.buf.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(p) {
		atomic.AddUint64(&c.dropped, uint64(len(p)-n))
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return n, nil
}

// Stats returns a snapshot of the counters.
func (c *Console) Stats() Stats {
	return Stats{
		Queued:       c.buf.Length(),
		Capacity:     c.buf.Capacity(),
		DroppedBytes: atomic.LoadUint64(&c.dropped),
		WrittenBytes: atomic.LoadUint64(&c.written),
	}
}

// Close stops draining, closes both ends and removes the symlink.
func (c *Console) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	var errs []error
	if err := c.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := c.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	if c.symlink != "" {
		if err := os.Remove(c.symlink); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove symlink: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Console) drain(ctx context.Context) {
	fd := int32(c.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	timeout := int(c.pollTimeout / time.Millisecond)
	chunk := make([]byte, 4096)

	for {
		if c.buf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
			case <-time.After(c.pollTimeout):
				continue
			}
		}

		n, err := c.buf.TryRead(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			c.logger.WithError(err).Warn("Console buffer read failed")
			continue
		}

		for off := 0; off < n; {
			if ctx.Err() != nil {
				return
			}
			w, err := c.master.Write(chunk[off:n])
			if w > 0 {
				off += w
				atomic.AddUint64(&c.written, uint64(w))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				// nobody is reading, wait for the line discipline to drain
				if _, err := unix.Poll(pollFd, timeout); err != nil && !errors.Is(err, syscall.EINTR) {
					c.logger.WithError(err).Debug("Console poll failed")
				}
			default:
				c.logger.WithError(err).Warn("Console write failed, draining stopped")
				return
			}
		}
	}
}

func (c *Console) link(path string) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("console symlink %s: file exists and is not a symlink", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("console symlink %s: %w", path, err)
		}
	}
	if err := os.Symlink(c.ttyName, path); err != nil {
		return fmt.Errorf("console symlink %s: %w", path, err)
	}
	c.symlink = path
	return nil
}

// openRaw opens a PTY pair with the slave in raw mode and a non-blocking master.
func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to %s on %s: %w", step, slave.Name(), err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}
