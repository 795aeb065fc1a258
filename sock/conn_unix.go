//go:build linux
// +build linux

package sock

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-sock/log"
)

// DefaultReadCapacity is the read buffer capacity a new connection starts with.
const DefaultReadCapacity = 4096

// ReadCallback is invoked on the connection's queue each time the descriptor
// becomes readable. available is a best-effort estimate of the bytes waiting;
// call Read once per invocation to drain them.
type ReadCallback func(c *Conn, available int)

// ConnectCallback is invoked synchronously once a Connect succeeds.
type ConnectCallback func(c *Conn)

// Conn is a full-duplex stream connection over a raw socket fd. The receive
// and send directions retire independently: Close shuts the receive side down
// immediately and releases the descriptor only once pending asynchronous
// writes have drained.
//
// All lifecycle fields are guarded by mu, so Close, AsyncWrite and the read
// callback may be invoked from independent goroutines.
type Conn struct {
	mu sync.Mutex

	desc   descriptor
	remote unix.Sockaddr
	queue  Queue

	buf      []byte
	capacity int

	pendingSends   int
	closeRequested bool
	readShutdown   bool

	readCb ReadCallback
	source *ReadSource
}

// NewConn wraps an existing socket fd. queue may be nil; the process-wide
// default is assigned on first use.
func NewConn(fd int, queue Queue) *Conn {
	return &Conn{
		desc:     descriptor{fd: fd},
		queue:    queue,
		buf:      make([]byte, DefaultReadCapacity+2),
		capacity: DefaultReadCapacity,
	}
}

// NewAcceptedConn wraps an fd produced by an accept, whose peer is already
// known. The connection is considered connected from the start.
func NewAcceptedConn(fd int, remote unix.Sockaddr, queue Queue) *Conn {
	c := NewConn(fd, queue)
	c.remote = remote
	return c
}

// Fd returns the underlying descriptor, or -1 once the connection is closed.
func (c *Conn) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc.fd
}

// IsConnected reports whether the connection has a peer. The remote address
// is never cleared while the connection is open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

// RemoteAddr returns the peer sockaddr, nil when not connected.
func (c *Conn) RemoteAddr() unix.Sockaddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// RemoteAddrString renders the peer as host:port, empty when not connected.
func (c *Conn) RemoteAddrString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ""
	}
	return SockaddrToString(c.remote)
}

// SetReadCapacity resizes the owned read buffer. Resizing discards any
// previously buffered contents.
func (c *Conn) SetReadCapacity(n int) {
	if n <= 0 {
		n = DefaultReadCapacity
	}
	c.mu.Lock()
	c.capacity = n
	c.buf = make([]byte, n+2)
	c.mu.Unlock()
}

// Connect issues one blocking connect against sa. Each connection binds to
// at most one peer; a second connect fails with ErrAlreadyConnected. On
// success the peer address is stored and onConnect runs synchronously before
// Connect returns.
func (c *Conn) Connect(sa unix.Sockaddr, onConnect ConnectCallback) error {
	c.mu.Lock()
	if !c.desc.valid() {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.remote != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	fd := c.desc.fd
	c.mu.Unlock()

	if err := unix.Connect(fd, sa); err != nil {
		return os.NewSyscallError("connect", err)
	}

	c.mu.Lock()
	// The syscall result stands, but this call may have lost a race against
	// a concurrent close or connect.
	if !c.desc.valid() {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.remote != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.remote = sa
	c.mu.Unlock()

	if onConnect != nil {
		onConnect(c)
	}
	return nil
}

// OnRead installs, replaces or removes the read callback. Installing the
// first callback arms a readiness source; removing the last one cancels it;
// swapping one callback for another leaves the source untouched. Returns the
// connection for chaining.
func (c *Conn) OnRead(cb ReadCallback) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	had := c.readCb != nil
	c.readCb = cb

	switch {
	case cb == nil && had:
		c.stopEventHandlerLocked()
	case cb != nil && !had:
		if err := c.startEventHandlerLocked(); err != nil {
			log.Logger.Error("failed to arm readiness source",
				zap.Int("fd", c.desc.fd), zap.Error(err))
			c.readCb = nil
		}
	}
	return c
}

// StartEventHandler arms the readiness source. Idempotent: a connection with
// an armed source succeeds trivially.
func (c *Conn) StartEventHandler() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startEventHandlerLocked()
}

func (c *Conn) startEventHandlerLocked() error {
	if c.source != nil {
		return nil
	}
	// Receive-side shutdown is irreversible: once a close has retired the
	// read direction, no new source may arm, even while the descriptor is
	// still alive behind pending sends.
	if !c.desc.valid() || c.readShutdown {
		return ErrConnClosed
	}
	if c.queue == nil {
		c.queue = DefaultQueue()
	}
	src, err := NewReadSource(c.desc.fd, c.queue, c.dispatchRead)
	if err != nil {
		return err
	}
	// Sources start suspended; a failed resume leaves no partial source.
	if err := src.Resume(); err != nil {
		return err
	}
	c.source = src
	return nil
}

// StopEventHandler cancels the readiness source. Idempotent: no source, no-op.
func (c *Conn) StopEventHandler() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopEventHandlerLocked()
}

func (c *Conn) stopEventHandlerLocked() {
	if c.source == nil {
		return
	}
	src := c.source
	c.source = nil
	src.Cancel()
}

// dispatchRead relays a readiness event to whichever callback is currently
// installed. A cleared callback means an in-flight event is dropped rather
// than resurrected.
func (c *Conn) dispatchRead(available int) {
	c.mu.Lock()
	cb := c.readCb
	c.mu.Unlock()
	if cb != nil {
		cb(c, available)
	}
}

// Read performs one blocking read into the owned buffer. It returns the data
// read (a slice of the owned buffer, valid until the next Read), io.EOF when
// the peer ended the stream, or the wrapped errno on failure. A terminator
// byte is written immediately after the data for callers that scan for one.
func (c *Conn) Read() ([]byte, error) {
	c.mu.Lock()
	if !c.desc.valid() {
		c.mu.Unlock()
		return nil, os.NewSyscallError("read", unix.EBADF)
	}
	// The syscall runs unlocked so a concurrent Close can still retire the
	// receive direction and unblock it.
	fd := c.desc.fd
	buf := c.buf
	capacity := c.capacity
	c.mu.Unlock()

	for {
		n, err := unix.Read(fd, buf[:capacity])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			buf[0] = 0
			return nil, os.NewSyscallError("read", err)
		}
		if n == 0 {
			return nil, io.EOF
		}
		buf[n] = 0
		return buf[:n], nil
	}
}

// BytesAvailable is a best-effort estimate of bytes waiting to be read.
func (c *Conn) BytesAvailable() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.desc.valid() {
		return 0, os.NewSyscallError("ioctl", unix.EBADF)
	}
	n, err := unix.IoctlGetInt(c.desc.fd, unix.TIOCINQ)
	if err != nil {
		return 0, os.NewSyscallError("ioctl", err)
	}
	return n, nil
}

// Send issues one blocking write and returns the number of bytes actually
// written, which may be short. Partial writes are the caller's concern.
func (c *Conn) Send(p []byte) (int, error) {
	c.mu.Lock()
	if !c.desc.valid() {
		c.mu.Unlock()
		return 0, os.NewSyscallError("write", unix.EBADF)
	}
	fd := c.desc.fd
	c.mu.Unlock()

	for {
		n, err := unix.Write(fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// AsyncWrite copies p and submits it to the connection's queue, so p only
// needs to stay valid for the duration of the call. The pending-send counter
// is incremented before submission and decremented when the write completes;
// the result reflects submission only, never eventual completion.
//
// Writing on a closed connection, or one whose close is deferred behind
// pending sends, is a contract violation.
func (c *Conn) AsyncWrite(p []byte) error {
	c.mu.Lock()
	if !c.desc.valid() {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.closeRequested {
		c.mu.Unlock()
		return ErrCloseInProgress
	}
	if len(p) == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.queue == nil {
		c.queue = DefaultQueue()
	}

	data := make([]byte, len(p))
	copy(data, p)

	c.pendingSends++
	fd := c.desc.fd
	q := c.queue
	c.mu.Unlock()

	q.Dispatch(func() {
		c.performWrite(fd, data)
	})
	return nil
}

// Write converts text to its raw bytes and forwards to AsyncWrite.
func (c *Conn) Write(text string) error {
	return c.AsyncWrite([]byte(text))
}

func (c *Conn) performWrite(fd int, data []byte) {
	defer c.finishWrite()

	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Logger.Warn("async write failed", zap.Int("fd", fd), zap.Error(err))
			return
		}
		data = data[n:]
	}
}

// finishWrite is the completion handler: it decrements the pending-send
// counter and, when the last send drains with a close on hold, performs the
// deferred close.
func (c *Conn) finishWrite() {
	c.mu.Lock()
	c.pendingSends--
	deferred := c.pendingSends == 0 && c.closeRequested
	if deferred {
		c.closeRequested = false
	}
	c.mu.Unlock()

	if deferred {
		c.Close()
	}
}

// Close drives the shutdown protocol:
//
//  1. Already closed: no-op.
//  2. Retire the receive direction unconditionally on the first attempt:
//     cancel the readiness source, clear the read callback, shut down the
//     read side of the descriptor.
//  3. Sends still pending: mark the close requested and defer the rest;
//     the last write completion re-enters Close.
//  4. Otherwise drop the queue reference and release the descriptor.
//
// Close is idempotent and safe to call from inside the read callback; the
// descriptor is released exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()

	if !c.desc.valid() {
		c.mu.Unlock()
		return nil
	}

	if !c.readShutdown {
		// Clearing the callback first breaks any self-referential capture
		// before the source is cancelled.
		c.readCb = nil
		c.stopEventHandlerLocked()
		if err := c.desc.shutdownRead(); err != nil && err != unix.ENOTCONN {
			log.Logger.Debug("shutdown read failed",
				zap.Int("fd", c.desc.fd), zap.Error(err))
		}
		c.readShutdown = true
	}

	if c.pendingSends > 0 {
		c.closeRequested = true
		c.mu.Unlock()
		return nil
	}

	// The deferred path re-enters here with readShutdown already set, so
	// tear down the callback and source again before the descriptor goes.
	c.readCb = nil
	c.stopEventHandlerLocked()

	c.queue = nil
	err := c.desc.close()
	c.mu.Unlock()
	return err
}
