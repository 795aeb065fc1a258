//go:build linux
// +build linux

package sock

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// manualQueue defers dispatched tasks until Run is called, making write
// completion timing deterministic in tests.
type manualQueue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *manualQueue) Dispatch(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

func (q *manualQueue) Run() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// newPair returns a connection wrapping one end of a socketpair and the raw
// fd of the other end.
func newPair(t *testing.T, q Queue) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	c := NewConn(fds[0], q)
	t.Cleanup(func() {
		c.Close()
		closeFD(fds[1])
	})
	return c, fds[1]
}

func TestCloseIdempotent(t *testing.T) {
	c, _ := newPair(t, &manualQueue{})

	require.NoError(t, c.Close())
	assert.False(t, c.desc.valid(), "descriptor should be released")
	assert.True(t, c.readShutdown)

	// Any number of further closes is a no-op.
	for i := 0; i < 3; i++ {
		assert.NoError(t, c.Close())
	}
	assert.False(t, c.desc.valid())
}

func TestCloseDefersUntilSendsDrain(t *testing.T) {
	q := &manualQueue{}
	c, peer := newPair(t, q)

	require.NoError(t, c.AsyncWrite([]byte("hello")))
	assert.Equal(t, 1, c.pendingSends)

	require.NoError(t, c.Close())

	// Receive side is retired immediately, descriptor release is deferred.
	assert.True(t, c.readShutdown)
	assert.True(t, c.closeRequested)
	assert.True(t, c.desc.valid(), "descriptor must stay valid while sends are pending")

	// New writes during the deferred close are contract violations.
	assert.ErrorIs(t, c.AsyncWrite([]byte("nope")), ErrCloseInProgress)

	// Drain the pending send: completion performs the deferred close.
	q.Run()
	assert.Equal(t, 0, c.pendingSends)
	assert.False(t, c.closeRequested)
	assert.False(t, c.desc.valid(), "descriptor should be released exactly once")

	// The pending write still reached the peer.
	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestPendingCountConservation(t *testing.T) {
	q := &manualQueue{}
	c, peer := newPair(t, q)

	const writes = 5
	for i := 0; i < writes; i++ {
		require.NoError(t, c.AsyncWrite([]byte("x")))
		assert.Equal(t, i+1, c.pendingSends)
	}

	q.Run()
	assert.Equal(t, 0, c.pendingSends)
	assert.True(t, c.desc.valid(), "draining without a close request must not release the descriptor")

	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, writes, n)
}

func TestAsyncWriteZeroLength(t *testing.T) {
	q := &manualQueue{}
	c, _ := newPair(t, q)

	require.NoError(t, c.AsyncWrite(nil))
	require.NoError(t, c.AsyncWrite([]byte{}))
	assert.Equal(t, 0, c.pendingSends, "zero-length writes submit nothing")
}

func TestAsyncWriteAfterClose(t *testing.T) {
	c, _ := newPair(t, &manualQueue{})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.AsyncWrite([]byte("late")), ErrConnClosed)
}

func TestReadOnClosedDescriptor(t *testing.T) {
	c, _ := newPair(t, &manualQueue{})
	require.NoError(t, c.Close())

	data, err := c.Read()
	assert.Nil(t, data)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestReadWritesTerminator(t *testing.T) {
	c, peer := newPair(t, &manualQueue{})

	_, err := unix.Write(peer, []byte("ping"))
	require.NoError(t, err)

	data, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
	assert.Equal(t, byte(0), c.buf[len(data)], "terminator should follow the data")
}

func TestReadEOF(t *testing.T) {
	c, peer := newPair(t, &manualQueue{})

	require.NoError(t, unix.Close(peer))
	_, err := c.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSend(t *testing.T) {
	c, peer := newPair(t, &manualQueue{})

	n, err := c.Send([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf := make([]byte, 16)
	rn, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:rn]))
}

func TestSendOnClosedDescriptor(t *testing.T) {
	c, _ := newPair(t, &manualQueue{})
	require.NoError(t, c.Close())

	_, err := c.Send([]byte("abc"))
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestWriteString(t *testing.T) {
	q := &manualQueue{}
	c, peer := newPair(t, q)

	require.NoError(t, c.Write("hi\n"))
	q.Run()

	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:n]))
}

func TestBytesAvailable(t *testing.T) {
	c, peer := newPair(t, &manualQueue{})

	_, err := unix.Write(peer, []byte("1234"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := c.BytesAvailable()
		return err == nil && n == 4
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	_, err = c.BytesAvailable()
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestSetReadCapacityDiscards(t *testing.T) {
	c, peer := newPair(t, &manualQueue{})

	c.SetReadCapacity(8)
	assert.Equal(t, 10, len(c.buf))

	_, err := unix.Write(peer, []byte("0123456789abcdef"))
	require.NoError(t, err)

	// A single-shot read is bounded by the configured capacity.
	data, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(data))
}

func TestOnReadDuringDeferredClose(t *testing.T) {
	q := &manualQueue{}
	c, _ := newPair(t, q)

	require.NoError(t, c.AsyncWrite([]byte("pending")))
	require.NoError(t, c.Close())
	require.True(t, c.readShutdown)
	require.True(t, c.desc.valid(), "close must be deferred behind the pending send")

	// Receive-side shutdown is irreversible: no new source may arm while
	// the descriptor survives only for the sake of pending sends.
	c.OnRead(func(*Conn, int) {})
	assert.Nil(t, c.source)
	assert.Nil(t, c.readCb)
	assert.ErrorIs(t, c.StartEventHandler(), ErrConnClosed)

	// Draining the send must leave no callback or armed source behind.
	q.Run()
	assert.False(t, c.desc.valid())
	assert.Nil(t, c.source)
	assert.Nil(t, c.readCb)
}

func TestCloseUnblocksBlockedRead(t *testing.T) {
	c, _ := newPair(t, &manualQueue{})

	readDone := make(chan error, 1)
	go func() {
		// No data pending: this read blocks in the syscall.
		_, err := c.Read()
		readDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		c.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind an in-flight read")
	}

	select {
	case err := <-readDone:
		assert.ErrorIs(t, err, io.EOF, "receive shutdown ends the blocked read")
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read never returned")
	}
}

func TestConnectTwice(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-accepted:
			conn.Close()
		default:
		}
	}()

	sa, err := TCPSockaddr(ln.Addr().String())
	require.NoError(t, err)
	fd, err := TCPSocket(sa)
	require.NoError(t, err)

	c := NewConn(fd, &manualQueue{})
	defer c.Close()

	var connected bool
	require.NoError(t, c.Connect(sa, func(*Conn) { connected = true }))
	assert.True(t, connected, "onConnect runs synchronously")
	assert.True(t, c.IsConnected())
	remote := c.RemoteAddrString()

	// No reconnection support: the second attempt fails and the peer
	// address is untouched.
	assert.ErrorIs(t, c.Connect(sa, nil), ErrAlreadyConnected)
	assert.Equal(t, remote, c.RemoteAddrString())
}

func TestConnectOnClosedConn(t *testing.T) {
	c, _ := newPair(t, &manualQueue{})
	require.NoError(t, c.Close())

	sa := &unix.SockaddrInet4{Port: 1}
	assert.ErrorIs(t, c.Connect(sa, nil), ErrConnClosed)
	assert.False(t, c.IsConnected())
}

func TestAcceptedConnIsConnected(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer closeFD(fds[1])

	remote := &unix.SockaddrInet4{Port: 4242, Addr: [4]byte{127, 0, 0, 1}}
	c := NewAcceptedConn(fds[0], remote, &manualQueue{})
	defer c.Close()

	assert.True(t, c.IsConnected())
	assert.Equal(t, "127.0.0.1:4242", c.RemoteAddrString())
}
