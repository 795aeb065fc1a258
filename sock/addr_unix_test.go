//go:build linux
// +build linux

package sock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTCPSockaddrIPv4(t *testing.T) {
	sa, err := TCPSockaddr("127.0.0.1:6379")
	require.NoError(t, err)

	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 6379, sa4.Port)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa4.Addr)

	assert.Equal(t, "127.0.0.1:6379", SockaddrToString(sa))
}

func TestTCPSockaddrIPv6(t *testing.T) {
	sa, err := TCPSockaddr("[::1]:8080")
	require.NoError(t, err)

	sa6, ok := sa.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Equal(t, 8080, sa6.Port)

	assert.Equal(t, "[::1]:8080", SockaddrToString(sa))
}

func TestTCPSockaddrInvalid(t *testing.T) {
	_, err := TCPSockaddr("missing-port")
	assert.Error(t, err)

	_, err = TCPSockaddr("127.0.0.1:notaport")
	assert.Error(t, err)
}

func TestTCPSocketFamily(t *testing.T) {
	sa4, err := TCPSockaddr("127.0.0.1:0")
	require.NoError(t, err)
	fd, err := TCPSocket(sa4)
	require.NoError(t, err)
	assert.True(t, isFDValid(fd))
	require.NoError(t, closeFD(fd))
}
