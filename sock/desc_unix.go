//go:build linux
// +build linux

package sock

import (
	"golang.org/x/sys/unix"
)

// descriptor owns a raw socket fd. The fd is -1 once released; release
// happens at most once.
type descriptor struct {
	fd int
}

func (d *descriptor) valid() bool {
	return d.fd >= 0
}

// close releases the fd and invalidates the descriptor.
func (d *descriptor) close() error {
	if !d.valid() {
		return nil
	}
	fd := d.fd
	d.fd = -1
	return unix.Close(fd)
}

// shutdownRead retires the receive direction, leaving the send direction
// and the fd itself intact.
func (d *descriptor) shutdownRead() error {
	if !d.valid() {
		return nil
	}
	return unix.Shutdown(d.fd, unix.SHUT_RD)
}
