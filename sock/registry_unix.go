//go:build linux
// +build linux

package sock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// Read sources are edge-triggered: one notification per arrival, which
	// matches the one-read-per-notification contract of Conn.Read.
	readEvents = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP | uint32(unix.EPOLLET)

	// The wake eventfd is level-triggered and drained on every firing.
	wakeEvents = unix.EPOLLIN
)

// registry is a wrapper around epoll. It keeps track of the fds that are
// registered to the epoll instance.
type registry struct {
	epollFd  int
	epollSet map[int]uint32
}

func newRegistry(epollFd int) *registry {
	return &registry{
		epollFd:  epollFd,
		epollSet: make(map[int]uint32),
	}
}

// registerRead registers fd to epoll for read events.
func (r *registry) registerRead(fd int) (err error) {
	_, ok := r.epollSet[fd]

	if ok {
		err = r.modRead(fd)
	} else {
		err = r.addRead(fd)
	}

	if err != nil {
		return err
	}

	r.epollSet[fd] = readEvents
	return
}

// registerWake registers the wake eventfd.
func (r *registry) registerWake(fd int) error {
	if err := os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: wakeEvents})); err != nil {
		return err
	}
	r.epollSet[fd] = wakeEvents
	return nil
}

// unregister removes fd from epoll. Unknown fds are a no-op.
func (r *registry) unregister(fd int) (err error) {
	_, ok := r.epollSet[fd]

	if !ok {
		return nil
	}

	err = r.delete(fd)
	if err != nil {
		return err
	}

	delete(r.epollSet, fd)
	return
}

// closeAll removes and closes every registered fd. Used on poller teardown
// to prevent fd leaks.
func (r *registry) closeAll() error {
	var errs MultiError

	for fd := range r.epollSet {
		if err := r.delete(fd); err != nil {
			errs = append(errs, fmt.Errorf("delete fd: %d error: %w", fd, err))
			continue
		}
		if err := closeFD(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd: %d error: %w", fd, err))
			continue
		}
	}
	r.epollSet = make(map[int]uint32)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (r *registry) addRead(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

func (r *registry) modRead(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

func (r *registry) delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}
