//go:build linux
// +build linux

package sock

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-sock/log"
)

type wakeSignal uint64

const (
	signalStop wakeSignal = 1
)

const maxEpollEvents = 128

// poller drives the OS readiness facility: one epoll instance, one loop
// goroutine, and an eventfd used to stop the loop.
type poller struct {
	reg *registry

	epollFd int
	wakeFd  int

	mu      sync.RWMutex
	sources map[int]*ReadSource

	done chan struct{}
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create epoll", zap.Error(err))
		return nil, err
	}

	r := newRegistry(epfd)

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create eventfd", zap.Error(err))
		unix.Close(epfd)
		return nil, err
	}

	if err := r.registerWake(efd); err != nil {
		log.Logger.Error("failed to add eventfd to epoll", zap.Error(err))
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}

	return &poller{
		reg:     r,
		epollFd: epfd,
		wakeFd:  efd,
		sources: make(map[int]*ReadSource),
		done:    make(chan struct{}),
	}, nil
}

var (
	sharedOnce sync.Once
	sharedP    *poller
	sharedErr  error
)

// sharedPoller lazily starts the process-wide poller. Every readiness source
// in the process registers with it.
func sharedPoller() (*poller, error) {
	sharedOnce.Do(func() {
		p, err := newPoller()
		if err != nil {
			sharedErr = err
			return
		}
		sharedP = p
		go p.loop()
	})
	return sharedP, sharedErr
}

func (p *poller) register(s *ReadSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reg.registerRead(s.fd); err != nil {
		return err
	}
	p.sources[s.fd] = s
	return nil
}

func (p *poller) unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sources[fd]; !ok {
		return nil
	}
	delete(p.sources, fd)
	return p.reg.unregister(fd)
}

func (p *poller) lookup(fd int) *ReadSource {
	p.mu.RLock()
	s := p.sources[fd]
	p.mu.RUnlock()
	return s
}

// shutdown stops the loop and waits for teardown to finish.
func (p *poller) shutdown() {
	p.sendSignal(signalStop)
	<-p.done
}

func (p *poller) sendSignal(sig wakeSignal) error {
	_, err := unix.Write(p.wakeFd, (*(*[8]byte)(unsafe.Pointer(&sig)))[:])
	if err != nil {
		log.Logger.Error("failed to write to event fd", zap.Error(err))
	}
	return err
}

// handleWake drains the eventfd and reports whether a stop was requested.
// Multiple stop signals coalesce into one nonzero counter value.
func (p *poller) handleWake() bool {
	var buf uint64
	_, err := unix.Read(p.wakeFd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
	if err != nil {
		if !isTemporaryError(err) {
			log.Logger.Error("failed to read from event fd", zap.Error(err))
		}
		return false
	}
	return buf != 0
}

func (p *poller) loop() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	msec := -1

	defer close(p.done)
	defer p.closeGracefully()

	for {
		n, err := unix.EpollWait(p.epollFd, events, msec)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			continue
		} else if err != nil {
			log.Logger.Error("epoll wait error", zap.Error(err))
			return
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)
			if fd == p.wakeFd {
				if p.handleWake() {
					return
				}
				continue
			}
			p.dispatch(fd, ev)
		}
	}
}

// dispatch forwards one readiness event to its source with an estimate of
// the bytes available for reading.
func (p *poller) dispatch(fd int, ev *unix.EpollEvent) {
	s := p.lookup(fd)
	if s == nil {
		// Cancelled between the wait returning and now.
		return
	}

	avail := 0
	if ev.Events&unix.EPOLLIN != 0 {
		if n, err := unix.IoctlGetInt(fd, unix.TIOCINQ); err == nil {
			avail = n
		}
	}
	// EPOLLHUP/EPOLLRDHUP with nothing left to read still notifies; the
	// callback observes end of stream through a zero-byte read.
	s.deliver(avail)
}

// closeGracefully tears down in order: registered fds, then the epoll fd.
func (p *poller) closeGracefully() {
	p.mu.Lock()
	p.sources = make(map[int]*ReadSource)
	p.mu.Unlock()

	if err := p.reg.closeAll(); err != nil {
		log.Logger.Debug("failed to close registered fds", zap.Error(err))
	}
	if err := closeFD(p.epollFd); err != nil {
		log.Logger.Debug("failed to close epoll", zap.Error(err))
	}
}
