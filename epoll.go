package webserv

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Up to this many ready events are harvested per wait.
const maxEvents = 1024

// Epoller is a thin wrapper around an epoll instance: register file
// descriptors with an event mask, wait with a timeout, enumerate what
// came back.
type Epoller struct {
	noCopy

	efd    int
	events []unix.EpollEvent
}

// NewEpoller return an instance.
func NewEpoller() (*Epoller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.New("epoll_create1: " + err.Error())
	}
	return &Epoller{
		efd:    efd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// AddFd registers fd with the given event mask.
func (e *Epoller) AddFd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(e.efd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.New("epoll_ctl add: " + err.Error())
	}
	return nil
}

// ModFd rearms fd with a new event mask.
func (e *Epoller) ModFd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(e.efd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.New("epoll_ctl mod: " + err.Error())
	}
	return nil
}

// DelFd unregisters fd.
func (e *Epoller) DelFd(fd int) error {
	if err := unix.EpollCtl(e.efd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.New("epoll_ctl del: " + err.Error())
	}
	return nil
}

// Wait blocks up to timeoutMs (-1 blocks indefinitely) and returns the
// number of ready events. EINTR restarts the wait.
func (e *Epoller) Wait(timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(e.efd, e.events, timeoutMs)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.New("epoll_wait: " + err.Error())
		}
		return n, nil
	}
}

// EventFd returns the fd of the i-th ready event of the last Wait.
func (e *Epoller) EventFd(i int) int {
	return int(e.events[i].Fd)
}

// Events returns the mask of the i-th ready event of the last Wait.
func (e *Epoller) Events(i int) uint32 {
	return e.events[i].Events
}

// Close releases the epoll instance.
func (e *Epoller) Close() error {
	return unix.Close(e.efd)
}
