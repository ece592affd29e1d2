package webserv

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The connection table is capped at this many live clients.
const maxFd = 65536

const listenBacklog = 128

// Server owns the listen socket, the epoll instance, the connection
// table, the idle timer and the worker pool, and runs the event loop on
// a single goroutine. Workers only ever touch the one connection they
// were handed; interest is re-armed after the worker returns, so a
// connection never has two tasks in flight.
type Server struct {
	noCopy

	port       int
	addr       string
	openLinger bool
	timeoutMS  int
	srcDir     string
	isClose    atomic.Bool

	listenFd    int
	wakeFd      int
	listenEvent uint32
	connEvent   uint32

	userCount atomic.Int32
	usersMtx  sync.Mutex
	users     map[int]*HttpConn

	timer   *HeapTimer
	pool    *ThreadPool
	epoller *Epoller
	sqlPool *SqlPool
	logger  *Log
}

// NewServer wires the subsystems together. sqlPool may be nil, in which
// case login/register posts fail with 403 and only static files are
// served. Startup failures are returned, not retried.
func NewServer(cfg *Config, sqlPool *SqlPool, logger *Log) (*Server, error) {
	srcDir := cfg.SrcDir
	if srcDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.New("getwd: " + err.Error())
		}
		srcDir = filepath.Join(wd, "resources")
	}

	s := &Server{
		port:       cfg.Port,
		addr:       cfg.Addr,
		openLinger: cfg.OptLinger,
		timeoutMS:  cfg.TimeoutMS,
		srcDir:     srcDir,
		listenFd:   -1,
		wakeFd:     -1,
		users:      make(map[int]*HttpConn),
		timer:      NewHeapTimer(),
		sqlPool:    sqlPool,
		logger:     logger,
	}
	s.initEventMode(cfg.TrigMode)

	var err error
	if s.epoller, err = NewEpoller(); err != nil {
		return nil, err
	}
	if s.listenFd, err = newListenFd(cfg.Addr, cfg.Port, cfg.OptLinger, listenBacklog); err != nil {
		s.epoller.Close()
		return nil, err
	}
	if err = s.epoller.AddFd(s.listenFd, s.listenEvent|unix.EPOLLIN); err != nil {
		unix.Close(s.listenFd)
		s.epoller.Close()
		return nil, err
	}
	if s.wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		unix.Close(s.listenFd)
		s.epoller.Close()
		return nil, errors.New("eventfd: " + err.Error())
	}
	if err = s.epoller.AddFd(s.wakeFd, unix.EPOLLIN); err != nil {
		unix.Close(s.wakeFd)
		unix.Close(s.listenFd)
		s.epoller.Close()
		return nil, err
	}

	s.pool = NewThreadPool(cfg.ThreadPoolSize, 0, logger)

	logger.Info("========== Server init ==========")
	logger.Info("Port:%d, OpenLinger: %v", cfg.Port, cfg.OptLinger)
	logger.Info("Listen Mode: %s, OpenConn Mode: %s",
		trigModeName(s.listenEvent), trigModeName(s.connEvent))
	logger.Info("srcDir: %s", s.srcDir)
	logger.Info("ThreadPool num: %d", cfg.ThreadPoolSize)
	return s, nil
}

func trigModeName(events uint32) string {
	if events&unix.EPOLLET != 0 {
		return "ET"
	}
	return "LT"
}

// initEventMode decodes trigMode: bit 0 selects ET for connections,
// bit 1 selects ET for the listen socket.
func (s *Server) initEventMode(trigMode int) {
	s.listenEvent = unix.EPOLLRDHUP
	s.connEvent = unix.EPOLLONESHOT | unix.EPOLLRDHUP
	switch trigMode {
	case 0:
	case 1:
		s.connEvent |= unix.EPOLLET
	case 2:
		s.listenEvent |= unix.EPOLLET
	default:
		s.listenEvent |= unix.EPOLLET
		s.connEvent |= unix.EPOLLET
	}
}

// Start runs the event loop until Stop.
func (s *Server) Start() {
	timeMS := -1
	if !s.isClose.Load() {
		s.logger.Info("========== Server start ==========")
	}
	for !s.isClose.Load() {
		if s.timeoutMS > 0 {
			timeMS = int(s.timer.GetNextTick())
		}
		n, err := s.epoller.Wait(timeMS)
		if err != nil {
			if s.isClose.Load() {
				break
			}
			s.logger.Error("event loop: %s", err.Error())
			break
		}
		for i := 0; i < n; i++ {
			fd := s.epoller.EventFd(i)
			events := s.epoller.Events(i)
			if fd == s.listenFd {
				s.dealListen()
				continue
			}
			if fd == s.wakeFd {
				drainEventfd(fd)
				continue
			}
			client := s.getConn(fd)
			if client == nil {
				continue
			}
			switch {
			case events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
				s.closeConn(client)
			case events&unix.EPOLLIN != 0:
				s.dealRead(client)
			case events&unix.EPOLLOUT != 0:
				s.dealWrite(client)
			default:
				s.logger.Error("unexpected event 0x%x on fd %d", events, fd)
			}
		}
	}
	s.cleanup()
}

// Stop asks the event loop to exit and wakes it.
func (s *Server) Stop() {
	if !s.isClose.CompareAndSwap(false, true) {
		return
	}
	var one uint64 = 1
	unix.Write(s.wakeFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
}

func (s *Server) cleanup() {
	unix.Close(s.listenFd)
	s.pool.Close()
	s.usersMtx.Lock()
	conns := make([]*HttpConn, 0, len(s.users))
	for _, c := range s.users {
		conns = append(conns, c)
	}
	s.usersMtx.Unlock()
	for _, c := range conns {
		s.closeConn(c)
	}
	unix.Close(s.wakeFd)
	s.epoller.Close()
	s.logger.Info("========== Server stop ==========")
}

func drainEventfd(fd int) {
	var tmp [8]byte
	for {
		_, err := unix.Read(fd, tmp[:])
		if err == syscall.EINTR {
			continue
		}
		return
	}
}

func (s *Server) getConn(fd int) *HttpConn {
	s.usersMtx.Lock()
	defer s.usersMtx.Unlock()
	return s.users[fd]
}

// dealListen drains the accept queue; one round in LT mode, to EAGAIN in
// ET mode.
func (s *Server) dealListen() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		if int(s.userCount.Load()) >= maxFd {
			s.sendError(fd, "Server busy!")
			s.logger.Warn("clients are full")
			return
		}
		s.addClient(fd, sockaddrString(sa))
		if s.listenEvent&unix.EPOLLET == 0 {
			return
		}
	}
}

func (s *Server) addClient(fd int, addr string) {
	client := &HttpConn{
		isET:      s.connEvent&unix.EPOLLET != 0,
		srcDir:    s.srcDir,
		pool:      s.sqlPool,
		logger:    s.logger,
		userCount: &s.userCount,
	}
	client.Init(fd, addr)

	s.usersMtx.Lock()
	s.users[fd] = client
	s.usersMtx.Unlock()

	if s.timeoutMS > 0 {
		s.timer.Add(fd, int64(s.timeoutMS), func() { s.closeConn(client) })
	}
	if err := s.epoller.AddFd(fd, unix.EPOLLIN|s.connEvent); err != nil {
		s.logger.Error("add client: %s", err.Error())
		s.closeConn(client)
	}
}

// sendError replies on a socket that never became a connection.
func (s *Server) sendError(fd int, info string) {
	if _, err := unix.Write(fd, []byte(info)); err != nil {
		s.logger.Warn("send error to client[%d] failed", fd)
	}
	unix.Close(fd)
}

// closeConn is the single teardown path: cancel the timer before the fd
// leaves the epoll set, then drop the table entry and release the socket.
func (s *Server) closeConn(client *HttpConn) {
	if !client.beginClose() {
		return
	}
	fd := client.Fd()
	if s.timeoutMS > 0 {
		s.timer.Cancel(fd)
	}
	s.epoller.DelFd(fd)
	s.usersMtx.Lock()
	delete(s.users, fd)
	s.usersMtx.Unlock()
	client.release()
}

// extentTime pushes the idle deadline out on any activity.
func (s *Server) extentTime(client *HttpConn) {
	if s.timeoutMS > 0 {
		s.timer.Adjust(client.Fd(), int64(s.timeoutMS))
	}
}

func (s *Server) dealRead(client *HttpConn) {
	s.extentTime(client)
	s.pool.Submit(func() { s.onRead(client) })
}

func (s *Server) dealWrite(client *HttpConn) {
	s.extentTime(client)
	s.pool.Submit(func() { s.onWrite(client) })
}

func (s *Server) onRead(client *HttpConn) {
	n, err := client.Read()
	if n <= 0 && err != syscall.EAGAIN {
		s.closeConn(client)
		return
	}
	s.onProcess(client)
}

// onProcess re-arms interest per the state machine's next need. Workers
// touch the epoll set only for their own fd: here, in onWrite's EAGAIN
// re-arm, and in closeConn.
func (s *Server) onProcess(client *HttpConn) {
	if client.Process() {
		s.epoller.ModFd(client.Fd(), s.connEvent|unix.EPOLLOUT)
	} else {
		s.epoller.ModFd(client.Fd(), s.connEvent|unix.EPOLLIN)
	}
}

func (s *Server) onWrite(client *HttpConn) {
	n, err := client.Write()
	if client.ToWriteBytes() == 0 {
		// response fully delivered
		if client.IsKeepAlive() {
			client.ResetForNext()
			s.onProcess(client)
			return
		}
	} else if n < 0 && err == syscall.EAGAIN {
		s.epoller.ModFd(client.Fd(), s.connEvent|unix.EPOLLOUT)
		return
	}
	s.closeConn(client)
}
