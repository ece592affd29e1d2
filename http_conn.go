package webserv

import (
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// HttpConn is the per-connection state: the socket, both buffers, the
// request/response pair and the two-element gather list for the response
// write. A connection has at most one outstanding worker task at a time;
// the buffers are therefore single-threaded.
type HttpConn struct {
	fd     int
	addr   string
	isET   bool
	srcDir string

	closed atomic.Bool
	iov    [2][]byte

	readBuf  *Buffer
	writeBuf *Buffer
	request  HttpRequest
	response HttpResponse

	pool      *SqlPool
	logger    *Log
	userCount *atomic.Int32
}

// Init binds the connection to an accepted socket.
func (c *HttpConn) Init(fd int, addr string) {
	c.fd = fd
	c.addr = addr
	c.readBuf = NewBuffer(initBufferSize)
	c.writeBuf = NewBuffer(initBufferSize)
	c.closed.Store(false)
	c.request.Init()
	c.userCount.Add(1)
	c.logger.Info("Client[%d](%s) in, userCount:%d", fd, addr, c.userCount.Load())
}

// Fd returns the socket.
func (c *HttpConn) Fd() int { return c.fd }

// Addr returns the peer address.
func (c *HttpConn) Addr() string { return c.addr }

// Read fills readBuf from the socket. Edge-triggered connections drain
// until the scatter read stops making progress.
func (c *HttpConn) Read() (n int, err error) {
	for {
		n, err = c.readBuf.ReadFd(c.fd)
		if n <= 0 || !c.isET {
			break
		}
	}
	return
}

// Write flushes the gather list until done or the socket pushes back.
func (c *HttpConn) Write() (n int, err error) {
	for {
		iovs := make([][]byte, 0, 2)
		if len(c.iov[0]) > 0 {
			iovs = append(iovs, c.iov[0])
		}
		if len(c.iov[1]) > 0 {
			iovs = append(iovs, c.iov[1])
		}
		if len(iovs) == 0 {
			return
		}
		for {
			n, err = unix.Writev(c.fd, iovs)
			if err == syscall.EINTR {
				continue
			}
			break
		}
		if n <= 0 {
			return
		}
		c.advance(n)
		if c.ToWriteBytes() == 0 {
			return
		}
	}
}

// advance moves the vector bases past n written bytes.
func (c *HttpConn) advance(n int) {
	if n > len(c.iov[0]) {
		c.iov[1] = c.iov[1][n-len(c.iov[0]):]
		if len(c.iov[0]) > 0 {
			c.writeBuf.RetrieveAll()
			c.iov[0] = nil
		}
	} else {
		c.iov[0] = c.iov[0][n:]
		c.writeBuf.Retrieve(n)
	}
}

// ToWriteBytes is the remaining response size.
func (c *HttpConn) ToWriteBytes() int {
	return len(c.iov[0]) + len(c.iov[1])
}

// IsKeepAlive reports whether the connection survives the current
// response (the response decides: a 400 never keeps alive).
func (c *HttpConn) IsKeepAlive() bool {
	return c.response.KeepAlive()
}

// Process parses whatever has arrived. It returns true when a complete
// response is staged in the gather list, false when more input is needed.
func (c *HttpConn) Process() bool {
	if c.readBuf.ReadableBytes() <= 0 {
		return false
	}
	switch c.request.Parse(c.readBuf, c.pool, c.logger) {
	case parseAgain:
		return false
	case parseError:
		c.response.Init(c.srcDir, c.request.Path(), false, 400)
	case parseOK:
		c.logger.Debug("request %s %s", c.request.Method(), c.request.Path())
		c.response.Init(c.srcDir, c.request.Path(), c.request.IsKeepAlive(), c.request.Code())
	}
	c.response.MakeResponse(c.writeBuf)
	c.iov[0] = c.writeBuf.Peek()
	c.iov[1] = nil
	if c.response.FileLen() > 0 {
		c.iov[1] = c.response.File()
	}
	c.logger.Debug("respond %d, filesize:%d, to write:%d",
		c.response.Code(), c.response.FileLen(), c.ToWriteBytes())
	return true
}

// ResetForNext prepares a keep-alive connection for the next request.
func (c *HttpConn) ResetForNext() {
	c.response.UnmapFile()
	c.request.Init()
	c.writeBuf.RetrieveAll()
	c.iov[0], c.iov[1] = nil, nil
}

// beginClose wins the right to tear the connection down exactly once.
func (c *HttpConn) beginClose() bool {
	return c.closed.CompareAndSwap(false, true)
}

// release frees the mapping and the socket. Only the beginClose winner
// calls it.
func (c *HttpConn) release() {
	c.response.UnmapFile()
	unix.Close(c.fd)
	c.userCount.Add(-1)
	c.logger.Info("Client[%d](%s) quit, userCount:%d", c.fd, c.addr, c.userCount.Load())
}
