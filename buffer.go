package webserv

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Detecting illegal struct copies using `go vet`
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

const initBufferSize = 1024

// Spill buffers for scatter reads, shared across connections so a
// ready socket never forces a 64 KiB allocation per event.
var spillPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64*1024)
		return &b
	},
}

// Buffer is a byte buffer with independent read and write cursors.
// 0 <= readPos <= writePos <= len(buf); readable = writePos-readPos,
// writable = len(buf)-writePos, prependable = readPos.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// NewBuffer return an instance with the given initial capacity.
func NewBuffer(initSize int) *Buffer {
	if initSize <= 0 {
		initSize = initBufferSize
	}
	return &Buffer{buf: make([]byte, initSize)}
}

// ReadableBytes is the number of bytes waiting to be consumed.
func (b *Buffer) ReadableBytes() int {
	return b.writePos - b.readPos
}

// WritableBytes is the remaining space after the write cursor.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writePos
}

// PrependableBytes is the space reclaimable in front of the read cursor.
func (b *Buffer) PrependableBytes() int {
	return b.readPos
}

// Peek returns the readable region without consuming it.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// Retrieve consumes n readable bytes. Cursors reset to zero on full drain.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readPos += n
}

// RetrieveAll drops everything and resets both cursors.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllToString drains the readable region into a string.
func (b *Buffer) RetrieveAllToString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// BeginWrite returns the writable region.
func (b *Buffer) BeginWrite() []byte {
	return b.buf[b.writePos:]
}

// HasWritten advances the write cursor after an external write into BeginWrite.
func (b *Buffer) HasWritten(n int) {
	b.writePos += n
}

// Append copies p behind the write cursor, growing or compacting as needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.BeginWrite(), p)
	b.HasWritten(len(p))
}

// AppendString appends s behind the write cursor.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.BeginWrite(), s)
	b.HasWritten(len(s))
}

// AppendBuffer appends the readable region of other.
func (b *Buffer) AppendBuffer(other *Buffer) {
	b.Append(other.Peek())
}

// EnsureWritable guarantees at least n writable bytes. Compacts when the
// prependable space plus free tail already cover n, grows otherwise.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n {
		grown := make([]byte, b.writePos+n+1)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}

// ReadFd drains fd with a two-vector scatter read: the buffer's free tail
// first, then a pooled 64 KiB spill whose used part is appended afterwards.
// One syscall empties a ready socket in the common case.
func (b *Buffer) ReadFd(fd int) (int, error) {
	spill := spillPool.Get().(*[]byte)
	defer spillPool.Put(spill)

	writable := b.WritableBytes()
	iov := [2][]byte{b.buf[b.writePos:], *spill}
	var n int
	var err error
	for {
		n, err = unix.Readv(fd, iov[:])
		if err == syscall.EINTR {
			continue
		}
		break
	}
	if n < 0 {
		return n, err
	}
	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append((*spill)[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable region to fd once; the caller retries until
// drained or EAGAIN.
func (b *Buffer) WriteFd(fd int) (int, error) {
	var n int
	var err error
	for {
		n, err = unix.Write(fd, b.Peek())
		if err == syscall.EINTR {
			continue
		}
		break
	}
	if n > 0 {
		b.Retrieve(n)
	}
	return n, err
}
