package webserv

import (
	"bytes"
	"math/rand"
	"testing"

	"golang.org/x/sys/unix"
)

func checkBufferInvariants(t *testing.T, b *Buffer) {
	t.Helper()
	if b.readPos < 0 || b.readPos > b.writePos || b.writePos > len(b.buf) {
		t.Fatalf("cursor invariant broken: readPos=%d writePos=%d cap=%d",
			b.readPos, b.writePos, len(b.buf))
	}
}

func TestBufferAppendRetrieve(t *testing.T) {
	b := NewBuffer(16)
	b.AppendString("hello ")
	b.AppendString("world")
	checkBufferInvariants(t, b)
	if b.ReadableBytes() != 11 {
		t.Fatalf("readable = %d, want 11", b.ReadableBytes())
	}
	b.Retrieve(6)
	checkBufferInvariants(t, b)
	if got := string(b.Peek()); got != "world" {
		t.Fatalf("peek = %q, want world", got)
	}
	if got := b.RetrieveAllToString(); got != "world" {
		t.Fatalf("retrieveAll = %q, want world", got)
	}
	if b.readPos != 0 || b.writePos != 0 {
		t.Fatalf("cursors not reset after full drain: %d/%d", b.readPos, b.writePos)
	}
}

func TestBufferRoundTrip(t *testing.T) {
	// Arbitrary bytes, zero bytes and non-UTF-8 included.
	in := make([]byte, 4096)
	rand.New(rand.NewSource(42)).Read(in)
	in[0], in[100], in[4095] = 0, 0xff, 0

	b := NewBuffer(64)
	b.Append(in)
	checkBufferInvariants(t, b)
	out := b.RetrieveAllToString()
	if !bytes.Equal([]byte(out), in) {
		t.Fatal("round trip mismatch")
	}
}

func TestBufferCompactionNotGrow(t *testing.T) {
	b := NewBuffer(32)
	b.AppendString("0123456789abcdef0123456789")
	b.Retrieve(20)
	capBefore := len(b.buf)

	// writable + prependable covers the request, so this compacts.
	need := b.WritableBytes() + b.PrependableBytes()
	b.EnsureWritable(need)
	if len(b.buf) != capBefore {
		t.Fatalf("capacity changed on compaction: %d -> %d", capBefore, len(b.buf))
	}
	if b.readPos != 0 {
		t.Fatalf("compaction did not move unread bytes to front, readPos=%d", b.readPos)
	}
	if got := string(b.Peek()); got != "456789" {
		t.Fatalf("unread bytes damaged by compaction: %q", got)
	}
}

func TestBufferGrow(t *testing.T) {
	b := NewBuffer(8)
	b.AppendString("abc")
	b.EnsureWritable(100)
	checkBufferInvariants(t, b)
	if b.WritableBytes() < 100 {
		t.Fatalf("writable = %d after grow, want >= 100", b.WritableBytes())
	}
	if got := string(b.Peek()); got != "abc" {
		t.Fatalf("unread bytes damaged by grow: %q", got)
	}
}

func TestBufferReadWriteFd(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %s", err.Error())
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	// More than the initial capacity so the spill path is exercised.
	in := bytes.Repeat([]byte("x0y1z2"), 1000)
	if _, err = unix.Write(fds[0], in); err != nil {
		t.Fatalf("write: %s", err.Error())
	}

	b := NewBuffer(initBufferSize)
	total := 0
	for total < len(in) {
		n, err := b.ReadFd(fds[1])
		if err != nil {
			t.Fatalf("ReadFd: %s", err.Error())
		}
		total += n
		checkBufferInvariants(t, b)
	}
	if !bytes.Equal(b.Peek(), in) {
		t.Fatal("scatter read mismatch")
	}

	for b.ReadableBytes() > 0 {
		if _, err := b.WriteFd(fds[1]); err != nil {
			t.Fatalf("WriteFd: %s", err.Error())
		}
	}
	out := make([]byte, len(in))
	got := 0
	for got < len(out) {
		n, err := unix.Read(fds[0], out[got:])
		if err != nil || n <= 0 {
			t.Fatalf("read back: n=%d err=%v", n, err)
		}
		got += n
	}
	if !bytes.Equal(out, in) {
		t.Fatal("write back mismatch")
	}
}
