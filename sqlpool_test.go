package webserv

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"
)

// A do-nothing driver; the pool only needs connections it can pin.
type stubDriver struct{}

type stubConn struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return stubConn{}, nil }

func (stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("stub") }
func (stubConn) Close() error                        { return nil }
func (stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("stub") }

var registerStub sync.Once

func stubPool(t *testing.T, size int) *SqlPool {
	t.Helper()
	registerStub.Do(func() { sql.Register("stub", stubDriver{}) })
	p, err := newSqlPool("stub", "ignored", size)
	if err != nil {
		t.Fatalf("newSqlPool: %s", err.Error())
	}
	return p
}

func TestSqlPoolAccounting(t *testing.T) {
	p := stubPool(t, 4)
	defer p.Close()

	if p.FreeCount() != 4 || p.Size() != 4 {
		t.Fatalf("fresh pool free=%d size=%d", p.FreeCount(), p.Size())
	}

	ctx := context.Background()
	_, rel1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %s", err.Error())
	}
	_, rel2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %s", err.Error())
	}
	// outstanding + free stays at pool size
	if p.FreeCount() != 2 {
		t.Fatalf("free = %d with 2 acquired, want 2", p.FreeCount())
	}
	rel1()
	rel1() // double release must be a no-op
	rel2()
	if p.FreeCount() != 4 {
		t.Fatalf("free = %d after release, want 4", p.FreeCount())
	}
}

func TestSqlPoolBlocksWhenDrained(t *testing.T) {
	p := stubPool(t, 2)
	defer p.Close()

	ctx := context.Background()
	_, rel1, _ := p.Acquire(ctx)
	_, rel2, _ := p.Acquire(ctx)
	defer rel2()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, _, err := p.Acquire(short); err == nil {
		t.Fatal("acquire on a drained pool did not wait")
	}

	rel1()
	conn, rel3, err := p.Acquire(ctx)
	if err != nil || conn == nil {
		t.Fatalf("acquire after release: %v", err)
	}
	rel3()
}

func TestSqlPoolRejectsBadSize(t *testing.T) {
	if _, err := NewSqlPool("localhost", 3306, "u", "p", "db", 0); err == nil {
		t.Fatal("pool size 0 accepted")
	}
}
