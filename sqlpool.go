package webserv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"
)

// SqlPool keeps a fixed set of pinned database connections behind a
// counting semaphore whose value always equals the free count. Every
// connection is opened and validated up front; a handle acquired from the
// pool is known-good.
type SqlPool struct {
	noCopy

	db    *sql.DB
	mtx   sync.Mutex
	conns []*sql.Conn
	sem   *semaphore.Weighted
	size  int
}

// NewSqlPool opens poolSize connections to the given MySQL database.
// Any slot that fails to connect aborts the whole init.
func NewSqlPool(host string, port int, user, pwd, dbName string, poolSize int) (*SqlPool, error) {
	if poolSize <= 0 {
		return nil, errors.New("sqlpool: pool size must be > 0")
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", user, pwd, host, port, dbName)
	return newSqlPool("mysql", dsn, poolSize)
}

func newSqlPool(driver, dsn string, poolSize int) (*SqlPool, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.New("sqlpool open: " + err.Error())
	}
	db.SetMaxOpenConns(poolSize)

	p := &SqlPool{
		db:    db,
		conns: make([]*sql.Conn, 0, poolSize),
		sem:   semaphore.NewWeighted(int64(poolSize)),
		size:  poolSize,
	}
	ctx := context.Background()
	for i := 0; i < poolSize; i++ {
		conn, err := db.Conn(ctx)
		if err == nil {
			err = conn.PingContext(ctx)
		}
		if err != nil {
			p.Close()
			return nil, errors.New("sqlpool connect: " + err.Error())
		}
		p.conns = append(p.conns, conn)
	}
	return p, nil
}

// Acquire waits on the semaphore and hands out a pinned connection
// together with its release func. Call release exactly once, on every
// path.
func (p *SqlPool) Acquire(ctx context.Context) (*sql.Conn, func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	p.mtx.Lock()
	conn := p.conns[0]
	p.conns = p.conns[1:]
	p.mtx.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(conn) })
	}
	return conn, release, nil
}

func (p *SqlPool) release(conn *sql.Conn) {
	p.mtx.Lock()
	p.conns = append(p.conns, conn)
	p.mtx.Unlock()
	p.sem.Release(1)
}

// FreeCount is the number of currently idle connections.
func (p *SqlPool) FreeCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.conns)
}

// Size is the fixed pool capacity.
func (p *SqlPool) Size() int {
	return p.size
}

// Close tears down every idle connection and the underlying handle.
// Connections still acquired at that moment are not closed: neither Close
// nor their later release closes them.
func (p *SqlPool) Close() {
	p.mtx.Lock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
	p.mtx.Unlock()
	p.db.Close()
}
