package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxIdleConns bounds the free list.
const maxIdleConns = 8

// connPool hands out dedicated connections. Admission is bounded by a
// weighted semaphore; released connections go back to a free list.
type connPool struct {
	db    *sql.DB
	admit *semaphore.Weighted

	mu     sync.Mutex
	free   []*sql.Conn
	closed bool
}

func newConnPool(db *sql.DB, limit int) *connPool {
	return &connPool{
		db:    db,
		admit: semaphore.NewWeighted(int64(limit)),
	}
}

// acquire blocks until a connection slot is available or ctx is done.
func (p *connPool) acquire(ctx context.Context) (*sql.Conn, error) {
	if err := p.admit.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.admit.Release(1)
		return nil, sql.ErrConnDone
	}
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.db.Conn(ctx)
	if err != nil {
		p.admit.Release(1)
		return nil, err
	}
	return c, nil
}

// release returns c to the free list, or closes it when the list is full,
// the pool is closed, or the last operation broke the connection.
func (p *connPool) release(c *sql.Conn, opErr error) {
	defer p.admit.Release(1)

	if errors.Is(opErr, driver.ErrBadConn) || errors.Is(opErr, sql.ErrConnDone) {
		_ = c.Close()
		return
	}

	p.mu.Lock()
	if p.closed || len(p.free) >= maxIdleConns {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// idle returns the number of pooled connections.
func (p *connPool) idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *connPool) close() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.closed = true
	p.mu.Unlock()

	for _, c := range free {
		_ = c.Close()
	}
}
