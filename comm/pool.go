package comm

import (
	"context"
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables needed.
type CreationFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device.  Idle connections are
// closed once every connection has been returned and the timeout has
// elapsed, and re-opened as needed.  It is concurrent safe.  Pools must be
// created with NewPool.
type Pool struct {
	maxSize int
	timeout time.Duration
	maker   CreationFunc

	mu      sync.Mutex
	idle    []io.ReadWriteCloser
	onLease int
	slots   chan struct{}
	timer   *time.Timer
}

// NewPool creates a pool of at most maxSize connections
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		slots:   make(chan struct{}, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are
// in use or ctx is done.  There is no contention for the returned
// connection.
//
// When done with it, return it with Put, or discard it with Destroy if it
// has gone bad.  If the error from Get is not nil, nothing must be returned
// to the pool.
func (p *Pool) Get(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.maker(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
	return c, nil
}

// Put restores a connection to the pool for reuse
func (p *Pool) Put(c io.ReadWriteCloser) {
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.onLease--
	if p.onLease == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
	p.mu.Unlock()
	<-p.slots
}

// Destroy immediately closes a connection that has gone bad instead of
// returning it to the pool
func (p *Pool) Destroy(c io.ReadWriteCloser) {
	c.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.slots
}

// reclaim closes every idle connection if none is on lease
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease != 0 {
		return
	}
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	p.timer = nil
}

// Close closes every idle connection now
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}
