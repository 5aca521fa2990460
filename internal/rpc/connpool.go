package rpc

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// RequestTimeout bounds ordinary getwork and submit calls
const RequestTimeout = 60 * time.Second

// Conn is one reusable outbound HTTP connection. Each Conn has its own
// transport so reaping it closes its socket.
type Conn struct {
	transport *http.Transport
	client    *http.Client
	lpClient  *http.Client

	mu       sync.Mutex
	lastUsed time.Time
}

func newConn() *Conn {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       5 * time.Minute,
		ExpectContinueTimeout: time.Second,
	}
	return &Conn{
		transport: transport,
		client:    &http.Client{Timeout: RequestTimeout, Transport: transport},
		lpClient:  &http.Client{Transport: transport},
		lastUsed:  time.Now(),
	}
}

// NewConn returns a standalone connection, used for longpoll
func NewConn() *Conn {
	return newConn()
}

func (c *Conn) touch(t time.Time) {
	c.mu.Lock()
	c.lastUsed = t
	c.mu.Unlock()
}

// LastUsed returns when the connection last started a request
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Close drops idle sockets held by the connection
func (c *Conn) Close() {
	c.transport.CloseIdleConnections()
}

// ConnPool hands out connections to one pool, creating them on demand up to
// a limit. Callers block when the limit is reached.
type ConnPool struct {
	mu    sync.Mutex
	idle  []*Conn
	total int
	limit int
	freed chan struct{}
}

// NewConnPool creates a pool allowing up to limit connections
func NewConnPool(limit int) *ConnPool {
	if limit < 1 {
		limit = 1
	}
	return &ConnPool{limit: limit, freed: make(chan struct{})}
}

// SetLimit changes the connection cap
func (p *ConnPool) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	p.mu.Lock()
	p.limit = limit
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *ConnPool) broadcastLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}

// TryGet returns an idle or new connection without blocking
func (p *ConnPool) TryGet() (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeLocked()
}

func (p *ConnPool) takeLocked() (*Conn, bool) {
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return c, true
	}
	if p.total < p.limit {
		p.total++
		return newConn(), true
	}
	return nil, false
}

// Get returns a connection, waiting for one to be released if the pool is at its limit
func (p *ConnPool) Get(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if c, ok := p.takeLocked(); ok {
			p.mu.Unlock()
			return c, nil
		}
		freed := p.freed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-freed:
		}
	}
}

// Put returns a connection to the pool
func (p *ConnPool) Put(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Reap closes connections idle for longer than maxIdle, always keeping at least one
func (p *ConnPool) Reap(now time.Time, maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reaped := 0
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.total-reaped > 1 && now.Sub(c.LastUsed()) > maxIdle {
			c.Close()
			reaped++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.total -= reaped
	return reaped
}

// Stats returns the number of live and idle connections
func (p *ConnPool) Stats() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.idle)
}
