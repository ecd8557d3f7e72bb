package transcode

import (
	"context"
	"fmt"
	"sync"
)

// Pool bounds the number of concurrently running transcoder processes
type Pool struct {
	maxProcesses int
	semaphore    chan struct{}
	active       int
	mu           sync.Mutex
}

// NewPool creates a pool allowing maxProcesses concurrent processes
func NewPool(maxProcesses int) *Pool {
	if maxProcesses <= 0 {
		maxProcesses = 1
	}

	return &Pool{
		maxProcesses: maxProcesses,
		semaphore:    make(chan struct{}, maxProcesses),
	}
}

// Acquire blocks until a process slot is available
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.semaphore <- struct{}{}:
		p.mu.Lock()
		p.active++
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool acquire cancelled: %w", ctx.Err())
	}
}

// Release frees a process slot
func (p *Pool) Release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	<-p.semaphore
}

// Active returns the number of running processes
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Max returns the maximum number of concurrent processes
func (p *Pool) Max() int {
	return p.maxProcesses
}
