// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler provides the process-wide bounded worker pool.
// Requests are executed by a fixed number of workers over a bounded
// queue; overflow is rejected immediately so callers can shed load
// instead of stacking goroutines.
package scheduler

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/config"
)

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = errors.New("scheduler queue full")

// ErrShutdown is returned by Submit after Shutdown was called.
var ErrShutdown = errors.New("scheduler shut down")

// Task is one unit of work. The context is the pool's lifecycle context;
// it is cancelled on Shutdown.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool over a bounded queue.
type Pool struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts the pool's workers.
func New(cfg config.SchedulerConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	log.WithField("workers", workers).
		WithField("queue", queueSize).
		Debug("scheduler started")
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(p.ctx)
	}
}

// Submit queues a task. It never blocks: a full queue fails with
// ErrQueueFull so the caller can return a backpressure error upstream.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	select {
	case p.tasks <- task:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Run submits the task and blocks until it finishes or the caller's
// context is done. Queue overflow is reported immediately.
func (p *Pool) Run(ctx context.Context, task Task) error {
	done := make(chan struct{})
	err := p.Submit(func(poolCtx context.Context) {
		defer close(done)
		task(poolCtx)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, cancels the lifecycle context and waits for
// in-flight tasks.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	log.Debug("scheduler stopped")
}
