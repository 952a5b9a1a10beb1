// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/config"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(config.SchedulerConfig{Workers: 4, QueueSize: 16})
	defer p.Shutdown()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(context.Context) {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestPool_OverflowRejected(t *testing.T) {
	p := New(config.SchedulerConfig{Workers: 1, QueueSize: 1})
	defer p.Shutdown()

	// Occupy the single worker, then fill the queue.
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit(func(context.Context) {}))

	err := p.Submit(func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestPool_RunBlocksUntilDone(t *testing.T) {
	p := New(config.SchedulerConfig{Workers: 2, QueueSize: 4})
	defer p.Shutdown()

	ran := false
	err := p.Run(context.Background(), func(context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran = true
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPool_RunHonorsCallerContext(t *testing.T) {
	p := New(config.SchedulerConfig{Workers: 1, QueueSize: 4})
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	err := p.Run(ctx, func(context.Context) { <-release })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_ShutdownRejectsAndCancels(t *testing.T) {
	p := New(config.SchedulerConfig{Workers: 1, QueueSize: 4})

	var sawCancel atomic.Bool
	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		defer close(done)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(2 * time.Second):
		}
	}))

	go p.Shutdown()
	<-done
	assert.True(t, sawCancel.Load(), "in-flight task sees the lifecycle context cancelled")

	// Shutdown is idempotent and intake stays closed.
	p.Shutdown()
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrShutdown)
}
