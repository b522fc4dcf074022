package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 2, QueueSize: 8})
	p.Start()
	defer p.Stop()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 0})
	p.Start()
	defer p.Stop()

	release := make(chan struct{})
	if err := p.Submit(context.Background(), func() { <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected backpressure until deadline, got %v", err)
	}
	close(release)
}

func TestPool_StopDrainsQueue(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 4})
	p.Start()

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		if err := p.Submit(context.Background(), func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Stop()

	if got := ran.Load(); got != 4 {
		t.Fatalf("ran %d jobs, want 4", got)
	}
	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrPoolStopped", err)
	}
}

func TestPool_SurvivesPanic(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1})
	p.Start()
	defer p.Stop()

	_ = p.Submit(context.Background(), func() { panic("boom") })

	done := make(chan struct{})
	if err := p.Submit(context.Background(), func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
}
