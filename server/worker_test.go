package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chazu/lem/heap"
)

func TestPoolWorker_Do(t *testing.T) {
	w := NewPoolWorker(newTestPool())
	defer w.Stop()

	v, err := w.Do(t.Context(), func(p *heap.Pool) (any, error) {
		return p.Allocate([]uint32{1, 2, 3}), nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if _, ok := v.(heap.Handle); !ok {
		t.Fatalf("Do returned %T, want heap.Handle", v)
	}
	if w.Pool().Len() != 1 {
		t.Errorf("pool has %d blocks, want 1", w.Pool().Len())
	}
}

func TestPoolWorker_Serializes(t *testing.T) {
	w := NewPoolWorker(newTestPool())
	defer w.Stop()

	var (
		mu      sync.Mutex
		running int
		overlap bool
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Do(context.Background(), func(*heap.Pool) (any, error) {
				mu.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("requests ran concurrently")
	}
}

func TestPoolWorker_RecoversPanic(t *testing.T) {
	w := NewPoolWorker(newTestPool())
	defer w.Stop()

	_, err := w.Do(t.Context(), func(*heap.Pool) (any, error) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want panic error", err)
	}

	v, err := w.Do(t.Context(), func(*heap.Pool) (any, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("worker unusable after panic: %v, %v", v, err)
	}
}

func TestPoolWorker_ContextCanceled(t *testing.T) {
	w := NewPoolWorker(newTestPool())
	defer w.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	go w.Do(context.Background(), func(*heap.Pool) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	defer close(release)
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err := w.Do(ctx, func(*heap.Pool) (any, error) { return nil, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestPoolWorker_Stop(t *testing.T) {
	w := NewPoolWorker(newTestPool())
	w.Stop()
	w.Stop()

	_, err := w.Do(t.Context(), func(*heap.Pool) (any, error) { return nil, nil })
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("err = %v, want ErrWorkerStopped", err)
	}
}
