package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestHandlesInOrderAndSurvivesErrors(t *testing.T) {
	in := make(chan int)
	var (
		got     []int
		stopped atomic.Bool
	)
	l := New(in, func(v int) error {
		got = append(got, v)
		if v == 2 {
			return errors.New("boom")
		}
		return nil
	}, func() { stopped.Store(true) }).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	l.Start(context.Background())
	for i := 1; i <= 4; i++ {
		in <- i
	}
	l.Stop()

	if len(got) != 4 {
		t.Fatalf("handled %v, want 1..4", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("handled %v out of order", got)
		}
	}
	if !stopped.Load() {
		t.Fatalf("stop handler not called")
	}
}

func TestStopsOnClosedInput(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })
	l.Start(context.Background())
	close(in)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestStopsOnContextCancel(t *testing.T) {
	in := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	l := New(in, func(int) error { return nil })
	l.Start(ctx)
	cancel()
	l.wg.Wait()
}
