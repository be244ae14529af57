package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener drains a channel on one goroutine, so handlers never run
// concurrently. A failing handler is logged and the loop goes on.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	logger      *slog.Logger

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger handler errors go to.
func (l *Listener[T]) WithLogger(logger *slog.Logger) *Listener[T] {
	l.logger = logger
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(inp); err != nil {
					l.logger.Warn("failed to handle input", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
