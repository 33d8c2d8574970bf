package invoker

import (
	"context"
	"fmt"
	"sync"
)

// Func consumes a payload delivered by Local.
type Func func(ctx context.Context, payload []byte)

// Local runs each invocation on its own goroutine in this process.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Func
	wg       sync.WaitGroup
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]Func)}
}

// Register binds fn to target, replacing any previous binding.
func (l *Local) Register(target string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[target] = fn
}

func (l *Local) Invoke(ctx context.Context, target string, payload []byte) error {
	l.mu.RLock()
	fn, ok := l.handlers[target]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("invoker: no local handler for %q", target)
	}

	buf := append([]byte(nil), payload...)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(context.WithoutCancel(ctx), buf)
	}()
	return nil
}

// Wait blocks until every invocation started so far has returned.
func (l *Local) Wait() {
	l.wg.Wait()
}
