package notify

import (
	"context"
	"sync"
)

// Local wakes subscribers in the same process.
type Local struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan struct{}]struct{})}
}

// Notify never blocks; pending wake-ups coalesce into one.
func (l *Local) Notify(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch, nil
	}
	l.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		l.unsubscribe(ch)
	}()
	return ch, nil
}

func (l *Local) unsubscribe(ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}
