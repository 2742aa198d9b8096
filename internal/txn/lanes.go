package txn

import "sync"

// lanes hands out FIFO tickets per key. A holder runs once the previous
// holder of the same key has released.
type lanes struct {
	mu   sync.Mutex
	tail map[string]chan struct{}
}

func newLanes() *lanes {
	return &lanes{tail: make(map[string]chan struct{})}
}

var closedLane = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (l *lanes) reserve(key string) (wait <-chan struct{}, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.tail[key]
	if !ok {
		prev = closedLane
	}
	done := make(chan struct{})
	l.tail[key] = done

	var once sync.Once
	return prev, func() {
		once.Do(func() {
			l.mu.Lock()
			if l.tail[key] == done {
				delete(l.tail, key)
			}
			l.mu.Unlock()
			close(done)
		})
	}
}

func (l *lanes) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tail)
}
