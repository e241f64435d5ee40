// ABOUTME: Per-conversation work queues for incoming messages
// ABOUTME: Keeps one conversation's messages ordered without blocking others

package matrix

import "sync"

// lanes runs submitted work in order per key, one goroutine per busy key.
type lanes struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newLanes() *lanes {
	return &lanes{queues: make(map[string][]func())}
}

func (l *lanes) submit(key string, fn func()) {
	l.mu.Lock()
	q, busy := l.queues[key]
	l.queues[key] = append(q, fn)
	l.mu.Unlock()
	if busy {
		return
	}
	l.wg.Add(1)
	go l.drain(key)
}

func (l *lanes) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		fn := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()
		fn()
	}
}

// wait blocks until all submitted work has run.
func (l *lanes) wait() { l.wg.Wait() }
