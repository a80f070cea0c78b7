package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

// lanes runs queued work one item at a time per key. Different keys run
// concurrently; a key's goroutine exits once its queue is empty.
type lanes struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

func newLanes(log *zap.SugaredLogger) *lanes {
	return &lanes{queues: map[string][]func(){}, log: log}
}

func (l *lanes) Go(key string, fn func()) {
	l.mu.Lock()
	q, running := l.queues[key]
	l.queues[key] = append(q, fn)
	if !running {
		l.wg.Add(1)
		go l.run(key)
	}
	l.mu.Unlock()
}

// Sync queues fn and waits for it to finish.
func (l *lanes) Sync(key string, fn func()) {
	done := make(chan struct{})
	l.Go(key, func() {
		defer close(done)
		fn()
	})
	<-done
}

func (l *lanes) Wait() {
	l.wg.Wait()
}

func (l *lanes) run(key string) {
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
		q[0] = nil
		l.queues[key] = q[1:]
		l.mu.Unlock()
		l.call(key, fn)
	}
}

func (l *lanes) call(key string, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			l.log.Errorw("lane panic", "chat", key, "err", err)
		}
	}()
	fn()
}
