package pipeline

import "sync"

// executor is the pluggable concurrency strategy for generation work.
// serialExecutor issues calls strictly one after another; pooledExecutor
// allows several to be in flight, bounded by its worker count. The
// scheduler is agnostic to which is active.
type executor interface {
	submit(task func())
	close()
}

type serialExecutor struct {
	mu     sync.Mutex
	queue  chan func()
	closed bool
	done   chan struct{}
}

// newSerialExecutor queues up to capacity tasks. Callers size capacity to
// the most tasks they can have outstanding at once; submit must never
// block, because tasks themselves submit follow-up work.
func newSerialExecutor(capacity int) *serialExecutor {
	if capacity < 1 {
		capacity = 1
	}
	e := &serialExecutor{
		queue: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for task := range e.queue {
			task()
		}
	}()
	return e
}

func (e *serialExecutor) submit(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue <- task
}

func (e *serialExecutor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	<-e.done
}

type pooledExecutor struct {
	mu     sync.Mutex
	queue  chan func()
	closed bool
	wg     sync.WaitGroup
}

func newPooledExecutor(workers, capacity int) *pooledExecutor {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	e := &pooledExecutor{
		queue: make(chan func(), capacity),
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer e.wg.Done()
			for task := range e.queue {
				task()
			}
		}()
	}
	return e
}

func (e *pooledExecutor) submit(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue <- task
}

func (e *pooledExecutor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}
