package local

import "sync"

type task func()

// pool runs execution attempts on a fixed set of workers, bounding how many
// components run concurrently just like a real batch system's slots.
// Shutdown goes through a done channel rather than closing the task channel
// because submissions race with shutdown; a post-shutdown submit is simply
// dropped.
type pool struct {
	tasks chan task
	done  chan struct{}
	wg    sync.WaitGroup
}

func newPool(workers int) *pool {
	p := &pool{
		tasks: make(chan task, workers),
		done:  make(chan struct{}),
	}
	for range workers {
		p.wg.Go(p.worker)
	}
	return p
}

func (p *pool) worker() {
	for {
		select {
		case <-p.done:
			return
		case t := <-p.tasks:
			t()
		}
	}
}

func (p *pool) submit(t task) {
	select {
	case <-p.done:
	case p.tasks <- t:
	}
}

func (p *pool) close() {
	close(p.done)
	p.wg.Wait()
}
