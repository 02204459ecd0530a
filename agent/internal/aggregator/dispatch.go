package aggregator

import (
	"context"
	"log/slog"
	"sync"
)

// dispatcher runs sends on its own goroutine, one at a time, in submission
// order. submit never blocks.
type dispatcher struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	idle    chan struct{} // closed when the worker exits
}

func (d *dispatcher) submit(job func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	if d.running {
		return
	}
	d.running = true
	d.idle = make(chan struct{})
	go d.run(d.idle)
}

func (d *dispatcher) run(idle chan struct{}) {
	for {
		d.mu.Lock()
		if len(d.jobs) == 0 {
			d.running = false
			d.mu.Unlock()
			close(idle)
			return
		}
		job := d.jobs[0]
		d.jobs[0] = nil
		d.jobs = d.jobs[1:]
		d.mu.Unlock()

		runJob(job)
	}
}

func runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("aggregator: recovered panic in send", "panic", r)
		}
	}()
	job()
}

// wait blocks until no job is queued or running, or ctx is done.
func (d *dispatcher) wait(ctx context.Context) error {
	for {
		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			return nil
		}
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
