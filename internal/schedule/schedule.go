// Package schedule runs named jobs on a deadline queue with a fixed number
// of worker goroutines. Each job returns the time it next wants to run;
// returning the zero time retires it.
package schedule

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Job is one unit of scheduled work. It returns its next due time, or the
// zero time to leave the schedule.
type Job func(ctx context.Context) time.Time

// Scheduler dispatches jobs in due-time order. Adding a job while a worker
// is waiting wakes the worker, so earlier due times take effect immediately.
type Scheduler struct {
	mu      sync.Mutex
	queue   []*entry
	entries map[string]*entry
	wake    chan struct{}
}

type entry struct {
	name  string
	job   Job
	due   time.Time
	rerun bool
}

// New starts a scheduler with the given number of workers.
func New(workers int) *Scheduler {
	s := Scheduler{entries: make(map[string]*entry)}

	for range workers {
		go s.work()
	}

	return &s
}

// Add schedules the named job to run immediately and then at whatever due
// times the job returns.
func (s *Scheduler) Add(name string, job Job) {
	s.push(&entry{name: name, job: job, due: time.Now()})
}

// Trigger runs the named job as soon as a worker is free. A queued job is
// pulled to the front of the queue; a job currently executing is marked for
// an immediate re-run instead. Later runs go back to the due times the job
// returns.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.IndexFunc(s.queue, func(e *entry) bool { return e.name == name }); i != -1 {
		s.queue[i].due = time.Now()
		s.sortAndWake()
		return nil
	}
	// Not queued but registered: the job is executing right now.
	if e, ok := s.entries[name]; ok {
		e.rerun = true
		return nil
	}

	return fmt.Errorf("no job named %s", name)
}

func (s *Scheduler) work() {
	for {
		e := s.next()
		e.due = e.job(context.Background())
		s.push(e)
	}
}

func (s *Scheduler) push(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A trigger that arrived mid-run forces an immediate re-run, even when
	// the job just asked to be retired.
	if e.rerun {
		e.rerun = false
		e.due = time.Now()
	}

	if e.due.IsZero() {
		// The job asked to be retired.
		delete(s.entries, e.name)
		return
	}

	s.entries[e.name] = e
	s.queue = append(s.queue, e)
	s.sortAndWake()
}

// sortAndWake must be called with s.mu held.
func (s *Scheduler) sortAndWake() {
	slices.SortFunc(s.queue, func(a, b *entry) int {
		return a.due.Compare(b.due)
	})

	if s.wake != nil {
		close(s.wake)
		s.wake = nil
	}
}

// next blocks until the earliest queued entry comes due and removes it from
// the queue.
func (s *Scheduler) next() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		var head *entry
		if len(s.queue) == 0 {
			// Nothing queued: park on a far-future due time until woken.
			head = &entry{due: time.Now().Add(24 * 365 * time.Hour)}
		} else {
			head = s.queue[0]
		}

		if head.due.After(time.Now()) {
			if s.wake == nil {
				s.wake = make(chan struct{})
			}
			wake := s.wake

			s.mu.Unlock()
			select {
			case <-time.After(time.Until(head.due)):
			case <-wake:
			}
			s.mu.Lock()
			continue
		}

		break
	}

	var e *entry
	e, s.queue = s.queue[0], s.queue[1:]
	return e
}
