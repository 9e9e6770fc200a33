package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/andreyvit/tabdb"
	"github.com/cespare/xxhash/v2"
)

var ErrQueueClosed = errors.New("calc: queue closed")

// Unit is one serialized piece of work. It may submit follow-up units with
// job.Submit, but must not wait for them.
type Unit func(job *Job) (*tabdb.Frame, error)

// Queue runs units one at a time per key. Keys are spread across a fixed set
// of shards; each shard drains its FIFO on a single goroutine, so two units
// with the same key never overlap and run in submission order.
type Queue struct {
	logger  *slog.Logger
	verbose bool
	shards  []*shard
	wg      sync.WaitGroup

	mu      sync.Mutex
	closing bool

	// counts accepted jobs that have not finished yet
	inflight sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	pending []*Job
	wake    chan struct{}
	closed  bool
}

func NewQueue(shards int, logger *slog.Logger, verbose bool) *Queue {
	if shards <= 0 {
		shards = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{logger: logger, verbose: verbose}
	for range shards {
		sh := &shard{wake: make(chan struct{}, 1)}
		q.shards = append(q.shards, sh)
		q.wg.Add(1)
		go q.run(sh)
	}
	return q
}

func (q *Queue) shardFor(key string) *shard {
	return q.shards[xxhash.Sum64String(key)%uint64(len(q.shards))]
}

// Submit appends a unit to the key's shard. It never blocks on the unit.
// Once Close has been called, the job fails with ErrQueueClosed.
func (q *Queue) Submit(key, name string, unit Unit) *Job {
	job := q.newJob(key, name, unit)
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		job.finish(nil, ErrQueueClosed)
		return job
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	q.enqueue(job)
	return job
}

func (q *Queue) isClosing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}

func (q *Queue) newJob(key, name string, unit Unit) *Job {
	return &Job{Key: key, Name: name, q: q, unit: unit, done: make(chan struct{})}
}

// enqueue hands an accepted job to its shard. The caller has already
// counted it in q.inflight.
func (q *Queue) enqueue(job *Job) {
	sh := q.shardFor(job.Key)
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		job.finish(nil, ErrQueueClosed)
		q.inflight.Done()
		return
	}
	sh.pending = append(sh.pending, job)
	sh.mu.Unlock()
	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(sh *shard) {
	defer q.wg.Done()
	for {
		sh.mu.Lock()
		if len(sh.pending) == 0 {
			closed := sh.closed
			sh.mu.Unlock()
			if closed {
				return
			}
			<-sh.wake
			continue
		}
		job := sh.pending[0]
		sh.pending[0] = nil
		sh.pending = sh.pending[1:]
		sh.mu.Unlock()

		q.exec(job)
	}
}

func (q *Queue) exec(job *Job) {
	start := time.Now()
	result, err := safelyRun(job)
	if err != nil {
		q.logger.LogAttrs(context.Background(), slog.LevelWarn, "calc: unit failed", slog.String("key", job.Key), slog.String("unit", job.Name), slog.Any("err", err))
	} else if q.verbose {
		q.logger.LogAttrs(context.Background(), slog.LevelDebug, "calc: unit done", slog.String("key", job.Key), slog.String("unit", job.Name), slog.Duration("elapsed", time.Since(start)))
	}
	job.finish(result, err)
	q.inflight.Done()
}

func safelyRun(job *Job) (result *tabdb.Frame, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("calc: %s panicked: %v\n%s", job.Name, p, debug.Stack())
		}
	}()
	return job.unit(job)
}

// Close stops accepting units from outside, runs everything already queued
// together with the follow-ups those units submit through Job.Submit, and
// waits for the shards to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.inflight.Wait()

	for _, sh := range q.shards {
		sh.mu.Lock()
		sh.closed = true
		sh.mu.Unlock()
		select {
		case sh.wake <- struct{}{}:
		default:
		}
	}
	q.wg.Wait()
}

// Job tracks a submitted unit.
type Job struct {
	Key  string
	Name string

	q      *Queue
	unit   Unit
	done   chan struct{}
	result *tabdb.Frame
	err    error

	mu        sync.Mutex
	followups []*Job
}

func (j *Job) finish(result *tabdb.Frame, err error) {
	j.result, j.err = result, err
	close(j.done)
}

// Submit schedules a follow-up unit from inside j's own unit and attaches it
// to j. Follow-ups are accepted while the queue is closing, so Close still
// runs them.
func (j *Job) Submit(key, name string, unit Unit) *Job {
	var child *Job
	select {
	case <-j.done:
		child = j.q.Submit(key, name, unit)
	default:
		// j is still counted as in flight, so Close cannot have finished
		child = j.q.newJob(key, name, unit)
		j.q.inflight.Add(1)
		j.q.enqueue(child)
	}
	j.Follow(child)
	return child
}

// Follow attaches a unit submitted while j runs; Wait on j also waits for it.
func (j *Job) Follow(child *Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.followups = append(j.followups, child)
}

// Done is closed once the unit itself has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the unit and all of its follow-ups finish, and returns
// their errors joined. Never call it from inside a unit on the same key.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	j.mu.Lock()
	followups := j.followups
	j.mu.Unlock()

	errs := []error{j.err}
	for _, child := range followups {
		if err := child.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", child.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Result is the frame produced by the unit itself, valid after Done.
func (j *Job) Result() *tabdb.Frame {
	select {
	case <-j.done:
		return j.result
	default:
		return nil
	}
}

// Followups returns the follow-up jobs attached so far.
func (j *Job) Followups() []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Job(nil), j.followups...)
}
