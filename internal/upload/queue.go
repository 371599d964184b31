package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gradnote/gradnote/internal/submission"
)

// Runner is the pipeline entry point the queue feeds.
type Runner interface {
	Start(ctx context.Context, id string) error
}

// Store is the submission state the queue creates records in.
type Store interface {
	CreateSubmission(sub submission.Submission) error
	PutImage(id string, data []byte)
}

// Notifier delivers user-visible queue progress.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

// File is one uploaded image waiting in the queue.
type File struct {
	Name string
	Data []byte
}

// Counts is an aggregate progress snapshot.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Percent   int `json:"percent"`
}

// Queue serializes uploaded images into the pipeline one at a time. A
// single worker bounds the backend load from this process; a failing
// upload is reported and dropped so the rest of the queue keeps moving.
type Queue struct {
	store    Store
	runner   Runner
	notifier Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	items     []File
	total     int
	completed int
	inFlight  bool

	wake chan struct{}
}

// New creates a Queue feeding runner. Call Run to start the worker.
func New(store Store, runner Runner, notifier Notifier) *Queue {
	return &Queue{
		store:    store,
		runner:   runner,
		notifier: notifier,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends files to the FIFO and wakes the worker.
func (q *Queue) Enqueue(files ...File) {
	if len(files) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, files...)
	q.total += len(files)
	q.mu.Unlock()

	q.notifier.Info(fmt.Sprintf("added %d image(s) to the upload queue", len(files)))

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Counts returns the aggregate queue progress.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := Counts{Total: q.total, Completed: q.completed, Pending: len(q.items)}
	if q.inFlight {
		c.Pending++
	}
	if q.total > 0 {
		c.Percent = q.completed * 100 / q.total
	}
	return c
}

// Clear drops all waiting files and resets the progress counters. The
// in-flight file, if any, finishes normally.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.total = 0
	q.completed = 0
	q.mu.Unlock()
}

// Run processes the queue until ctx is cancelled. Files are handled
// strictly one at a time, in arrival order.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		q.drain(ctx)
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			total, completed := q.total, q.completed
			q.mu.Unlock()
			if total > 0 {
				q.notifier.Success(fmt.Sprintf("upload queue drained: %d of %d image(s) processed", completed, total))
			}
			return
		}
		next := q.items[0]
		q.items = q.items[1:]
		q.inFlight = true
		q.mu.Unlock()

		err := q.process(ctx, next)

		q.mu.Lock()
		q.inFlight = false
		if err == nil {
			q.completed++
		}
		completed, total := q.completed, q.total
		q.mu.Unlock()

		if err != nil {
			q.logger.Warn("upload failed", "file", next.Name, "error", err)
			q.notifier.Error(fmt.Sprintf("image %q failed: %v", next.Name, err))
		} else {
			q.notifier.Info(fmt.Sprintf("processed %d of %d image(s)", completed, total))
		}
	}
}

// process creates the submission record, caches the image bytes for the
// session, and hands the submission to the pipeline. The returned error is
// the pipeline's entry-stage error; everything else is already recorded in
// the store.
func (q *Queue) process(ctx context.Context, f File) error {
	id := uuid.New().String()
	if err := q.store.CreateSubmission(submission.New(id, time.Now().UTC())); err != nil {
		return fmt.Errorf("creating submission: %w", err)
	}
	q.store.PutImage(id, f.Data)
	return q.runner.Start(ctx, id)
}
