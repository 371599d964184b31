package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gradnote/gradnote/internal/submission"
)

type fakeStore struct {
	mu      sync.Mutex
	created []string
	images  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{images: make(map[string][]byte)}
}

func (f *fakeStore) CreateSubmission(sub submission.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sub.ID)
	return nil
}

func (f *fakeStore) PutImage(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[id] = data
}

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	failFor map[int]error // call index (1-based) -> error
	calls   int
	done    chan struct{}
}

func newFakeRunner(expected int) *fakeRunner {
	return &fakeRunner{failFor: make(map[int]error), done: make(chan struct{}, expected)}
}

func (f *fakeRunner) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.started = append(f.started, id)
	err := f.failFor[call]
	f.mu.Unlock()
	f.done <- struct{}{}
	return err
}

type nopNotifier struct{}

func (nopNotifier) Info(string) {}
func (nopNotifier) Success(string) {}
func (nopNotifier) Error(string) {}

func waitFor(t *testing.T, runner *fakeRunner, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-runner.done:
		case <-deadline:
			t.Fatalf("timed out waiting for %d pipeline starts", n)
		}
	}
}

func waitForCounts(t *testing.T, q *Queue, want Counts) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q.Counts() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counts = %+v, want %+v", q.Counts(), want)
}

func TestQueueProcessesSequentially(t *testing.T) {
	store := newFakeStore()
	runner := newFakeRunner(3)
	q := New(store, runner, nopNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(
		File{Name: "a.png", Data: []byte("a")},
		File{Name: "b.png", Data: []byte("b")},
		File{Name: "c.png", Data: []byte("c")},
	)

	waitFor(t, runner, 3)
	waitForCounts(t, q, Counts{Total: 3, Completed: 3, Pending: 0, Percent: 100})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.created) != 3 {
		t.Fatalf("created %d submissions", len(store.created))
	}
	seen := map[string]bool{}
	for _, id := range store.created {
		if seen[id] {
			t.Errorf("duplicate submission id %s", id)
		}
		seen[id] = true
		if _, ok := store.images[id]; !ok {
			t.Errorf("no image cached for %s", id)
		}
	}

	// The runner saw the submissions in creation order.
	runner.mu.Lock()
	defer runner.mu.Unlock()
	for i, id := range runner.started {
		if id != store.created[i] {
			t.Errorf("started[%d] = %s, created[%d] = %s", i, id, i, store.created[i])
		}
	}
}

func TestQueueSurvivesFailures(t *testing.T) {
	store := newFakeStore()
	runner := newFakeRunner(3)
	runner.failFor[2] = errors.New("ocr failed")
	q := New(store, runner, nopNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(
		File{Name: "a.png", Data: []byte("a")},
		File{Name: "b.png", Data: []byte("b")},
		File{Name: "c.png", Data: []byte("c")},
	)

	waitFor(t, runner, 3)
	// The failed upload is dropped, not retried, and the queue keeps moving.
	waitForCounts(t, q, Counts{Total: 3, Completed: 2, Pending: 0, Percent: 66})
}

func TestQueueCountsWhileIdle(t *testing.T) {
	q := New(newFakeStore(), newFakeRunner(0), nopNotifier{})
	if got := q.Counts(); got != (Counts{}) {
		t.Errorf("idle counts = %+v", got)
	}
}

func TestQueueClearDropsWaitingFiles(t *testing.T) {
	store := newFakeStore()
	runner := newFakeRunner(8)
	q := New(store, runner, nopNotifier{})

	// No worker running: enqueued files stay waiting.
	q.Enqueue(File{Name: "a.png"}, File{Name: "b.png"})
	if got := q.Counts(); got.Pending != 2 || got.Total != 2 {
		t.Fatalf("counts = %+v", got)
	}

	q.Clear()
	if got := q.Counts(); got != (Counts{}) {
		t.Fatalf("counts after clear = %+v", got)
	}

	// A cleared queue accepts new work.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(File{Name: "c.png", Data: []byte("c")})
	waitFor(t, runner, 1)
	waitForCounts(t, q, Counts{Total: 1, Completed: 1, Pending: 0, Percent: 100})
}
