package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gradnote/gradnote/internal/storage"
	"github.com/gradnote/gradnote/internal/submission"
)

type fakeBackend struct {
	mu           sync.Mutex
	calls        int
	err          error
	lastQuestion int64
	lastExisting []int64
	lastNew      []submission.NewKnowledgePoint
}

func (f *fakeBackend) SubmitConfirmedKnowledgePoints(ctx context.Context, questionID int64, existingIDs []int64, newPoints []submission.NewKnowledgePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQuestion = questionID
	f.lastExisting = existingIDs
	f.lastNew = newPoints
	return f.err
}

type nopNotifier struct{}

func (nopNotifier) Info(string) {}
func (nopNotifier) Success(string) {}
func (nopNotifier) Error(string) {}

var testMarks = submission.MarksResult{
	Existing: []submission.KnowledgePoint{
		{ID: 1, Item: "power rule"},
		{ID: 2, Item: "chain rule"},
	},
	New: []submission.NewKnowledgePoint{
		{Subject: "math", Item: "derivative notation"},
	},
}

func newTestManager(t *testing.T) (*Manager, *storage.Store, *fakeBackend) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend := &fakeBackend{}
	return New(store, backend, nopNotifier{}), store, backend
}

func seedReviewable(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	if err := store.CreateSubmission(submission.New(id, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := store.SetQuestionID(id, 7); err != nil {
		t.Fatal(err)
	}
	if err := store.SetStep(id, submission.StageKnowledgeMarks, submission.StepSuccess, testMarks, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.SetReviewStatus(id, submission.ReviewPending); err != nil {
		t.Fatal(err)
	}
}

func TestConfirmRejectExclusive(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedReviewable(t, store, "s1")
	key := submission.ExistingPointKey("s1", 1)

	if err := m.Confirm("s1", "1", submission.PointExisting); err != nil {
		t.Fatal(err)
	}
	if !m.IsConfirmed(key) || m.IsRejected(key) {
		t.Error("confirm state wrong")
	}

	if err := m.Reject("s1", "1", submission.PointExisting); err != nil {
		t.Fatal(err)
	}
	if m.IsConfirmed(key) || !m.IsRejected(key) {
		t.Error("reject did not supersede confirm")
	}

	if err := m.CancelReject("s1", "1", submission.PointExisting); err != nil {
		t.Fatal(err)
	}
	if m.IsConfirmed(key) || m.IsRejected(key) {
		t.Error("cancel-reject left a mark")
	}
}

func TestDecisionForUnknownSubmissionIsNoop(t *testing.T) {
	m, store, _ := newTestManager(t)

	if err := m.Confirm("ghost", "1", submission.PointExisting); err != nil {
		t.Fatalf("confirm on unknown submission: %v", err)
	}
	decisions, err := store.Decisions("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 0 {
		t.Error("decision recorded for unknown submission")
	}
}

func TestReviewTransitions(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedReviewable(t, store, "s1")

	if err := m.StartReview("s1"); err != nil {
		t.Fatalf("StartReview: %v", err)
	}
	sub, _ := store.GetSubmission("s1")
	if sub.ReviewStatus != submission.Reviewing {
		t.Errorf("status = %s", sub.ReviewStatus)
	}

	// Starting again from reviewing is rejected.
	if err := m.StartReview("s1"); err == nil {
		t.Error("StartReview from reviewing succeeded")
	}
	// Re-review requires reviewed.
	if err := m.StartReReview("s1"); err == nil {
		t.Error("StartReReview from reviewing succeeded")
	}
}

func TestSubmitSendsConfirmedSubset(t *testing.T) {
	m, store, backend := newTestManager(t)
	seedReviewable(t, store, "s1")

	m.Confirm("s1", "1", submission.PointExisting)
	m.Reject("s1", "2", submission.PointExisting)
	m.Confirm("s1", "derivative notation", submission.PointNew)

	if err := m.Submit(context.Background(), "s1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if backend.lastQuestion != 7 {
		t.Errorf("question id = %d", backend.lastQuestion)
	}
	if len(backend.lastExisting) != 1 || backend.lastExisting[0] != 1 {
		t.Errorf("existing = %v", backend.lastExisting)
	}
	if len(backend.lastNew) != 1 || backend.lastNew[0].Item != "derivative notation" {
		t.Errorf("new = %+v", backend.lastNew)
	}

	sub, _ := store.GetSubmission("s1")
	if sub.ReviewStatus != submission.Reviewed {
		t.Errorf("status = %s", sub.ReviewStatus)
	}
	if len(sub.ConfirmedKeys) != 2 {
		t.Errorf("confirmed keys = %+v", sub.ConfirmedKeys)
	}
}

func TestSubmitAppliesPointEdits(t *testing.T) {
	m, store, backend := newTestManager(t)
	seedReviewable(t, store, "s1")

	m.Confirm("s1", "derivative notation", submission.PointNew)
	edit := submission.NewKnowledgePoint{
		Subject: "math", Chapter: "calculus", Item: "derivative notation", Details: "Leibniz and Lagrange forms",
	}
	if err := m.Edit("s1", "derivative notation", submission.PointNew, edit); err != nil {
		t.Fatal(err)
	}

	if err := m.Submit(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	if len(backend.lastNew) != 1 {
		t.Fatalf("new = %+v", backend.lastNew)
	}
	if backend.lastNew[0].Details != "Leibniz and Lagrange forms" || backend.lastNew[0].Chapter != "calculus" {
		t.Errorf("edited point not applied: %+v", backend.lastNew[0])
	}
}

func TestSubmitFailureLeavesStatusUnchanged(t *testing.T) {
	m, store, backend := newTestManager(t)
	seedReviewable(t, store, "s1")
	backend.err = errors.New("backend down")

	m.Confirm("s1", "1", submission.PointExisting)

	if err := m.Submit(context.Background(), "s1"); err == nil {
		t.Fatal("Submit succeeded despite backend failure")
	}

	sub, _ := store.GetSubmission("s1")
	if sub.ReviewStatus != submission.ReviewPending {
		t.Errorf("status = %s after failed submit", sub.ReviewStatus)
	}
	if len(sub.ConfirmedKeys) != 0 {
		t.Errorf("confirmed keys recorded on failure: %+v", sub.ConfirmedKeys)
	}

	// A retry with the backend healthy sends the same payload and completes.
	backend.err = nil
	if err := m.Submit(context.Background(), "s1"); err != nil {
		t.Fatalf("retried Submit: %v", err)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d", backend.calls)
	}
	sub, _ = store.GetSubmission("s1")
	if sub.ReviewStatus != submission.Reviewed {
		t.Errorf("status = %s after retry", sub.ReviewStatus)
	}
}

func TestReReviewCycle(t *testing.T) {
	m, store, backend := newTestManager(t)
	seedReviewable(t, store, "s1")

	m.Confirm("s1", "1", submission.PointExisting)
	if err := m.Submit(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	if err := m.StartReReview("s1"); err != nil {
		t.Fatalf("StartReReview: %v", err)
	}
	// Earlier decisions persist into the new cycle.
	if !m.IsConfirmed(submission.ExistingPointKey("s1", 1)) {
		t.Error("confirmation lost across review cycles")
	}

	m.Confirm("s1", "2", submission.PointExisting)
	if err := m.Submit(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if len(backend.lastExisting) != 2 {
		t.Errorf("resubmission existing = %v", backend.lastExisting)
	}
}

func TestSubmissionsAwaitingReview(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedReviewable(t, store, "with-marks")

	// A submission whose extraction produced nothing never enters review.
	if err := store.CreateSubmission(submission.New("no-marks", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := store.SetStep("no-marks", submission.StageKnowledgeMarks, submission.StepSuccess, submission.MarksResult{}, ""); err != nil {
		t.Fatal(err)
	}

	subs, err := m.SubmissionsAwaitingReview()
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID != "with-marks" {
		t.Errorf("awaiting review = %+v", subs)
	}
}

func TestSubmitWithoutQuestionFails(t *testing.T) {
	m, store, backend := newTestManager(t)
	if err := store.CreateSubmission(submission.New("s1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := store.SetStep("s1", submission.StageKnowledgeMarks, submission.StepSuccess, testMarks, ""); err != nil {
		t.Fatal(err)
	}

	if err := m.Submit(context.Background(), "s1"); err == nil {
		t.Fatal("Submit succeeded without a linked question")
	}
	if backend.calls != 0 {
		t.Error("backend called without a question id")
	}
}
