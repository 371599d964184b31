package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gradnote/gradnote/internal/storage"
	"github.com/gradnote/gradnote/internal/submission"
)

// Store is the durable state the review machine owns: the decision rows
// plus the review-status field on the submission. Every mutation is
// written through immediately, since a review session may span several
// visits.
type Store interface {
	GetSubmission(id string) (submission.Submission, error)
	ListSubmissions() ([]submission.Submission, error)
	SetReviewStatus(id string, rs submission.ReviewStatus) error
	SetConfirmedKeys(id string, keys []submission.ReviewPointKey) error
	Confirm(key submission.ReviewPointKey) error
	Reject(key submission.ReviewPointKey) error
	CancelConfirm(key submission.ReviewPointKey) error
	CancelReject(key submission.ReviewPointKey) error
	SetPointEdit(key submission.ReviewPointKey, fields submission.NewKnowledgePoint) error
	GetDecision(key submission.ReviewPointKey) (submission.ReviewDecision, error)
	Decisions(submissionID string) ([]submission.ReviewDecision, error)
}

// Backend submits the reviewed batch.
type Backend interface {
	SubmitConfirmedKnowledgePoints(ctx context.Context, questionID int64, existingIDs []int64, newPoints []submission.NewKnowledgePoint) error
}

// Notifier delivers user-visible review feedback.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

// Manager collects human judgments on the knowledge points a pipeline
// proposed and submits the approved subset in one batch.
type Manager struct {
	store    Store
	backend  Backend
	notifier Notifier
	logger   *slog.Logger
}

// New creates a Manager.
func New(store Store, backend Backend, notifier Notifier) *Manager {
	return &Manager{store: store, backend: backend, notifier: notifier, logger: slog.Default()}
}

// Confirm marks a point approved, clearing any prior rejection for the
// same key. Idempotent; unknown submissions are a logged no-op.
func (m *Manager) Confirm(submissionID, pointKey string, kind submission.PointKind) error {
	if !m.exists(submissionID) {
		return nil
	}
	return m.store.Confirm(submission.ReviewPointKey{SubmissionID: submissionID, PointKey: pointKey, Kind: kind})
}

// Reject marks a point declined, clearing any prior confirmation for the
// same key. Idempotent.
func (m *Manager) Reject(submissionID, pointKey string, kind submission.PointKind) error {
	if !m.exists(submissionID) {
		return nil
	}
	return m.store.Reject(submission.ReviewPointKey{SubmissionID: submissionID, PointKey: pointKey, Kind: kind})
}

// CancelConfirm clears a confirmation without setting a rejection.
func (m *Manager) CancelConfirm(submissionID, pointKey string, kind submission.PointKind) error {
	if !m.exists(submissionID) {
		return nil
	}
	return m.store.CancelConfirm(submission.ReviewPointKey{SubmissionID: submissionID, PointKey: pointKey, Kind: kind})
}

// CancelReject clears a rejection without setting a confirmation.
func (m *Manager) CancelReject(submissionID, pointKey string, kind submission.PointKind) error {
	if !m.exists(submissionID) {
		return nil
	}
	return m.store.CancelReject(submission.ReviewPointKey{SubmissionID: submissionID, PointKey: pointKey, Kind: kind})
}

// Edit updates the attributes of a not-yet-submitted point. The
// confirmation state of the point is untouched.
func (m *Manager) Edit(submissionID, pointKey string, kind submission.PointKind, fields submission.NewKnowledgePoint) error {
	if !m.exists(submissionID) {
		return nil
	}
	return m.store.SetPointEdit(submission.ReviewPointKey{SubmissionID: submissionID, PointKey: pointKey, Kind: kind}, fields)
}

// IsConfirmed reports whether the point currently carries a confirmation.
func (m *Manager) IsConfirmed(key submission.ReviewPointKey) bool {
	d, err := m.store.GetDecision(key)
	if err != nil {
		return false
	}
	return d.Confirmed
}

// IsRejected reports whether the point currently carries a rejection.
func (m *Manager) IsRejected(key submission.ReviewPointKey) bool {
	d, err := m.store.GetDecision(key)
	if err != nil {
		return false
	}
	return d.Rejected
}

// Decisions returns every recorded decision for a submission.
func (m *Manager) Decisions(submissionID string) ([]submission.ReviewDecision, error) {
	return m.store.Decisions(submissionID)
}

// StartReview moves a submission from pending-review into reviewing.
func (m *Manager) StartReview(submissionID string) error {
	return m.transition(submissionID, submission.ReviewPending, submission.Reviewing)
}

// StartReReview reopens an already reviewed submission for another
// editing cycle.
func (m *Manager) StartReReview(submissionID string) error {
	return m.transition(submissionID, submission.Reviewed, submission.Reviewing)
}

func (m *Manager) transition(submissionID string, from, to submission.ReviewStatus) error {
	sub, err := m.store.GetSubmission(submissionID)
	if err != nil {
		return fmt.Errorf("loading submission %s: %w", submissionID, err)
	}
	if sub.ReviewStatus != from {
		return fmt.Errorf("submission %s is %s, expected %s", submissionID, sub.ReviewStatus, from)
	}
	return m.store.SetReviewStatus(submissionID, to)
}

// SubmissionsAwaitingReview returns the submissions whose extraction stage
// produced at least one knowledge point to judge.
func (m *Manager) SubmissionsAwaitingReview() ([]submission.Submission, error) {
	subs, err := m.store.ListSubmissions()
	if err != nil {
		return nil, err
	}
	var out []submission.Submission
	for _, s := range subs {
		if s.Data.Marks != nil && !s.Data.Marks.Empty() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Submit computes the final payload (confirmed existing point ids plus
// confirmed new points with their possibly edited attributes) and sends
// it as one all-or-nothing batch. Only a successful call moves the
// submission to reviewed; a failure leaves the status unchanged so the
// user can retry. With unchanged decisions, repeated calls send the same
// payload.
func (m *Manager) Submit(ctx context.Context, submissionID string) error {
	sub, err := m.store.GetSubmission(submissionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.notifier.Error("cannot find the submission to review")
			return fmt.Errorf("submission %s: %w", submissionID, err)
		}
		return err
	}
	if sub.QuestionID == nil {
		m.notifier.Error("submission has no linked question yet")
		return fmt.Errorf("submission %s has no question id", submissionID)
	}
	if sub.Data.Marks == nil {
		return fmt.Errorf("submission %s has no extracted knowledge points", submissionID)
	}

	decisions, err := m.store.Decisions(submissionID)
	if err != nil {
		return fmt.Errorf("loading review decisions: %w", err)
	}
	byKey := make(map[submission.ReviewPointKey]submission.ReviewDecision, len(decisions))
	for _, d := range decisions {
		byKey[d.Key] = d
	}

	var (
		existingIDs []int64
		newPoints   []submission.NewKnowledgePoint
		confirmed   []submission.ReviewPointKey
	)
	for _, p := range sub.Data.Marks.Existing {
		key := submission.ExistingPointKey(submissionID, p.ID)
		if byKey[key].Confirmed {
			existingIDs = append(existingIDs, p.ID)
			confirmed = append(confirmed, key)
		}
	}
	for _, p := range sub.Data.Marks.New {
		key := submission.NewPointKey(submissionID, p.Item)
		d := byKey[key]
		if !d.Confirmed {
			continue
		}
		point := p
		if d.Edited != nil {
			point = *d.Edited
		}
		newPoints = append(newPoints, point)
		confirmed = append(confirmed, key)
	}

	if err := m.backend.SubmitConfirmedKnowledgePoints(ctx, *sub.QuestionID, existingIDs, newPoints); err != nil {
		m.notifier.Error(fmt.Sprintf("submitting knowledge points failed: %v", err))
		return err
	}

	if err := m.store.SetConfirmedKeys(submissionID, confirmed); err != nil {
		return fmt.Errorf("recording confirmed keys: %w", err)
	}
	if err := m.store.SetReviewStatus(submissionID, submission.Reviewed); err != nil {
		return fmt.Errorf("recording review status: %w", err)
	}

	m.notifier.Success("knowledge points submitted")
	return nil
}

func (m *Manager) exists(submissionID string) bool {
	if _, err := m.store.GetSubmission(submissionID); err != nil {
		// Stale reference from the caller; log and ignore.
		m.logger.Warn("review operation for unknown submission", "submission_id", submissionID)
		return false
	}
	return true
}
