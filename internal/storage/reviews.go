package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gradnote/gradnote/internal/submission"
)

// Confirm marks the point approved and clears any prior rejection for the
// same key. Idempotent.
func (s *Store) Confirm(key submission.ReviewPointKey) error {
	return s.upsertDecision(key, 1, 0)
}

// Reject marks the point declined and clears any prior confirmation for
// the same key. Idempotent.
func (s *Store) Reject(key submission.ReviewPointKey) error {
	return s.upsertDecision(key, 0, 1)
}

func (s *Store) upsertDecision(key submission.ReviewPointKey, confirmed, rejected int) error {
	_, err := s.db.Exec(`
		INSERT INTO review_decisions (submission_id, point_key, kind, confirmed, rejected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(submission_id, point_key, kind)
		DO UPDATE SET confirmed = excluded.confirmed, rejected = excluded.rejected, updated_at = excluded.updated_at`,
		key.SubmissionID, key.PointKey, string(key.Kind), confirmed, rejected,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing review decision: %w", err)
	}
	return nil
}

// CancelConfirm clears the confirmation mark without setting a rejection.
// Clearing a key with no decision row is a no-op.
func (s *Store) CancelConfirm(key submission.ReviewPointKey) error {
	return s.clearFlag(key, "confirmed")
}

// CancelReject clears the rejection mark without setting a confirmation.
func (s *Store) CancelReject(key submission.ReviewPointKey) error {
	return s.clearFlag(key, "rejected")
}

func (s *Store) clearFlag(key submission.ReviewPointKey, column string) error {
	// column is one of the two fixed flag names, never user input.
	q := fmt.Sprintf(`UPDATE review_decisions SET %s = 0, updated_at = ? WHERE submission_id = ? AND point_key = ? AND kind = ?`, column)
	_, err := s.db.Exec(q, time.Now().UTC().Format(time.RFC3339), key.SubmissionID, key.PointKey, string(key.Kind))
	if err != nil {
		return fmt.Errorf("clearing review decision: %w", err)
	}
	return nil
}

// SetPointEdit stores edited attributes for a not-yet-submitted point,
// preserving its confirmation state.
func (s *Store) SetPointEdit(key submission.ReviewPointKey, fields submission.NewKnowledgePoint) error {
	edited, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding point edit: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO review_decisions (submission_id, point_key, kind, confirmed, rejected, edited_json, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(submission_id, point_key, kind)
		DO UPDATE SET edited_json = excluded.edited_json, updated_at = excluded.updated_at`,
		key.SubmissionID, key.PointKey, string(key.Kind), string(edited),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing point edit: %w", err)
	}
	return nil
}

// GetDecision returns the decision row for one key, or ErrNotFound.
func (s *Store) GetDecision(key submission.ReviewPointKey) (submission.ReviewDecision, error) {
	row := s.db.QueryRow(`
		SELECT submission_id, point_key, kind, confirmed, rejected, edited_json
		FROM review_decisions
		WHERE submission_id = ? AND point_key = ? AND kind = ?`,
		key.SubmissionID, key.PointKey, string(key.Kind))
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return submission.ReviewDecision{}, ErrNotFound
	}
	return d, err
}

// Decisions returns every decision recorded for a submission.
func (s *Store) Decisions(submissionID string) ([]submission.ReviewDecision, error) {
	rows, err := s.db.Query(`
		SELECT submission_id, point_key, kind, confirmed, rejected, edited_json
		FROM review_decisions
		WHERE submission_id = ?
		ORDER BY kind, point_key`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []submission.ReviewDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearDecisions removes every decision for one submission.
func (s *Store) ClearDecisions(submissionID string) error {
	_, err := s.db.Exec(`DELETE FROM review_decisions WHERE submission_id = ?`, submissionID)
	return err
}

func scanDecision(row rowScanner) (submission.ReviewDecision, error) {
	var (
		d         submission.ReviewDecision
		kind      string
		confirmed int
		rejected  int
		edited    sql.NullString
	)
	if err := row.Scan(&d.Key.SubmissionID, &d.Key.PointKey, &kind, &confirmed, &rejected, &edited); err != nil {
		return submission.ReviewDecision{}, err
	}
	d.Key.Kind = submission.PointKind(kind)
	d.Confirmed = confirmed != 0
	d.Rejected = rejected != 0
	if edited.Valid && edited.String != "" {
		var p submission.NewKnowledgePoint
		if err := json.Unmarshal([]byte(edited.String), &p); err != nil {
			return submission.ReviewDecision{}, fmt.Errorf("decoding point edit: %w", err)
		}
		d.Edited = &p
	}
	return d, nil
}
