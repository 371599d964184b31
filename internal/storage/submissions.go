package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gradnote/gradnote/internal/submission"
)

// CreateSubmission inserts a new submission record.
func (s *Store) CreateSubmission(sub submission.Submission) error {
	steps, data, errs, keys, err := encodeSubmission(sub)
	if err != nil {
		return err
	}

	var qid any
	if sub.QuestionID != nil {
		qid = *sub.QuestionID
	}

	_, err = s.db.Exec(`
		INSERT INTO submissions (id, created_at, question_id, image_path, review_status, steps_json, data_json, errors_json, confirmed_keys_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.CreatedAt.UTC().Format(time.RFC3339), qid, sub.BackendImagePath,
		string(sub.ReviewStatus), steps, data, errs, keys,
	)
	if err != nil {
		return fmt.Errorf("inserting submission %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubmission returns the submission with the given id, or ErrNotFound.
func (s *Store) GetSubmission(id string) (submission.Submission, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, question_id, image_path, review_status, steps_json, data_json, errors_json, confirmed_keys_json
		FROM submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

// ListSubmissions returns all submissions in creation order.
func (s *Store) ListSubmissions() ([]submission.Submission, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, question_id, image_path, review_status, steps_json, data_json, errors_json, confirmed_keys_json
		FROM submissions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []submission.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SetStep records a stage transition in one atomic write: the new status
// plus, depending on the status, the stage payload or failure detail.
// A success clears the stage's prior error; a failure clears the stage's
// prior payload, so stored data always belongs to a stage in success;
// a pending reset clears both.
func (s *Store) SetStep(id string, stage submission.Stage, status submission.StepStatus, data any, errMsg string) error {
	return s.update(id, func(sub *submission.Submission) error {
		sub.Steps[stage] = status
		switch status {
		case submission.StepSuccess:
			delete(sub.StepErrors, stage)
			if data != nil {
				if err := setStageData(sub, stage, data); err != nil {
					return err
				}
			}
		case submission.StepFailed:
			sub.Data.Clear(stage)
			sub.StepErrors[stage] = errMsg
		case submission.StepPending:
			sub.Data.Clear(stage)
			delete(sub.StepErrors, stage)
		}
		return nil
	})
}

// ResetStages returns the given stages to pending, dropping their payloads
// and errors, in a single atomic write.
func (s *Store) ResetStages(id string, stages ...submission.Stage) error {
	return s.update(id, func(sub *submission.Submission) error {
		for _, stage := range stages {
			sub.Steps[stage] = submission.StepPending
			sub.Data.Clear(stage)
			delete(sub.StepErrors, stage)
		}
		return nil
	})
}

// SetQuestionID links the backend question to the submission. The id is
// set exactly once; re-linking to a different question is an error.
func (s *Store) SetQuestionID(id string, questionID int64) error {
	return s.update(id, func(sub *submission.Submission) error {
		if sub.QuestionID != nil {
			if *sub.QuestionID == questionID {
				return nil
			}
			return fmt.Errorf("submission %s already linked to question %d", id, *sub.QuestionID)
		}
		sub.QuestionID = &questionID
		return nil
	})
}

// SetBackendImagePath records the durable server-side image reference.
func (s *Store) SetBackendImagePath(id, path string) error {
	return s.update(id, func(sub *submission.Submission) error {
		sub.BackendImagePath = path
		return nil
	})
}

// SetOCRText overwrites the extracted question text, keeping the stored
// image path.
func (s *Store) SetOCRText(id, text string) error {
	return s.update(id, func(sub *submission.Submission) error {
		if sub.Data.OCR == nil {
			sub.Data.OCR = &submission.OCRResult{}
		}
		sub.Data.OCR.Text = text
		return nil
	})
}

// SetAnswerText overwrites the extracted answer text.
func (s *Store) SetAnswerText(id, text string) error {
	return s.update(id, func(sub *submission.Submission) error {
		if sub.Data.Answer == nil {
			sub.Data.Answer = &submission.AnswerResult{}
		}
		sub.Data.Answer.Text = text
		return nil
	})
}

// SetReviewStatus records a review lifecycle transition.
func (s *Store) SetReviewStatus(id string, rs submission.ReviewStatus) error {
	return s.update(id, func(sub *submission.Submission) error {
		sub.ReviewStatus = rs
		return nil
	})
}

// SetConfirmedKeys records the approved point keys after a successful
// review submission.
func (s *Store) SetConfirmedKeys(id string, keys []submission.ReviewPointKey) error {
	return s.update(id, func(sub *submission.Submission) error {
		sub.ConfirmedKeys = keys
		return nil
	})
}

// DeleteSubmission removes the submission, its review decisions, and its
// cached image.
func (s *Store) DeleteSubmission(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM review_decisions WHERE submission_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting review decisions for %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting submission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.DropImage(id)
	return nil
}

// ClearSubmissions removes every submission, all review decisions, and all
// cached images. This is the only destruction path besides per-submission
// deletion.
func (s *Store) ClearSubmissions() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM review_decisions`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing review decisions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM submissions`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing submissions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.ClearImages()
	return nil
}

// update performs a read-modify-write on one submission row inside a
// transaction. The mutation sees a fresh snapshot; concurrent completions
// for other submissions serialize on the single connection and never
// interleave partial writes.
func (s *Store) update(id string, mutate func(*submission.Submission) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, created_at, question_id, image_path, review_status, steps_json, data_json, errors_json, confirmed_keys_json
		FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err != nil {
		return err
	}

	if err := mutate(&sub); err != nil {
		return err
	}

	steps, data, errs, keys, err := encodeSubmission(sub)
	if err != nil {
		return err
	}
	var qid any
	if sub.QuestionID != nil {
		qid = *sub.QuestionID
	}

	if _, err := tx.Exec(`
		UPDATE submissions
		SET question_id = ?, image_path = ?, review_status = ?, steps_json = ?, data_json = ?, errors_json = ?, confirmed_keys_json = ?
		WHERE id = ?`,
		qid, sub.BackendImagePath, string(sub.ReviewStatus), steps, data, errs, keys, sub.ID,
	); err != nil {
		return fmt.Errorf("updating submission %s: %w", id, err)
	}

	return tx.Commit()
}

func setStageData(sub *submission.Submission, stage submission.Stage, data any) error {
	switch v := data.(type) {
	case submission.OCRResult:
		sub.Data.OCR = &v
	case submission.AnswerResult:
		sub.Data.Answer = &v
	case submission.KnowledgeResult:
		sub.Data.Knowledge = &v
	case submission.SolvingResult:
		sub.Data.Solving = &v
	case submission.MarksResult:
		sub.Data.Marks = &v
	default:
		return fmt.Errorf("stage %s: unsupported payload type %T", stage, data)
	}
	return nil
}

func encodeSubmission(sub submission.Submission) (steps, data, errs, keys string, err error) {
	b, err := json.Marshal(sub.Steps)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding steps: %w", err)
	}
	steps = string(b)

	b, err = json.Marshal(sub.Data)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding step data: %w", err)
	}
	data = string(b)

	if sub.StepErrors == nil {
		sub.StepErrors = map[submission.Stage]string{}
	}
	b, err = json.Marshal(sub.StepErrors)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding step errors: %w", err)
	}
	errs = string(b)

	if sub.ConfirmedKeys == nil {
		sub.ConfirmedKeys = []submission.ReviewPointKey{}
	}
	b, err = json.Marshal(sub.ConfirmedKeys)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding confirmed keys: %w", err)
	}
	keys = string(b)

	return steps, data, errs, keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (submission.Submission, error) {
	var (
		sub       submission.Submission
		createdAt string
		qid       sql.NullInt64
		status    string
		steps     string
		data      string
		errs      string
		keys      string
	)
	err := row.Scan(&sub.ID, &createdAt, &qid, &sub.BackendImagePath, &status, &steps, &data, &errs, &keys)
	if err == sql.ErrNoRows {
		return submission.Submission{}, ErrNotFound
	}
	if err != nil {
		return submission.Submission{}, err
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return submission.Submission{}, fmt.Errorf("parsing created_at: %w", err)
	}
	sub.CreatedAt = t

	if qid.Valid {
		v := qid.Int64
		sub.QuestionID = &v
	}
	sub.ReviewStatus = submission.ReviewStatus(status)

	if err := json.Unmarshal([]byte(steps), &sub.Steps); err != nil {
		return submission.Submission{}, fmt.Errorf("decoding steps: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &sub.Data); err != nil {
		return submission.Submission{}, fmt.Errorf("decoding step data: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &sub.StepErrors); err != nil {
		return submission.Submission{}, fmt.Errorf("decoding step errors: %w", err)
	}
	if err := json.Unmarshal([]byte(keys), &sub.ConfirmedKeys); err != nil {
		return submission.Submission{}, fmt.Errorf("decoding confirmed keys: %w", err)
	}

	return sub, nil
}
