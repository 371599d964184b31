package submission

import (
	"strconv"
	"time"
)

// Category is one (subject, chapter, section) classification returned by
// the knowledge analysis stage.
type Category struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
	Section string `json:"section"`
}

// KnowledgePoint is a cataloged curriculum concept with a durable id.
type KnowledgePoint struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
	Section string `json:"section"`
	Item    string `json:"item"`
	Details string `json:"details,omitempty"`
}

// NewKnowledgePoint is a candidate concept proposed by the extraction
// stage and not yet persisted server-side. Within one submission it is
// identified by its Item text; that key is assumed unique per submission,
// not verified. Two candidates sharing an Item collapse to one review row.
type NewKnowledgePoint struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
	Section string `json:"section"`
	Item    string `json:"item"`
	Details string `json:"details,omitempty"`
}

// OCRResult is the payload of a successful ocr stage.
type OCRResult struct {
	Text      string `json:"text"`
	ImagePath string `json:"image_path"`
}

// AnswerResult is the payload of a successful answer stage. Text may be
// empty when the photo contains no visible answer.
type AnswerResult struct {
	Text string `json:"text"`
}

// KnowledgeResult is the payload of a successful knowledge stage: the
// analyzed categories plus the de-duplicated ids found across all of them.
type KnowledgeResult struct {
	Categories        []Category `json:"categories"`
	KnowledgePointIDs []int64    `json:"knowledge_point_ids"`
}

// SolvingResult is the payload of a successful solving stage.
type SolvingResult struct {
	Solution            string           `json:"solution"`
	ReviewPassed        bool             `json:"review_passed"`
	ReviewReason        string           `json:"review_reason,omitempty"`
	KnowledgePointsUsed []KnowledgePoint `json:"knowledge_points"`
}

// MarksResult is the payload of a successful knowledgeMarks stage.
type MarksResult struct {
	Existing []KnowledgePoint    `json:"existing_knowledge_points"`
	New      []NewKnowledgePoint `json:"new_knowledge_points"`
}

// Empty reports whether the extraction produced no points at all.
func (m MarksResult) Empty() bool {
	return len(m.Existing) == 0 && len(m.New) == 0
}

// StepData holds the last successful payload per stage. A nil field means
// the stage has not reached success.
type StepData struct {
	OCR       *OCRResult       `json:"ocr,omitempty"`
	Answer    *AnswerResult    `json:"answer,omitempty"`
	Knowledge *KnowledgeResult `json:"knowledge,omitempty"`
	Solving   *SolvingResult   `json:"solving,omitempty"`
	Marks     *MarksResult     `json:"knowledgeMarks,omitempty"`
}

// Clear drops the payload for the given stage.
func (d *StepData) Clear(stage Stage) {
	switch stage {
	case StageOCR:
		d.OCR = nil
	case StageAnswer:
		d.Answer = nil
	case StageKnowledge:
		d.Knowledge = nil
	case StageSolving:
		d.Solving = nil
	case StageKnowledgeMarks:
		d.Marks = nil
	}
}

// PointKind distinguishes cataloged knowledge points from new candidates.
type PointKind string

const (
	PointExisting PointKind = "existing"
	PointNew      PointKind = "new"
)

// ReviewPointKey identifies one knowledge point under review. For existing
// points PointKey is the decimal id; for new points it is the item text.
// Being a comparable struct it is usable directly as a map key.
type ReviewPointKey struct {
	SubmissionID string    `json:"submission_id"`
	PointKey     string    `json:"point_key"`
	Kind         PointKind `json:"kind"`
}

// ExistingPointKey builds the review key for a cataloged point.
func ExistingPointKey(submissionID string, pointID int64) ReviewPointKey {
	return ReviewPointKey{
		SubmissionID: submissionID,
		PointKey:     strconv.FormatInt(pointID, 10),
		Kind:         PointExisting,
	}
}

// NewPointKey builds the review key for a candidate point.
func NewPointKey(submissionID, item string) ReviewPointKey {
	return ReviewPointKey{SubmissionID: submissionID, PointKey: item, Kind: PointNew}
}

// ReviewDecision is the persisted human verdict on one knowledge point.
// Confirmed and Rejected are mutually exclusive. Edited, when non-nil,
// carries attribute edits applied to a new candidate before submission.
type ReviewDecision struct {
	Key       ReviewPointKey     `json:"key"`
	Confirmed bool               `json:"confirmed"`
	Rejected  bool               `json:"rejected"`
	Edited    *NewKnowledgePoint `json:"edited,omitempty"`
}

// Submission is one uploaded image and all pipeline/review state derived
// from it. The raw image bytes live in the session-only image cache, never
// on the Submission itself.
type Submission struct {
	ID               string                `json:"id"`
	BackendImagePath string                `json:"image_path,omitempty"`
	QuestionID       *int64                `json:"question_id,omitempty"`
	Steps            map[Stage]StepStatus  `json:"steps"`
	Data             StepData              `json:"data"`
	StepErrors       map[Stage]string      `json:"errors,omitempty"`
	ReviewStatus     ReviewStatus          `json:"review_status"`
	CreatedAt        time.Time             `json:"created_at"`
	ConfirmedKeys    []ReviewPointKey      `json:"confirmed_keys,omitempty"`
}

// New returns a Submission with every stage pending.
func New(id string, createdAt time.Time) Submission {
	steps := make(map[Stage]StepStatus, len(stageOrder))
	for _, st := range stageOrder {
		steps[st] = StepPending
	}
	return Submission{
		ID:           id,
		Steps:        steps,
		StepErrors:   map[Stage]string{},
		ReviewStatus: ReviewNotApplicable,
		CreatedAt:    createdAt,
	}
}

// StageData returns the stored payload for the given stage as an untyped
// value, or nil when the stage has no successful result.
func (s *Submission) StageData(stage Stage) any {
	switch stage {
	case StageOCR:
		if s.Data.OCR != nil {
			return *s.Data.OCR
		}
	case StageAnswer:
		if s.Data.Answer != nil {
			return *s.Data.Answer
		}
	case StageKnowledge:
		if s.Data.Knowledge != nil {
			return *s.Data.Knowledge
		}
	case StageSolving:
		if s.Data.Solving != nil {
			return *s.Data.Solving
		}
	case StageKnowledgeMarks:
		if s.Data.Marks != nil {
			return *s.Data.Marks
		}
	}
	return nil
}
