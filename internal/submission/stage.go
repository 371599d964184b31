package submission

import "fmt"

// Stage identifies one step of the submission pipeline.
type Stage string

const (
	StageOCR            Stage = "ocr"
	StageAnswer         Stage = "answer"
	StageKnowledge      Stage = "knowledge"
	StageSolving        Stage = "solving"
	StageKnowledgeMarks Stage = "knowledgeMarks"
)

// stageOrder lists all stages in auto-advance order. Every transition
// decision in the orchestrator derives from this table.
var stageOrder = [...]Stage{
	StageOCR,
	StageAnswer,
	StageKnowledge,
	StageSolving,
	StageKnowledgeMarks,
}

// AllStages returns every pipeline stage in execution order.
func AllStages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder[:])
	return out
}

// ParseStage converts a string into a Stage, rejecting unknown names.
func ParseStage(s string) (Stage, error) {
	for _, st := range stageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown pipeline stage %q", s)
}

// Next returns the stage that auto-advances after s, or "" when s is the
// last stage of the chain.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// TextDependents returns the stages that consume the extracted question
// text, directly or transitively. Editing the OCR text invalidates exactly
// these stages; the answer stage reads the image, not the text, and is
// unaffected.
func TextDependents() []Stage {
	return []Stage{StageKnowledge, StageSolving, StageKnowledgeMarks}
}

// StepStatus is the lifecycle state of a single pipeline stage.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepSuccess    StepStatus = "success"
	StepFailed     StepStatus = "failed"
	StepDisabled   StepStatus = "disabled"
)

// ReviewStatus is the lifecycle state of the human knowledge review,
// independent of the pipeline steps.
type ReviewStatus string

const (
	ReviewNotApplicable ReviewStatus = "not-applicable"
	ReviewPending       ReviewStatus = "pending-review"
	Reviewing           ReviewStatus = "reviewing"
	Reviewed            ReviewStatus = "reviewed"
)
