package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gradnote/gradnote/internal/backend"
	"github.com/gradnote/gradnote/internal/storage"
	"github.com/gradnote/gradnote/internal/submission"
)

// ErrNoKnowledgePoints marks the solving stage as unrunnable: the
// knowledge stage produced nothing to solve with. Retrying solving will
// not help; the user has to fix the question text upstream.
var ErrNoKnowledgePoints = errors.New("no related knowledge points found, cannot solve")

// Store is the durable submission state the orchestrator drives.
type Store interface {
	GetSubmission(id string) (submission.Submission, error)
	SetStep(id string, stage submission.Stage, status submission.StepStatus, data any, errMsg string) error
	ResetStages(id string, stages ...submission.Stage) error
	SetQuestionID(id string, questionID int64) error
	SetBackendImagePath(id, path string) error
	SetOCRText(id, text string) error
	SetAnswerText(id, text string) error
	SetReviewStatus(id string, rs submission.ReviewStatus) error
	ClearDecisions(submissionID string) error
	Image(id string) ([]byte, bool)
}

// Remote is the set of backend operations the pipeline consumes.
type Remote interface {
	ExtractText(ctx context.Context, image []byte) (submission.OCRResult, error)
	CreateQuestion(ctx context.Context, content, imagePath string) (int64, error)
	UpdateQuestionContent(ctx context.Context, questionID int64, content string) error
	UpdateQuestionAnswer(ctx context.Context, questionID int64, answer string) error
	ExtractAnswer(ctx context.Context, image []byte) (submission.AnswerResult, error)
	AnalyzeKnowledgeCategories(ctx context.Context, questionText string) ([]submission.Category, error)
	SearchKnowledgePoints(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error)
	Solve(ctx context.Context, questionID int64, knowledgePointIDs []int64) (submission.SolvingResult, error)
	ExtractKnowledgeFromSolution(ctx context.Context, questionText, solutionText string, knownIDs []int64) (submission.MarksResult, error)
}

// Notifier delivers user-visible progress and failure feedback.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
	ReauthRequired()
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Info(string) {}
func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string) {}
func (NopNotifier) ReauthRequired() {}

type attemptKey struct {
	id    string
	stage submission.Stage
}

// Orchestrator drives a submission through the pipeline stages in
// dependency order, writing every transition to the store. Stages run
// strictly sequentially within a submission; each remote completion is
// tagged with a per-stage attempt number, and completions from superseded
// attempts are discarded rather than overwriting newer state.
type Orchestrator struct {
	store    Store
	remote   Remote
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[attemptKey]uint64
}

// New creates an Orchestrator. A nil notifier discards notifications.
func New(store Store, remote Remote, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{
		store:    store,
		remote:   remote,
		notifier: notifier,
		logger:   slog.Default(),
		attempts: make(map[attemptKey]uint64),
	}
}

// stageHandlers maps each stage to its run function. The chain order
// itself lives in submission.Stage.Next; this table only binds handlers.
// Filled in init: the handlers dispatch back through runStage, so a static
// initializer would form a cycle.
var stageHandlers map[submission.Stage]func(*Orchestrator, context.Context, string) error

func init() {
	stageHandlers = map[submission.Stage]func(*Orchestrator, context.Context, string) error{
		submission.StageOCR:            (*Orchestrator).runOCR,
		submission.StageAnswer:         (*Orchestrator).runAnswer,
		submission.StageKnowledge:      (*Orchestrator).runKnowledge,
		submission.StageSolving:        (*Orchestrator).runSolving,
		submission.StageKnowledgeMarks: (*Orchestrator).runMarks,
	}
}

var stageLabels = map[submission.Stage]string{
	submission.StageOCR:            "OCR",
	submission.StageAnswer:         "answer detection",
	submission.StageKnowledge:      "knowledge analysis",
	submission.StageSolving:        "solving",
	submission.StageKnowledgeMarks: "knowledge extraction",
}

// Start drives a freshly created submission through the whole chain,
// beginning at the ocr stage. It returns the first stage error, which the
// upload queue uses to count failures; all state is already recorded in
// the store by then.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	if _, err := o.store.GetSubmission(id); err != nil {
		o.logger.Warn("start for unknown submission", "submission_id", id)
		return nil
	}
	return o.runStage(ctx, id, submission.StageOCR)
}

// Retry re-invokes exactly one stage using its last-known-good inputs.
// Downstream stages run again only where they have not already succeeded;
// a retried answer stage on a completed pipeline updates the question's
// answer and stops (the question itself is never recreated).
func (o *Orchestrator) Retry(ctx context.Context, id string, stage submission.Stage) error {
	if _, err := o.store.GetSubmission(id); err != nil {
		// Stale reference from the caller; log and ignore.
		o.logger.Warn("retry for unknown submission", "submission_id", id, "stage", stage)
		return nil
	}
	return o.runStage(ctx, id, stage)
}

func (o *Orchestrator) runStage(ctx context.Context, id string, stage submission.Stage) error {
	h, ok := stageHandlers[stage]
	if !ok {
		return fmt.Errorf("no handler for stage %s", stage)
	}
	return h(o, ctx, id)
}

// advance runs the stage after `from` unless it already succeeded or has
// been disabled. Skipping on success is what keeps a retried early stage
// from re-running a completed tail.
func (o *Orchestrator) advance(ctx context.Context, id string, from submission.Stage) error {
	next := from.Next()
	if next == "" {
		return nil
	}
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	switch sub.Steps[next] {
	case submission.StepSuccess, submission.StepDisabled:
		return nil
	}
	return o.runStage(ctx, id, next)
}

func (o *Orchestrator) runOCR(ctx context.Context, id string) error {
	image, ok := o.store.Image(id)
	if !ok {
		return o.fail(id, submission.StageOCR,
			errors.New("image is no longer available in this session, upload it again"))
	}

	att := o.begin(id, submission.StageOCR)
	o.setProcessing(id, submission.StageOCR)

	res, err := o.remote.ExtractText(ctx, image)
	if o.stale(id, submission.StageOCR, att) {
		o.discard(id, submission.StageOCR)
		return nil
	}
	if err != nil {
		return o.fail(id, submission.StageOCR, err)
	}

	if err := o.store.SetStep(id, submission.StageOCR, submission.StepSuccess, res, ""); err != nil {
		return o.storeFailure(id, submission.StageOCR, err)
	}
	if err := o.store.SetBackendImagePath(id, res.ImagePath); err != nil {
		return o.storeFailure(id, submission.StageOCR, err)
	}

	// Create-question is internal to the ocr stage: the question record
	// must exist before answer/knowledge/solving can attach anything to it.
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	if sub.QuestionID == nil {
		qid, err := o.remote.CreateQuestion(ctx, res.Text, res.ImagePath)
		if err != nil {
			return o.fail(id, submission.StageOCR, fmt.Errorf("creating question: %w", err))
		}
		if err := o.store.SetQuestionID(id, qid); err != nil {
			return o.storeFailure(id, submission.StageOCR, err)
		}
		o.notifier.Success("question created")
	} else {
		// Re-run on an already linked question refreshes its content.
		if err := o.remote.UpdateQuestionContent(ctx, *sub.QuestionID, res.Text); err != nil {
			o.logger.Warn("updating question content after ocr re-run", "submission_id", id, "error", err)
		}
	}

	return o.advance(ctx, id, submission.StageOCR)
}

func (o *Orchestrator) runAnswer(ctx context.Context, id string) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	if sub.QuestionID == nil {
		return o.fail(id, submission.StageAnswer,
			errors.New("submission has no linked question yet, retry OCR first"))
	}
	image, ok := o.store.Image(id)
	if !ok {
		return o.fail(id, submission.StageAnswer,
			errors.New("image is no longer available in this session, upload it again"))
	}

	att := o.begin(id, submission.StageAnswer)
	o.setProcessing(id, submission.StageAnswer)

	res, err := o.remote.ExtractAnswer(ctx, image)
	if o.stale(id, submission.StageAnswer, att) {
		o.discard(id, submission.StageAnswer)
		return nil
	}
	if err != nil {
		return o.fail(id, submission.StageAnswer, err)
	}

	if err := o.store.SetStep(id, submission.StageAnswer, submission.StepSuccess, res, ""); err != nil {
		return o.storeFailure(id, submission.StageAnswer, err)
	}

	if res.Text != "" {
		if err := o.remote.UpdateQuestionAnswer(ctx, *sub.QuestionID, res.Text); err != nil {
			o.logger.Warn("updating question answer", "submission_id", id, "error", err)
		}
	}

	return o.advance(ctx, id, submission.StageAnswer)
}

func (o *Orchestrator) runKnowledge(ctx context.Context, id string) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	if sub.QuestionID == nil {
		return o.fail(id, submission.StageKnowledge,
			errors.New("submission has no linked question yet, retry OCR first"))
	}
	if sub.Data.OCR == nil || sub.Data.OCR.Text == "" {
		return o.fail(id, submission.StageKnowledge,
			errors.New("no question text available, run OCR first"))
	}
	questionText := sub.Data.OCR.Text

	att := o.begin(id, submission.StageKnowledge)
	o.setProcessing(id, submission.StageKnowledge)
	o.notifier.Info("Analyzing the question's knowledge points, this can take a minute or two...")

	categories, err := o.remote.AnalyzeKnowledgeCategories(ctx, questionText)
	if o.stale(id, submission.StageKnowledge, att) {
		o.discard(id, submission.StageKnowledge)
		return nil
	}
	if err != nil {
		return o.fail(id, submission.StageKnowledge, err)
	}

	// Search every category sequentially; a single failing category is
	// logged and skipped rather than failing the stage.
	ids := o.searchCategories(ctx, id, categories)
	if o.stale(id, submission.StageKnowledge, att) {
		o.discard(id, submission.StageKnowledge)
		return nil
	}

	result := submission.KnowledgeResult{Categories: categories, KnowledgePointIDs: ids}
	if err := o.store.SetStep(id, submission.StageKnowledge, submission.StepSuccess, result, ""); err != nil {
		return o.storeFailure(id, submission.StageKnowledge, err)
	}

	if len(ids) == 0 {
		// Solving is never attempted with an empty input set.
		if err := o.store.SetStep(id, submission.StageSolving, submission.StepFailed, nil, ErrNoKnowledgePoints.Error()); err != nil {
			return o.storeFailure(id, submission.StageSolving, err)
		}
		o.notifier.Error(ErrNoKnowledgePoints.Error())
		return ErrNoKnowledgePoints
	}

	return o.advance(ctx, id, submission.StageKnowledge)
}

// searchCategories collects knowledge-point ids across all categories,
// de-duplicated by id with first-seen order preserved.
func (o *Orchestrator) searchCategories(ctx context.Context, id string, categories []submission.Category) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, cat := range categories {
		points, err := o.remote.SearchKnowledgePoints(ctx, cat)
		if err != nil {
			o.logger.Warn("knowledge point search failed",
				"submission_id", id,
				"subject", cat.Subject, "chapter", cat.Chapter, "section", cat.Section,
				"error", err)
			continue
		}
		for _, p := range points {
			if !seen[p.ID] {
				seen[p.ID] = true
				ids = append(ids, p.ID)
			}
		}
	}
	return ids
}

func (o *Orchestrator) runSolving(ctx context.Context, id string) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	if sub.QuestionID == nil {
		return o.fail(id, submission.StageSolving,
			errors.New("submission has no linked question yet"))
	}
	if sub.Data.Knowledge == nil || len(sub.Data.Knowledge.KnowledgePointIDs) == 0 {
		return o.fail(id, submission.StageSolving, ErrNoKnowledgePoints)
	}

	att := o.begin(id, submission.StageSolving)
	o.setProcessing(id, submission.StageSolving)
	o.notifier.Info("Solving the question, this can take a minute or two...")

	res, err := o.remote.Solve(ctx, *sub.QuestionID, sub.Data.Knowledge.KnowledgePointIDs)
	if o.stale(id, submission.StageSolving, att) {
		o.discard(id, submission.StageSolving)
		return nil
	}
	if err != nil {
		return o.fail(id, submission.StageSolving, err)
	}

	if err := o.store.SetStep(id, submission.StageSolving, submission.StepSuccess, res, ""); err != nil {
		return o.storeFailure(id, submission.StageSolving, err)
	}

	return o.advance(ctx, id, submission.StageSolving)
}

func (o *Orchestrator) runMarks(ctx context.Context, id string) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	if sub.Data.OCR == nil || sub.Data.OCR.Text == "" {
		return o.fail(id, submission.StageKnowledgeMarks,
			errors.New("no question text available, run OCR first"))
	}
	if sub.Data.Solving == nil || sub.Data.Solving.Solution == "" {
		return o.fail(id, submission.StageKnowledgeMarks,
			errors.New("no solution available, run solving first"))
	}

	knownIDs := knownPointIDs(sub)

	att := o.begin(id, submission.StageKnowledgeMarks)
	o.setProcessing(id, submission.StageKnowledgeMarks)
	o.notifier.Info("Extracting knowledge points from the solution, this can take a minute or two...")

	res, err := o.remote.ExtractKnowledgeFromSolution(ctx, sub.Data.OCR.Text, sub.Data.Solving.Solution, knownIDs)
	if o.stale(id, submission.StageKnowledgeMarks, att) {
		o.discard(id, submission.StageKnowledgeMarks)
		return nil
	}
	if err != nil {
		return o.fail(id, submission.StageKnowledgeMarks, err)
	}

	if err := o.store.SetStep(id, submission.StageKnowledgeMarks, submission.StepSuccess, res, ""); err != nil {
		return o.storeFailure(id, submission.StageKnowledgeMarks, err)
	}
	// A fresh extraction invalidates decisions made against the previous one.
	if err := o.store.ClearDecisions(id); err != nil {
		return o.storeFailure(id, submission.StageKnowledgeMarks, err)
	}
	if err := o.store.SetReviewStatus(id, submission.ReviewPending); err != nil {
		return o.storeFailure(id, submission.StageKnowledgeMarks, err)
	}

	o.notifier.Success("submission pipeline complete")
	return nil
}

// knownPointIDs derives the "already known" ids for the extraction stage:
// the ids actually used during solving win; the full search-derived set is
// the fallback; with neither, the field is omitted (nil), which the
// backend treats differently from an empty list.
func knownPointIDs(sub submission.Submission) []int64 {
	if sub.Data.Solving != nil && len(sub.Data.Solving.KnowledgePointsUsed) > 0 {
		ids := make([]int64, 0, len(sub.Data.Solving.KnowledgePointsUsed))
		for _, p := range sub.Data.Solving.KnowledgePointsUsed {
			ids = append(ids, p.ID)
		}
		return ids
	}
	if sub.Data.Knowledge != nil && len(sub.Data.Knowledge.KnowledgePointIDs) > 0 {
		return sub.Data.Knowledge.KnowledgePointIDs
	}
	return nil
}

// EditOCRText replaces the extracted question text, pushes the new content
// to the backend question, resets every text-dependent stage to pending,
// and re-runs the chain from knowledge analysis. The answer stage reads
// the image, not the text, and is left alone.
func (o *Orchestrator) EditOCRText(ctx context.Context, id, text string) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("edit for unknown submission", "submission_id", id)
			return nil
		}
		return err
	}

	if err := o.store.SetOCRText(id, text); err != nil {
		return err
	}
	if sub.QuestionID != nil {
		if err := o.remote.UpdateQuestionContent(ctx, *sub.QuestionID, text); err != nil {
			o.notifier.Error(fmt.Sprintf("updating question content failed: %v", err))
			return err
		}
	}

	// Stale downstream results would otherwise look consistent with the
	// edited text.
	if err := o.store.ResetStages(id, submission.TextDependents()...); err != nil {
		return err
	}

	return o.runStage(ctx, id, submission.StageKnowledge)
}

// EditAnswerText replaces the detected answer text and updates the backend
// record. Nothing downstream consumes the raw answer text, so no stage is
// reset or re-run.
func (o *Orchestrator) EditAnswerText(ctx context.Context, id, text string) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("edit for unknown submission", "submission_id", id)
			return nil
		}
		return err
	}

	if err := o.store.SetAnswerText(id, text); err != nil {
		return err
	}
	if sub.QuestionID != nil {
		if err := o.remote.UpdateQuestionAnswer(ctx, *sub.QuestionID, text); err != nil {
			o.notifier.Error(fmt.Sprintf("updating question answer failed: %v", err))
			return err
		}
	}
	return nil
}

// begin opens a new attempt for (id, stage) and returns its number.
func (o *Orchestrator) begin(id string, stage submission.Stage) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := attemptKey{id: id, stage: stage}
	o.attempts[k]++
	return o.attempts[k]
}

// stale reports whether a newer attempt has superseded attempt att.
func (o *Orchestrator) stale(id string, stage submission.Stage, att uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[attemptKey{id: id, stage: stage}] != att
}

func (o *Orchestrator) discard(id string, stage submission.Stage) {
	o.logger.Debug("discarding completion from superseded attempt",
		"submission_id", id, "stage", stage)
}

func (o *Orchestrator) setProcessing(id string, stage submission.Stage) {
	if err := o.store.SetStep(id, stage, submission.StepProcessing, nil, ""); err != nil {
		o.logger.Error("recording processing state", "submission_id", id, "stage", stage, "error", err)
	}
}

// fail records a stage failure with its triggering detail and surfaces it
// to the user. Authorization failures additionally raise the distinct
// re-authentication signal; the orchestrator itself never refreshes
// credentials or retries.
func (o *Orchestrator) fail(id string, stage submission.Stage, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, backend.ErrReauthRequired) {
		msg = "re-authentication required"
		o.notifier.ReauthRequired()
	}
	if err := o.store.SetStep(id, stage, submission.StepFailed, nil, msg); err != nil {
		o.logger.Error("recording stage failure", "submission_id", id, "stage", stage, "error", err)
	}
	o.notifier.Error(fmt.Sprintf("%s failed: %s", stageLabels[stage], msg))
	return cause
}

// storeFailure handles a persistence error during a stage transition.
func (o *Orchestrator) storeFailure(id string, stage submission.Stage, err error) error {
	o.logger.Error("persisting stage result", "submission_id", id, "stage", stage, "error", err)
	return fmt.Errorf("persisting %s result: %w", stage, err)
}
