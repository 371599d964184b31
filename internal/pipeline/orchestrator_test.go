package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gradnote/gradnote/internal/storage"
	"github.com/gradnote/gradnote/internal/submission"
)

// fakeRemote implements Remote with canned happy-path responses and call
// counters. Individual calls are overridable per test.
type fakeRemote struct {
	extractTextFn func(ctx context.Context, image []byte) (submission.OCRResult, error)
	createFn      func(ctx context.Context, content, imagePath string) (int64, error)
	analyzeFn     func(ctx context.Context, questionText string) ([]submission.Category, error)
	searchFn      func(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error)
	solveFn       func(ctx context.Context, questionID int64, ids []int64) (submission.SolvingResult, error)
	extractFn     func(ctx context.Context, questionText, solutionText string, knownIDs []int64) (submission.MarksResult, error)

	createCalls        int
	updateContentCalls int
	updateAnswerCalls  int
	solveCalls         int
	extractCalls       int

	lastContent  string
	lastAnswer   string
	lastKnownIDs []int64
}

func (f *fakeRemote) ExtractText(ctx context.Context, image []byte) (submission.OCRResult, error) {
	if f.extractTextFn != nil {
		return f.extractTextFn(ctx, image)
	}
	return submission.OCRResult{Text: "what is the derivative of x^2", ImagePath: "/img/1.png"}, nil
}

func (f *fakeRemote) CreateQuestion(ctx context.Context, content, imagePath string) (int64, error) {
	f.createCalls++
	f.lastContent = content
	if f.createFn != nil {
		return f.createFn(ctx, content, imagePath)
	}
	return 1, nil
}

func (f *fakeRemote) UpdateQuestionContent(ctx context.Context, questionID int64, content string) error {
	f.updateContentCalls++
	f.lastContent = content
	return nil
}

func (f *fakeRemote) UpdateQuestionAnswer(ctx context.Context, questionID int64, answer string) error {
	f.updateAnswerCalls++
	f.lastAnswer = answer
	return nil
}

func (f *fakeRemote) ExtractAnswer(ctx context.Context, image []byte) (submission.AnswerResult, error) {
	return submission.AnswerResult{Text: "2x"}, nil
}

func (f *fakeRemote) AnalyzeKnowledgeCategories(ctx context.Context, questionText string) ([]submission.Category, error) {
	if f.analyzeFn != nil {
		return f.analyzeFn(ctx, questionText)
	}
	return []submission.Category{{Subject: "math", Chapter: "calculus", Section: "derivatives"}}, nil
}

func (f *fakeRemote) SearchKnowledgePoints(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, cat)
	}
	return []submission.KnowledgePoint{{ID: 1, Item: "power rule"}, {ID: 2, Item: "chain rule"}}, nil
}

func (f *fakeRemote) Solve(ctx context.Context, questionID int64, ids []int64) (submission.SolvingResult, error) {
	f.solveCalls++
	if f.solveFn != nil {
		return f.solveFn(ctx, questionID, ids)
	}
	return submission.SolvingResult{
		Solution:            "apply the power rule",
		ReviewPassed:        true,
		KnowledgePointsUsed: []submission.KnowledgePoint{{ID: 1, Item: "power rule"}},
	}, nil
}

func (f *fakeRemote) ExtractKnowledgeFromSolution(ctx context.Context, questionText, solutionText string, knownIDs []int64) (submission.MarksResult, error) {
	f.extractCalls++
	f.lastKnownIDs = knownIDs
	if f.extractFn != nil {
		return f.extractFn(ctx, questionText, solutionText, knownIDs)
	}
	return submission.MarksResult{
		Existing: []submission.KnowledgePoint{{ID: 1, Item: "power rule"}},
		New:      []submission.NewKnowledgePoint{{Subject: "math", Item: "derivative notation"}},
	}, nil
}

func newTestPipeline(t *testing.T) (*Orchestrator, *storage.Store, *fakeRemote) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	remote := &fakeRemote{}
	return New(store, remote, nil), store, remote
}

func createWithImage(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	if err := store.CreateSubmission(submission.New(id, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	store.PutImage(id, []byte("png"))
}

func TestStartRunsFullChain(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")

	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub, err := store.GetSubmission("s1")
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range submission.AllStages() {
		if sub.Steps[st] != submission.StepSuccess {
			t.Errorf("stage %s = %s (error %q)", st, sub.Steps[st], sub.StepErrors[st])
		}
	}
	if sub.QuestionID == nil || *sub.QuestionID != 1 {
		t.Errorf("question id = %v", sub.QuestionID)
	}
	if sub.BackendImagePath != "/img/1.png" {
		t.Errorf("image path = %q", sub.BackendImagePath)
	}
	if sub.ReviewStatus != submission.ReviewPending {
		t.Errorf("review status = %s", sub.ReviewStatus)
	}
	if sub.Data.Marks == nil || len(sub.Data.Marks.New) != 1 {
		t.Errorf("marks = %+v", sub.Data.Marks)
	}
	if remote.createCalls != 1 {
		t.Errorf("create question called %d times", remote.createCalls)
	}
	// The solving stage reported using point 1, so extraction sees only it.
	if len(remote.lastKnownIDs) != 1 || remote.lastKnownIDs[0] != 1 {
		t.Errorf("known ids = %v", remote.lastKnownIDs)
	}
	// The detected answer was pushed to the question record.
	if remote.updateAnswerCalls != 1 || remote.lastAnswer != "2x" {
		t.Errorf("answer updates = %d, last %q", remote.updateAnswerCalls, remote.lastAnswer)
	}
}

func TestZeroKnowledgePointsShortCircuitsSolving(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	remote.searchFn = func(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error) {
		return nil, nil
	}

	err := orch.Start(context.Background(), "s1")
	if !errors.Is(err, ErrNoKnowledgePoints) {
		t.Fatalf("err = %v, want ErrNoKnowledgePoints", err)
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Steps[submission.StageKnowledge] != submission.StepSuccess {
		t.Errorf("knowledge = %s", sub.Steps[submission.StageKnowledge])
	}
	if sub.Data.Knowledge == nil || len(sub.Data.Knowledge.KnowledgePointIDs) != 0 {
		t.Errorf("knowledge payload = %+v", sub.Data.Knowledge)
	}
	if sub.Steps[submission.StageSolving] != submission.StepFailed {
		t.Errorf("solving = %s", sub.Steps[submission.StageSolving])
	}
	if sub.StepErrors[submission.StageSolving] == "" {
		t.Error("solving failure has no recorded reason")
	}
	if remote.solveCalls != 0 {
		t.Errorf("solve called %d times with no knowledge points", remote.solveCalls)
	}
	if sub.Steps[submission.StageKnowledgeMarks] != submission.StepPending {
		t.Errorf("marks = %s", sub.Steps[submission.StageKnowledgeMarks])
	}
}

func TestKnowledgeSearchDeduplicatesAcrossCategories(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")

	remote.analyzeFn = func(ctx context.Context, q string) ([]submission.Category, error) {
		return []submission.Category{
			{Subject: "math", Chapter: "a"},
			{Subject: "math", Chapter: "b"},
		}, nil
	}
	results := [][]submission.KnowledgePoint{
		{{ID: 1}, {ID: 2}, {ID: 3}},
		{{ID: 2}, {ID: 3}, {ID: 4}},
	}
	call := 0
	remote.searchFn = func(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error) {
		res := results[call]
		call++
		return res, nil
	}

	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	sub, _ := store.GetSubmission("s1")
	want := []int64{1, 2, 3, 4}
	got := sub.Data.Knowledge.KnowledgePointIDs
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFailedCategorySearchIsSkipped(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")

	remote.analyzeFn = func(ctx context.Context, q string) ([]submission.Category, error) {
		return []submission.Category{{Subject: "math", Chapter: "a"}, {Subject: "math", Chapter: "b"}}, nil
	}
	call := 0
	remote.searchFn = func(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error) {
		call++
		if call == 1 {
			return nil, errors.New("catalog unavailable")
		}
		return []submission.KnowledgePoint{{ID: 9}}, nil
	}

	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Steps[submission.StageKnowledge] != submission.StepSuccess {
		t.Fatalf("knowledge = %s", sub.Steps[submission.StageKnowledge])
	}
	ids := sub.Data.Knowledge.KnowledgePointIDs
	if len(ids) != 1 || ids[0] != 9 {
		t.Errorf("ids = %v", ids)
	}
}

func TestRetryAnswerLeavesCompletedTailAlone(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	remote.solveCalls = 0
	remote.extractCalls = 0
	remote.updateAnswerCalls = 0

	if err := orch.Retry(context.Background(), "s1", submission.StageAnswer); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if remote.updateAnswerCalls != 1 {
		t.Errorf("answer update calls = %d", remote.updateAnswerCalls)
	}
	if remote.solveCalls != 0 || remote.extractCalls != 0 {
		t.Errorf("completed tail re-ran: solve=%d extract=%d", remote.solveCalls, remote.extractCalls)
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Steps[submission.StageAnswer] != submission.StepSuccess {
		t.Errorf("answer = %s", sub.Steps[submission.StageAnswer])
	}
}

func TestEditOCRTextRerunsTextDependents(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	remote.solveCalls = 0
	remote.extractCalls = 0

	// A decision made against the old extraction must not survive a re-run.
	if err := store.Confirm(submission.ExistingPointKey("s1", 10)); err != nil {
		t.Fatal(err)
	}

	if err := orch.EditOCRText(context.Background(), "s1", "corrected question text"); err != nil {
		t.Fatalf("EditOCRText: %v", err)
	}

	if decisions, _ := store.Decisions("s1"); len(decisions) != 0 {
		t.Errorf("stale decisions survived re-extraction: %+v", decisions)
	}

	if remote.lastContent != "corrected question text" {
		t.Errorf("backend content = %q", remote.lastContent)
	}
	if remote.solveCalls != 1 || remote.extractCalls != 1 {
		t.Errorf("text dependents did not re-run: solve=%d extract=%d", remote.solveCalls, remote.extractCalls)
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Data.OCR.Text != "corrected question text" {
		t.Errorf("stored text = %q", sub.Data.OCR.Text)
	}
	// The answer stage reads the image, not the text.
	if sub.Steps[submission.StageAnswer] != submission.StepSuccess {
		t.Errorf("answer = %s after text edit", sub.Steps[submission.StageAnswer])
	}
	for _, st := range submission.TextDependents() {
		if sub.Steps[st] != submission.StepSuccess {
			t.Errorf("stage %s = %s after re-run", st, sub.Steps[st])
		}
	}
}

func TestEditAnswerTextNoCascade(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	remote.solveCalls = 0
	remote.extractCalls = 0

	if err := orch.EditAnswerText(context.Background(), "s1", "x = 2x"); err != nil {
		t.Fatalf("EditAnswerText: %v", err)
	}
	if remote.lastAnswer != "x = 2x" {
		t.Errorf("backend answer = %q", remote.lastAnswer)
	}
	if remote.solveCalls != 0 || remote.extractCalls != 0 {
		t.Error("answer edit cascaded into the pipeline")
	}
}

func TestKnownIDsFallBackToSearchSet(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	remote.solveFn = func(ctx context.Context, questionID int64, ids []int64) (submission.SolvingResult, error) {
		return submission.SolvingResult{Solution: "done", ReviewPassed: true}, nil
	}

	if err := orch.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	// No points reported as used by solving, so the full search set is sent.
	if len(remote.lastKnownIDs) != 2 || remote.lastKnownIDs[0] != 1 || remote.lastKnownIDs[1] != 2 {
		t.Errorf("known ids = %v", remote.lastKnownIDs)
	}
}

func TestStartUnknownSubmissionIsNoop(t *testing.T) {
	orch, _, remote := newTestPipeline(t)

	if err := orch.Start(context.Background(), "ghost"); err != nil {
		t.Fatalf("Start on unknown id: %v", err)
	}
	if remote.createCalls != 0 {
		t.Error("unknown submission reached the backend")
	}
}

func TestMissingImageFailsOCR(t *testing.T) {
	orch, store, _ := newTestPipeline(t)
	if err := store.CreateSubmission(submission.New("s1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	if err := orch.Start(context.Background(), "s1"); err == nil {
		t.Fatal("Start succeeded without an image")
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Steps[submission.StageOCR] != submission.StepFailed {
		t.Errorf("ocr = %s", sub.Steps[submission.StageOCR])
	}
	if sub.StepErrors[submission.StageOCR] == "" {
		t.Error("ocr failure has no recorded reason")
	}
}

func TestOCRFailureRecordsErrorAndStops(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	remote.extractTextFn = func(ctx context.Context, image []byte) (submission.OCRResult, error) {
		return submission.OCRResult{}, errors.New("ocr service overloaded")
	}

	if err := orch.Start(context.Background(), "s1"); err == nil {
		t.Fatal("Start succeeded despite ocr failure")
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Steps[submission.StageOCR] != submission.StepFailed {
		t.Errorf("ocr = %s", sub.Steps[submission.StageOCR])
	}
	if sub.StepErrors[submission.StageOCR] != "ocr service overloaded" {
		t.Errorf("ocr error = %q", sub.StepErrors[submission.StageOCR])
	}
	if sub.Steps[submission.StageAnswer] != submission.StepPending {
		t.Errorf("answer = %s after ocr failure", sub.Steps[submission.StageAnswer])
	}
	if remote.createCalls != 0 {
		t.Error("question created despite ocr failure")
	}
}

func TestQuestionlessRetryFailsAnswerAndKnowledge(t *testing.T) {
	orch, store, remote := newTestPipeline(t)
	createWithImage(t, store, "s1")
	remote.createFn = func(ctx context.Context, content, imagePath string) (int64, error) {
		return 0, errors.New("backend unavailable")
	}

	if err := orch.Start(context.Background(), "s1"); err == nil {
		t.Fatal("Start succeeded despite question creation failing")
	}

	sub, _ := store.GetSubmission("s1")
	if sub.Steps[submission.StageOCR] != submission.StepFailed {
		t.Fatalf("ocr = %s", sub.Steps[submission.StageOCR])
	}
	if sub.QuestionID != nil {
		t.Fatalf("question id = %d without a created question", *sub.QuestionID)
	}

	// Later stages attach data to the question; retried directly they must
	// refuse to run until OCR establishes the link.
	if err := orch.Retry(context.Background(), "s1", submission.StageAnswer); err == nil {
		t.Error("answer retry ran without a linked question")
	}
	if err := orch.Retry(context.Background(), "s1", submission.StageKnowledge); err == nil {
		t.Error("knowledge retry ran without a linked question")
	}

	sub, _ = store.GetSubmission("s1")
	if sub.Steps[submission.StageAnswer] != submission.StepFailed {
		t.Errorf("answer = %s", sub.Steps[submission.StageAnswer])
	}
	if sub.Steps[submission.StageKnowledge] != submission.StepFailed {
		t.Errorf("knowledge = %s", sub.Steps[submission.StageKnowledge])
	}
	if sub.QuestionID != nil {
		t.Errorf("question id = %d after refused retries", *sub.QuestionID)
	}
}
