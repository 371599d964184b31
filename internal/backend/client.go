package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gradnote/gradnote/internal/submission"
)

// Default per-call timeouts. CRUD calls are quick; the LLM-backed calls
// (knowledge analysis, solving, extraction) routinely run for a minute or
// more and get a materially longer budget.
const (
	DefaultShortTimeout = 30 * time.Second
	DefaultLongTimeout  = 3 * time.Minute
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// Client talks to the wrong-answer-notebook backend over HTTP. All calls
// carry bearer auth; a 401 triggers one single-flight token refresh and
// one retry before surfacing ErrReauthRequired.
type Client struct {
	baseURL string
	tokens  *TokenSource
	short   *http.Client
	long    *http.Client
}

// New creates a Client targeting the given backend base URL. Zero timeout
// values fall back to the defaults.
func New(baseURL string, tokens *TokenSource, shortTimeout, longTimeout time.Duration) *Client {
	if shortTimeout <= 0 {
		shortTimeout = DefaultShortTimeout
	}
	if longTimeout <= 0 {
		longTimeout = DefaultLongTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		short:   &http.Client{Timeout: shortTimeout},
		long:    &http.Client{Timeout: longTimeout},
	}
}

type extractTextResponse struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
}

// ExtractText uploads the question photo for OCR and returns the extracted
// text plus the durable server-side image path.
func (c *Client) ExtractText(ctx context.Context, image []byte) (submission.OCRResult, error) {
	var out extractTextResponse
	if err := c.postImage(ctx, "/image/process", image, &out); err != nil {
		return submission.OCRResult{}, fmt.Errorf("extracting question text: %w", err)
	}
	return submission.OCRResult{Text: out.Text, ImagePath: out.ImageURL}, nil
}

type extractAnswerResponse struct {
	Text string `json:"text"`
}

// ExtractAnswer uploads the photo again for answer detection. The returned
// text may be empty when no answer is visible.
func (c *Client) ExtractAnswer(ctx context.Context, image []byte) (submission.AnswerResult, error) {
	var out extractAnswerResponse
	if err := c.postImage(ctx, "/image/process-answer", image, &out); err != nil {
		return submission.AnswerResult{}, fmt.Errorf("extracting answer text: %w", err)
	}
	return submission.AnswerResult{Text: out.Text}, nil
}

type createQuestionRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

type createQuestionResponse struct {
	ID int64 `json:"id"`
}

// CreateQuestion creates the backend question record for a submission and
// returns its id.
func (c *Client) CreateQuestion(ctx context.Context, content, imagePath string) (int64, error) {
	var out createQuestionResponse
	req := createQuestionRequest{Content: content, ImageURL: imagePath}
	if err := c.doJSON(ctx, c.short, http.MethodPost, "/questions/", req, &out); err != nil {
		return 0, fmt.Errorf("creating question: %w", err)
	}
	return out.ID, nil
}

// UpdateQuestionContent replaces the question text on the backend record.
func (c *Client) UpdateQuestionContent(ctx context.Context, questionID int64, content string) error {
	body := map[string]string{"content": content}
	path := fmt.Sprintf("/questions/%d", questionID)
	if err := c.doJSON(ctx, c.short, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("updating question %d content: %w", questionID, err)
	}
	return nil
}

// UpdateQuestionAnswer replaces the answer text on the backend record.
func (c *Client) UpdateQuestionAnswer(ctx context.Context, questionID int64, answer string) error {
	body := map[string]string{"answer": answer}
	path := fmt.Sprintf("/questions/%d", questionID)
	if err := c.doJSON(ctx, c.short, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("updating question %d answer: %w", questionID, err)
	}
	return nil
}

type analyzeRequest struct {
	QuestionText string `json:"question_text"`
}

type analyzeResponse struct {
	Categories []submission.Category `json:"categories"`
}

// AnalyzeKnowledgeCategories classifies the question text into candidate
// (subject, chapter, section) categories. Long-running.
func (c *Client) AnalyzeKnowledgeCategories(ctx context.Context, questionText string) ([]submission.Category, error) {
	var out analyzeResponse
	req := analyzeRequest{QuestionText: questionText}
	if err := c.doJSON(ctx, c.long, http.MethodPost, "/knowledge/analyze-from-question", req, &out); err != nil {
		return nil, fmt.Errorf("analyzing knowledge categories: %w", err)
	}
	return out.Categories, nil
}

// SearchKnowledgePoints returns the cataloged points under one category.
func (c *Client) SearchKnowledgePoints(ctx context.Context, cat submission.Category) ([]submission.KnowledgePoint, error) {
	q := url.Values{}
	q.Set("subject", cat.Subject)
	if cat.Chapter != "" {
		q.Set("chapter", cat.Chapter)
	}
	if cat.Section != "" {
		q.Set("section", cat.Section)
	}

	var out []submission.KnowledgePoint
	if err := c.doJSON(ctx, c.short, http.MethodGet, "/knowledge/search?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("searching knowledge points (%s > %s > %s): %w",
			cat.Subject, cat.Chapter, cat.Section, err)
	}
	return out, nil
}

type solveRequest struct {
	KnowledgePoints []int64 `json:"knowledge_points"`
}

type solveResponse struct {
	Solution            string                      `json:"solution"`
	ReviewPassed        bool                        `json:"review_passed"`
	ReviewReason        string                      `json:"review_reason"`
	KnowledgePointsUsed []submission.KnowledgePoint `json:"knowledge_points"`
}

// Solve asks the backend to produce a worked solution for the question
// using the given knowledge points. Long-running.
func (c *Client) Solve(ctx context.Context, questionID int64, knowledgePointIDs []int64) (submission.SolvingResult, error) {
	var out solveResponse
	path := fmt.Sprintf("/solving/%d", questionID)
	if err := c.doJSON(ctx, c.long, http.MethodPost, path, solveRequest{KnowledgePoints: knowledgePointIDs}, &out); err != nil {
		return submission.SolvingResult{}, fmt.Errorf("solving question %d: %w", questionID, err)
	}
	return submission.SolvingResult{
		Solution:            out.Solution,
		ReviewPassed:        out.ReviewPassed,
		ReviewReason:        out.ReviewReason,
		KnowledgePointsUsed: out.KnowledgePointsUsed,
	}, nil
}

type extractKnowledgeRequest struct {
	QuestionText string `json:"question_text"`
	SolutionText string `json:"solution_text"`
	// Omitted entirely when the caller has no known ids: an absent field and
	// an empty list mean different things to the extractor.
	ExistingKnowledgePointIDs []int64 `json:"existing_knowledge_point_ids,omitempty"`
}

type extractKnowledgeResponse struct {
	Existing []submission.KnowledgePoint    `json:"existing_knowledge_points"`
	New      []submission.NewKnowledgePoint `json:"new_knowledge_points"`
}

// ExtractKnowledgeFromSolution derives the knowledge points exercised by a
// worked solution, split into cataloged points and new candidates.
// Long-running.
func (c *Client) ExtractKnowledgeFromSolution(ctx context.Context, questionText, solutionText string, knownIDs []int64) (submission.MarksResult, error) {
	req := extractKnowledgeRequest{
		QuestionText:              questionText,
		SolutionText:              solutionText,
		ExistingKnowledgePointIDs: knownIDs,
	}
	var out extractKnowledgeResponse
	if err := c.doJSON(ctx, c.long, http.MethodPost, "/knowledge/extract-from-solution", req, &out); err != nil {
		return submission.MarksResult{}, fmt.Errorf("extracting knowledge from solution: %w", err)
	}
	return submission.MarksResult{Existing: out.Existing, New: out.New}, nil
}

type markConfirmedRequest struct {
	QuestionID                int64                          `json:"question_id"`
	ExistingKnowledgePointIDs []int64                        `json:"existing_knowledge_point_ids"`
	NewKnowledgePoints        []submission.NewKnowledgePoint `json:"new_knowledge_points"`
}

// SubmitConfirmedKnowledgePoints sends the reviewed batch in one
// all-or-nothing call.
func (c *Client) SubmitConfirmedKnowledgePoints(ctx context.Context, questionID int64, existingIDs []int64, newPoints []submission.NewKnowledgePoint) error {
	if existingIDs == nil {
		existingIDs = []int64{}
	}
	if newPoints == nil {
		newPoints = []submission.NewKnowledgePoint{}
	}
	req := markConfirmedRequest{
		QuestionID:                questionID,
		ExistingKnowledgePointIDs: existingIDs,
		NewKnowledgePoints:        newPoints,
	}
	if err := c.doJSON(ctx, c.short, http.MethodPost, "/knowledge/mark-confirmed", req, nil); err != nil {
		return fmt.Errorf("submitting confirmed knowledge points: %w", err)
	}
	return nil
}

// doJSON sends one JSON request and decodes the response into out (out may
// be nil). The request body is rebuilt per attempt so the 401-refresh
// retry works.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, payload, out any) error {
	build := func(token string) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}
	return c.send(ctx, hc, build, out)
}

// postImage sends one multipart upload with the image under field "file".
func (c *Client) postImage(ctx context.Context, path string, image []byte, out any) error {
	build := func(token string) (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "question.png")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(image); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}
	return c.send(ctx, c.long, build, out)
}

func (c *Client) send(ctx context.Context, hc *http.Client, build func(token string) (*http.Request, error), out any) error {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Access()
	}

	status, err := c.attempt(hc, build, token, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}
	if c.tokens == nil {
		return ErrReauthRequired
	}

	// Credentials expired mid-session: refresh once (single flight across
	// concurrent callers), then replay the request.
	newToken, err := c.tokens.Refresh(ctx)
	if err != nil {
		return err
	}
	status, err = c.attempt(hc, build, newToken, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrReauthRequired
	}
	return nil
}

// attempt performs one HTTP exchange. A 401 is reported via the returned
// status with a nil error so the caller can decide to refresh; any other
// non-2xx becomes an *APIError.
func (c *Client) attempt(hc *http.Client, build func(token string) (*http.Request, error), token string, out any) (int, error) {
	req, err := build(token)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// readErrorMessage pulls a human-readable message out of an error body,
// trying the common JSON shapes before falling back to the raw text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}
	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Detail != "":
			return body.Detail
		case body.Error != "":
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
