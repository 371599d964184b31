package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gradnote/gradnote/internal/backend"
	"github.com/gradnote/gradnote/internal/pipeline"
	"github.com/gradnote/gradnote/internal/review"
	"github.com/gradnote/gradnote/internal/storage"
	"github.com/gradnote/gradnote/internal/submission"
	"github.com/gradnote/gradnote/internal/upload"
)

const maxUploadBodySize = 50 << 20 // 50MB, several photos per request
const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds everything the HTTP surface needs.
type AppDeps struct {
	Store    *storage.Store
	Pipeline *pipeline.Orchestrator
	Review   *review.Manager
	Queue    *upload.Queue
	Token    string // empty disables auth
}

// NewAppHandler returns the local control API. Uploads and retries are
// acknowledged with 202 and run on background goroutines; everything the
// caller needs afterwards is visible through GET /submissions.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Post("/submissions", handleUpload(deps))
	r.Get("/submissions", handleListSubmissions(deps))
	r.Delete("/submissions", handleClearSubmissions(deps))
	r.Get("/submissions/{id}", handleGetSubmission(deps))
	r.Delete("/submissions/{id}", handleDeleteSubmission(deps))
	r.Post("/submissions/{id}/retry/{stage}", handleRetry(deps))
	r.Patch("/submissions/{id}/ocr-text", handleEditOCRText(deps))
	r.Patch("/submissions/{id}/answer-text", handleEditAnswerText(deps))

	r.Post("/submissions/{id}/review/confirm", handleDecision(deps, deps.Review.Confirm))
	r.Post("/submissions/{id}/review/reject", handleDecision(deps, deps.Review.Reject))
	r.Post("/submissions/{id}/review/cancel-confirm", handleDecision(deps, deps.Review.CancelConfirm))
	r.Post("/submissions/{id}/review/cancel-reject", handleDecision(deps, deps.Review.CancelReject))
	r.Post("/submissions/{id}/review/edit", handleEditPoint(deps))
	r.Post("/submissions/{id}/review/start", handleTransition(deps, deps.Review.StartReview))
	r.Post("/submissions/{id}/review/start-re-review", handleTransition(deps, deps.Review.StartReReview))
	r.Post("/submissions/{id}/review/submit", handleSubmitReview(deps))
	r.Get("/review/pending", handlePendingReview(deps))

	r.Get("/queue", handleQueueCounts(deps))

	return r
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxUploadBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}

		var files []upload.File
		for _, fh := range r.MultipartForm.File["images"] {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "opening %q: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %q: %v", fh.Filename, err)
				return
			}
			files = append(files, upload.File{Name: fh.Filename, Data: data})
		}
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file under field \"images\" is required")
			return
		}

		deps.Queue.Enqueue(files...)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]int{"queued": len(files)})
	}
}

func handleListSubmissions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := deps.Store.ListSubmissions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list submissions: %v", err)
			return
		}
		if subs == nil {
			subs = []submission.Submission{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subs)
	}
}

func handleGetSubmission(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		sub, err := deps.Store.GetSubmission(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get submission: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sub)
	}
}

func handleDeleteSubmission(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteSubmission(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete submission: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleClearSubmissions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Queue.Clear()
		if err := deps.Store.ClearSubmissions(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear submissions: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	}
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		stage, err := submission.ParseStage(chi.URLParam(r, "stage"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if _, err := deps.Store.GetSubmission(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get submission: %v", err)
			return
		}

		go deps.Pipeline.Retry(context.Background(), id, stage)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

type editTextRequest struct {
	Text string `json:"text"`
}

func handleEditOCRText(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		req, ok := decodeEditText(w, r)
		if !ok {
			return
		}
		if !submissionExists(deps, w, id) {
			return
		}

		// The edit cascades into a pipeline re-run from knowledge analysis;
		// failures surface through the notifier and the stored step errors.
		go deps.Pipeline.EditOCRText(context.Background(), id, req.Text)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

func handleEditAnswerText(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		req, ok := decodeEditText(w, r)
		if !ok {
			return
		}
		if !submissionExists(deps, w, id) {
			return
		}

		if err := deps.Pipeline.EditAnswerText(r.Context(), id, req.Text); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to update answer: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

func decodeEditText(w http.ResponseWriter, r *http.Request) (editTextRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req editTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return editTextRequest{}, false
	}
	return req, true
}

type decisionRequest struct {
	PointKey string `json:"point_key"`
	Kind     string `json:"kind"`
}

func (req decisionRequest) kind() (submission.PointKind, error) {
	switch submission.PointKind(req.Kind) {
	case submission.PointExisting:
		return submission.PointExisting, nil
	case submission.PointNew:
		return submission.PointNew, nil
	}
	return "", fmt.Errorf("unknown point kind %q", req.Kind)
}

func handleDecision(deps AppDeps, apply func(submissionID, pointKey string, kind submission.PointKind) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PointKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "point_key is required")
			return
		}
		kind, err := req.kind()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if err := apply(id, req.PointKey, kind); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record decision: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

type editPointRequest struct {
	PointKey string                       `json:"point_key"`
	Kind     string                       `json:"kind"`
	Fields   submission.NewKnowledgePoint `json:"fields"`
}

func handleEditPoint(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req editPointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PointKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "point_key is required")
			return
		}
		kind, err := decisionRequest{Kind: req.Kind}.kind()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if err := deps.Review.Edit(id, req.PointKey, kind, req.Fields); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record edit: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

func handleTransition(deps AppDeps, apply func(submissionID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := apply(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

func handleSubmitReview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Review.Submit(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		case errors.Is(err, backend.ErrReauthRequired):
			httpError(w, http.StatusUnauthorized, "authentication_error", "re-authentication required")
			return
		case err != nil:
			httpError(w, http.StatusBadGateway, "api_error", "failed to submit review: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "submitted"})
	}
}

func handlePendingReview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := deps.Review.SubmissionsAwaitingReview()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list submissions: %v", err)
			return
		}
		if subs == nil {
			subs = []submission.Submission{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subs)
	}
}

func handleQueueCounts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Queue.Counts())
	}
}

func submissionExists(deps AppDeps, w http.ResponseWriter, id string) bool {
	_, err := deps.Store.GetSubmission(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "submission not found")
		return false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get submission: %v", err)
		return false
	}
	return true
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
