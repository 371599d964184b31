package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gradnote/gradnote/internal/storage"
	"github.com/gradnote/gradnote/internal/submission"
	"github.com/gradnote/gradnote/internal/upload"
)

// MCPDeps holds dependencies for the MCP server. The MCP surface is
// read-only: it inspects pipeline state but never mutates it.
type MCPDeps struct {
	Store *storage.Store
	Queue *upload.Queue
}

// NewMCPServer creates an MCP server exposing the submission pipeline for
// inspection.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gradnote",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("gradnote submission pipeline: inspect uploaded question photos and the state of their processing stages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_submissions",
			mcp.WithDescription("List all submissions with their creation time, linked question and review status."),
		),
		mcpListSubmissions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_submission",
			mcp.WithDescription("Return the full record of one submission, including stage payloads and errors."),
			mcp.WithString("id", mcp.Description("Submission id"), mcp.Required()),
		),
		mcpGetSubmission(deps),
	)

	s.AddTool(
		mcp.NewTool("pipeline_status",
			mcp.WithDescription("Return per-stage statuses and errors for one submission, plus the upload queue counters."),
			mcp.WithString("id", mcp.Description("Submission id"), mcp.Required()),
		),
		mcpPipelineStatus(deps),
	)

	return s
}

func mcpListSubmissions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subs, err := deps.Store.ListSubmissions()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list submissions: %v", err)), nil
		}

		type summary struct {
			ID           string `json:"id"`
			CreatedAt    string `json:"created_at"`
			QuestionID   *int64 `json:"question_id,omitempty"`
			ReviewStatus string `json:"review_status"`
		}

		summaries := make([]summary, len(subs))
		for i, s := range subs {
			summaries[i] = summary{
				ID:           s.ID,
				CreatedAt:    s.CreatedAt.Format(time.RFC3339),
				QuestionID:   s.QuestionID,
				ReviewStatus: string(s.ReviewStatus),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal submissions: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetSubmission(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		sub, err := deps.Store.GetSubmission(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get submission: %v", err)), nil
		}

		b, err := json.Marshal(sub)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal submission: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpPipelineStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		sub, err := deps.Store.GetSubmission(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get submission: %v", err)), nil
		}

		type stageStatus struct {
			Stage  string `json:"stage"`
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		stages := make([]stageStatus, 0, len(submission.AllStages()))
		for _, st := range submission.AllStages() {
			stages = append(stages, stageStatus{
				Stage:  string(st),
				Status: string(sub.Steps[st]),
				Error:  sub.StepErrors[st],
			})
		}

		payload := map[string]any{
			"id":            sub.ID,
			"stages":        stages,
			"review_status": string(sub.ReviewStatus),
			"queue":         deps.Queue.Counts(),
		}

		b, err := json.Marshal(payload)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
