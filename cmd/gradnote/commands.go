package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gradnote/gradnote/internal/config"
	"github.com/gradnote/gradnote/internal/submission"
	"github.com/gradnote/gradnote/internal/upload"
)

func readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <image>...",
	Short: "Queue question photos for processing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFiles(cmd.Context(), "/submissions", args)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d image(s)", result["queued"])
		return nil
	},
}

// --- submissions ---

var submissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "List submissions and their pipeline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/submissions")
		if err != nil {
			return err
		}

		var subs []submission.Submission
		if err := decodeJSON(resp, &subs); err != nil {
			return err
		}

		if len(subs) == 0 {
			printInfo("no submissions")
			return nil
		}
		for _, s := range subs {
			fmt.Fprintf(os.Stdout, "%s  %s  review=%s\n",
				s.ID, s.CreatedAt.Format(time.RFC3339), s.ReviewStatus)
			for _, st := range submission.AllStages() {
				line := fmt.Sprintf("    %-15s %s", st, s.Steps[st])
				if msg := s.StepErrors[st]; msg != "" {
					line += "  (" + msg + ")"
				}
				fmt.Fprintln(os.Stdout, line)
			}
		}
		return nil
	},
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all submissions and drop the upload queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/submissions")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared all submissions")
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gradnote system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := healthClient.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Backend.BaseURL)

	if running {
		client, err := newAPIClient()
		if err == nil {
			ctx := context.Background()
			if qResp, qErr := client.get(ctx, "/queue"); qErr == nil {
				var counts upload.Counts
				if decodeJSON(qResp, &counts) == nil {
					printStatus("Queue", "%d pending, %d of %d processed", counts.Pending, counts.Completed, counts.Total)
				}
			}
			if sResp, sErr := client.get(ctx, "/submissions"); sErr == nil {
				var subs []submission.Submission
				if decodeJSON(sResp, &subs) == nil {
					printStatus("Submissions", "%d", len(subs))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
