package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "gradnote",
	Short:   "gradnote processes mistake-notebook question photos through the grading pipeline",
	Version: version,
	Long: `gradnote runs the local side of the mistake-notebook workflow: it queues
uploaded question photos, drives each one through OCR, answer detection,
knowledge analysis, solving and knowledge extraction against the remote
backend, and manages the review of extracted knowledge points.`,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(clearCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
