// Package main implements ragctl, a command-line client for the pdfrag API.
package main

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/fyrsmithlabs/pdfrag/pkg/auth"
	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the pdfrag HTTP server
	serverURL string
	// ownerID scopes uploads and questions; derived from the local user when empty
	ownerID     string
	ownerHeader string
	timeout     time.Duration
	version     = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "CLI for the pdfrag HTTP API",
	Long: `ragctl uploads PDFs to a pdfrag server, asks questions about them, and
checks server health.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "pdfrag server URL")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner identifier (default: derived from the local username)")
	rootCmd.PersistentFlags().StringVar(&ownerHeader, "owner-header", auth.DefaultOwnerHeader, "header carrying the owner identifier")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	rootCmd.AddCommand(uploadCmd, askCmd, healthCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a PDF for indexing",
	Long: `Upload a PDF. The server indexes it in the background and deletes it,
together with its index entries, after the retention window.

Examples:
  ragctl upload report.pdf
  ragctl upload --owner team-a report.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your uploaded documents",
	Long: `Ask a question. The answer is generated from passages of the owner's
own uploads; the passages are listed with their source file and page.

Examples:
  ragctl ask "What is lorem ipsum?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check pdfrag server health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

// resolveOwner returns --owner, or an id derived from the local username.
func resolveOwner() (string, error) {
	if ownerID != "" {
		return ownerID, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("cannot determine local user, pass --owner: %w", err)
	}
	return auth.DeriveOwnerID(u.Username)
}
