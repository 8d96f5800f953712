package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	httpserver "github.com/fyrsmithlabs/pdfrag/internal/http"
	"github.com/spf13/cobra"
)

func newClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

// do sends req and decodes a 200 JSON body into out.
func do(req *http.Request, out any) error {
	resp, err := newClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// runUpload handles the upload command
func runUpload(cmd *cobra.Command, args []string) error {
	owner, err := resolveOwner()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", args[0], err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("pdf", filepath.Base(args[0]))
	if err != nil {
		return err
	}
	if _, err := fw.Write(content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, serverURL+"/upload/pdf", &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(ownerHeader, owner)

	var resp httpserver.UploadResponse
	if err := do(req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (batch %s)\n", resp.FileName, resp.BatchID)
	return nil
}

// runAsk handles the ask command
func runAsk(cmd *cobra.Command, args []string) error {
	owner, err := resolveOwner()
	if err != nil {
		return err
	}
	q := url.Values{"message": {strings.Join(args, " ")}}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+"/chat?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(ownerHeader, owner)

	var resp httpserver.ChatResponse
	if err := do(req, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Response)
	if len(resp.RetrievedInfo) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for _, s := range resp.RetrievedInfo {
			if s.PageNumber > 0 {
				fmt.Fprintf(out, "  - %s (page %d)\n", s.SourceFileName, s.PageNumber)
			} else {
				fmt.Fprintf(out, "  - %s\n", s.SourceFileName)
			}
		}
	}
	if resp.Degraded {
		fmt.Fprintln(cmd.ErrOrStderr(), "[ragctl] warning: owner-scoped search failed; sources may include other owners' documents")
	}
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, _ []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := newClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	var health httpserver.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", health.Status)
	for name, status := range health.Services {
		fmt.Fprintf(out, "  %s: %s\n", name, status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}
