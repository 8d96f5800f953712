package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	httpserver "github.com/fyrsmithlabs/pdfrag/internal/http"
	"github.com/fyrsmithlabs/pdfrag/pkg/auth"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCmd points the globals at srv and returns a command capturing output.
func testCmd(t *testing.T, srv *httptest.Server, owner string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	prevURL, prevOwner, prevHeader := serverURL, ownerID, ownerHeader
	t.Cleanup(func() { serverURL, ownerID, ownerHeader = prevURL, prevOwner, prevHeader })
	serverURL, ownerID, ownerHeader = srv.URL, owner, auth.DefaultOwnerHeader

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	return cmd, &out
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
		assert.NotEmpty(t, cmd.Short, cmd.Name())
	}
	for _, want := range []string{"upload", "ask", "health"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestRunUpload(t *testing.T) {
	var gotOwner, gotName string
	var gotData []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/pdf", r.URL.Path)
		gotOwner = r.Header.Get(auth.DefaultOwnerHeader)
		f, fh, err := r.FormFile("pdf")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotName = fh.Filename
		gotData, _ = io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(httpserver.UploadResponse{Message: "uploaded", BatchID: "b-1", FileName: fh.Filename})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 body"), 0o600))

	cmd, out := testCmd(t, srv, "owner-a")
	require.NoError(t, runUpload(cmd, []string{path}))

	assert.Equal(t, "owner-a", gotOwner)
	assert.Equal(t, "report.pdf", gotName)
	assert.Equal(t, []byte("%PDF-1.4 body"), gotData)
	assert.Contains(t, out.String(), "Uploaded report.pdf (batch b-1)")
}

func TestRunUpload_MissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cmd, _ := testCmd(t, srv, "owner-a")
	assert.ErrorContains(t, runUpload(cmd, []string{filepath.Join(t.TempDir(), "nope.pdf")}), "failed to read file")
}

func TestRunAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "What is lorem ipsum?", r.URL.Query().Get("message"))
		assert.Equal(t, "owner-a", r.Header.Get(auth.DefaultOwnerHeader))
		_ = json.NewEncoder(w).Encode(httpserver.ChatResponse{
			Response: "Placeholder text.",
			RetrievedInfo: []httpserver.RetrievedInfo{
				{Text: "Lorem ipsum", SourceFileName: "lorem.pdf", PageNumber: 2},
				{Text: "x", SourceFileName: "notes.pdf"},
			},
		})
	}))
	defer srv.Close()

	cmd, out := testCmd(t, srv, "owner-a")
	require.NoError(t, runAsk(cmd, []string{"What", "is", "lorem", "ipsum?"}))

	assert.Contains(t, out.String(), "Placeholder text.")
	assert.Contains(t, out.String(), "lorem.pdf (page 2)")
	assert.Contains(t, out.String(), "- notes.pdf\n")
	assert.NotContains(t, out.String(), "warning")
}

func TestRunAsk_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"owner identifier is required"}`))
	}))
	defer srv.Close()

	cmd, _ := testCmd(t, srv, "owner-a")
	err := runAsk(cmd, []string{"hi"})
	assert.ErrorContains(t, err, "status 401")
	assert.ErrorContains(t, err, "owner identifier is required")
}

func TestRunHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := httpserver.HealthResponse{Status: "ok", Services: map[string]string{"vectorstore": "ok"}}
		if status != http.StatusOK {
			resp = httpserver.HealthResponse{Status: "degraded", Services: map[string]string{"vectorstore": "unavailable"}}
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cmd, out := testCmd(t, srv, "")
	require.NoError(t, runHealth(cmd, nil))
	assert.Contains(t, out.String(), "Server Status: ok")

	status = http.StatusServiceUnavailable
	out.Reset()
	assert.ErrorContains(t, runHealth(cmd, nil), "degraded")
	assert.Contains(t, out.String(), "vectorstore: unavailable")
}

func TestResolveOwner(t *testing.T) {
	prev := ownerID
	t.Cleanup(func() { ownerID = prev })

	ownerID = "explicit"
	got, err := resolveOwner()
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)

	ownerID = ""
	if u, err := user.Current(); err != nil || u.Username == "" {
		t.Skip("no local username")
	}
	got, err = resolveOwner()
	require.NoError(t, err)
	assert.Len(t, got, 64)
}
