package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zapcore"
)

type fakeModel struct {
	mu       sync.Mutex
	messages [][]llms.MessageContent
	opts     llms.CallOptions
	answer   string
	err      error
	empty    bool
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messages)
	for _, o := range options {
		o(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.answer}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func messageText(mc llms.MessageContent) string {
	var s string
	for _, p := range mc.Parts {
		if tp, ok := p.(llms.TextContent); ok {
			s += tp.Text
		}
	}
	return s
}

func TestChatGenerator_Generate(t *testing.T) {
	model := &fakeModel{answer: "The total is 42."}
	g := NewChatGenerator(model, Options{Model: "gpt-4o", Temperature: 0.2}, nil)

	answer, err := g.Generate(context.Background(), "chunk one\n\nchunk two", "What is the total?")
	require.NoError(t, err)
	assert.Equal(t, "The total is 42.", answer)

	require.Len(t, model.messages, 1)
	msgs := model.messages[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	system := messageText(msgs[0])
	assert.Contains(t, system, "using only the retrieved context")
	assert.Contains(t, system, "Do not use outside knowledge")
	assert.True(t, strings.HasSuffix(system, "Retrieved context:\nchunk one\n\nchunk two"), system)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, "Question: What is the total?", messageText(msgs[1]))
	assert.InDelta(t, 0.2, model.opts.Temperature, 1e-9)
}

func TestChatGenerator_EmptyContext(t *testing.T) {
	model := &fakeModel{answer: "I don't know."}
	g := NewChatGenerator(model, Options{}, nil)

	answer, err := g.Generate(context.Background(), "", "anything?")
	require.NoError(t, err)
	assert.Equal(t, "I don't know.", answer)
	system := messageText(model.messages[0][0])
	assert.Equal(t, systemPromptPrefix, system)
	assert.Contains(t, system, "If the context is empty or does not contain the answer, say that you don't know.")
}

func TestChatGenerator_Errors(t *testing.T) {
	g := NewChatGenerator(&fakeModel{}, Options{}, nil)
	_, err := g.Generate(context.Background(), "ctx", "")
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	g = NewChatGenerator(&fakeModel{empty: true}, Options{}, nil)
	_, err = g.Generate(context.Background(), "ctx", "q")
	assert.ErrorIs(t, err, ErrNoAnswer)

	logger := logging.NewTestLogger()
	upstream := errors.New("503 service unavailable")
	g = NewChatGenerator(&fakeModel{err: upstream}, Options{Model: "gpt-4o"}, logger.Logger)
	_, err = g.Generate(context.Background(), "ctx", "q")
	assert.ErrorIs(t, err, upstream)
	logger.AssertLogged(t, zapcore.WarnLevel, "answer generation failed")
}

func TestChatGenerator_RateLimited(t *testing.T) {
	g := NewChatGenerator(&fakeModel{answer: "a"}, Options{RequestsPerSecond: 0.001}, nil)

	_, err := g.Generate(context.Background(), "", "first")
	require.NoError(t, err, "burst allows one request")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, "", "second")
	assert.ErrorContains(t, err, "rate limiter")
}

func TestJoinContext(t *testing.T) {
	assert.Equal(t, "", JoinContext(nil))
	assert.Equal(t, "a\n\nb", JoinContext([]string{"a", "b"}))
}

// chatServer fakes the /chat/completions endpoint.
type chatServer struct {
	mu       sync.Mutex
	requests []chatRequest
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(raw, &parts)
	for _, p := range parts {
		s += p.Text
	}
	return s
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": "From the document: yes."},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func TestNew_OpenAICompatibleServer(t *testing.T) {
	srv := &chatServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := config.Default().Generation
	cfg.BaseURL = ts.URL
	g, err := New(cfg, nil)
	require.NoError(t, err)

	answer, err := g.Generate(context.Background(), "retrieved text", "Is it there?")
	require.NoError(t, err)
	assert.Equal(t, "From the document: yes.", answer)

	require.Len(t, srv.requests, 1)
	req := srv.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, contentText(req.Messages[0].Content), "retrieved text")
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "Question: Is it there?", contentText(req.Messages[1].Content))
}

func TestNew_RequiresModel(t *testing.T) {
	cfg := config.Default().Generation
	cfg.Model = ""
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
