package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

type chatRequest struct {
	Model               string            `json:"model"`
	Messages            []json.RawMessage `json:"messages"`
	Temperature         *float64          `json:"temperature"`
	MaxCompletionTokens *int              `json:"max_completion_tokens"`
}

// completionServer answers /chat/completions with content and records the
// last request and the Authorization header.
func completionServer(t *testing.T, status int, content string) (*httptest.Server, *atomic.Pointer[chatRequest], *atomic.Value) {
	t.Helper()
	var last atomic.Pointer[chatRequest]
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		last.Store(&body)
		auth.Store(r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
			return
		}
		choices := `[]`
		if content != "" {
			c, _ := json.Marshal(content)
			choices = `[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(c) + `}}]`
		}
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":` + choices +
			`,"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &last, &auth
}

func conversation() []llm.Message {
	return []llm.Message{llm.SystemMessage("s"), llm.UserMessage("u"), llm.AssistantMessage("a"), llm.UserMessage("u2")}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		model   string
		opts    []Option
		wantErr string
	}{
		{name: "hosted with key", apiKey: "sk-test", model: "gpt-4o-mini"},
		{name: "local without key", model: "llama3", opts: []Option{WithBaseURL("http://127.0.0.1:8080/v1")}},
		{name: "all options", apiKey: "sk-test", model: "gpt-4o", opts: []Option{
			WithBaseURL("https://example.com/v1"), WithOrganization("org-123"),
			WithTimeout(5 * time.Second), WithRetries(2), WithHTTPClient(http.DefaultClient),
		}},
		{name: "hosted without key", model: "gpt-4o", wantErr: "API key is required"},
		{name: "no model", apiKey: "sk-test", wantErr: "model must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.apiKey, tt.model, tt.opts...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Model() != tt.model {
				t.Errorf("Model() = %q, want %q", p.Model(), tt.model)
			}
		})
	}
}

func TestToParam(t *testing.T) {
	tests := []struct {
		name string
		msg  llm.Message
		want [3]bool
	}{
		{name: "system", msg: llm.SystemMessage("You are Parley."), want: [3]bool{true, false, false}},
		{name: "user", msg: llm.UserMessage("Hello!"), want: [3]bool{false, true, false}},
		{name: "assistant", msg: llm.AssistantMessage("Hi there!"), want: [3]bool{false, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := toParam(tt.msg)
			if err != nil {
				t.Fatalf("toParam: %v", err)
			}
			got := [3]bool{p.OfSystem != nil, p.OfUser != nil, p.OfAssistant != nil}
			if got != tt.want {
				t.Errorf("set variants = %v, want %v", got, tt.want)
			}
		})
	}
	if _, err := toParam(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Error("toParam(tool) succeeded, want error")
	}
}

func TestComplete(t *testing.T) {
	srv, last, auth := completionServer(t, http.StatusOK, "<think>short answer</think>Sure.")
	p, err := New("", "local-model", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages:    conversation(),
		Temperature: 0.6,
		MaxTokens:   80,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Sure." {
		t.Errorf("content = %q, want Sure.", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("total tokens = %d, want 5", resp.Usage.TotalTokens)
	}

	req := last.Load()
	if req.Model != "local-model" || len(req.Messages) != 4 {
		t.Errorf("server saw model %q with %d messages, want local-model with 4", req.Model, len(req.Messages))
	}
	if req.Temperature == nil || *req.Temperature != 0.6 {
		t.Errorf("temperature = %v, want 0.6", req.Temperature)
	}
	if req.MaxCompletionTokens == nil || *req.MaxCompletionTokens != 80 {
		t.Errorf("max_completion_tokens = %v, want 80", req.MaxCompletionTokens)
	}
	if got := auth.Load(); got != "Bearer "+placeholderKey {
		t.Errorf("Authorization = %v, want the placeholder key", got)
	}
}

func TestComplete_KeepsReasoning(t *testing.T) {
	srv, _, _ := completionServer(t, http.StatusOK, "<think>x</think>Sure.")
	p, _ := New("", "m", WithBaseURL(srv.URL), WithReasoning())
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: conversation()})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "<think>x</think>Sure." {
		t.Errorf("content = %q, want the raw reply", resp.Content)
	}
}

func TestComplete_OmitsUnsetSampling(t *testing.T) {
	srv, last, _ := completionServer(t, http.StatusOK, "ok")
	p, _ := New("", "m", WithBaseURL(srv.URL))
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: conversation()}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	req := last.Load()
	if req.Temperature != nil || req.MaxCompletionTokens != nil {
		t.Errorf("request = %+v, want temperature and max tokens omitted", req)
	}
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		wantIs  error
	}{
		{name: "no choices", status: http.StatusOK, wantIs: ErrEmptyReply},
		{name: "server error", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := completionServer(t, tt.status, tt.content)
			p, _ := New("", "m", WithBaseURL(srv.URL))
			_, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: conversation()})
			if err == nil {
				t.Fatal("Complete succeeded, want error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("err = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestComplete_UnknownRole(t *testing.T) {
	p, _ := New("", "m", WithBaseURL("http://127.0.0.1:1"))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "unsupported message role") {
		t.Errorf("err = %v, want unsupported role", err)
	}
}

func TestComplete_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, err := New("sk-test", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Complete(ctx, llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("hi")}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	count, err := p.CountTokens([]llm.Message{llm.UserMessage("Hello world")})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 7 {
		t.Errorf("CountTokens = %d, want 7", count)
	}
}
