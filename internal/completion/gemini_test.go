package completion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

func TestToGeminiContents(t *testing.T) {
	system, history, last, err := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
		{Role: RoleUser, Content: "d"},
	})
	if err != nil {
		t.Fatalf("toGeminiContents: %v", err)
	}
	if system == nil || system.Parts[0] != genai.Text("persona") {
		t.Fatalf("unexpected system instruction: %+v", system)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(history))
	}
	if history[0].Role != "user" || len(history[0].Parts) != 2 {
		t.Fatalf("expected folded user turn, got %+v", history[0])
	}
	if history[1].Role != "model" {
		t.Fatalf("expected model turn, got %q", history[1].Role)
	}
	if last.Role != "user" || last.Parts[0] != genai.Text("d") {
		t.Fatalf("unexpected last turn: %+v", last)
	}
}

func TestToGeminiContents_OnlySystem(t *testing.T) {
	if _, _, _, err := toGeminiContents([]Message{{Role: RoleSystem, Content: "x"}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := toGeminiTools([]Function{{
		Name:       "start_break",
		Parameters: []Parameter{{Name: "minutes", Type: "integer", Required: true}},
	}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Parameters.Properties["minutes"].Type != genai.TypeInteger {
		t.Fatalf("expected integer parameter")
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "minutes" {
		t.Fatalf("unexpected required: %v", decl.Parameters.Required)
	}
	if toGeminiTools(nil) != nil {
		t.Fatalf("expected no tools")
	}
}

func TestFromGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("ok "),
			genai.FunctionCall{Name: "start_break", Args: map[string]any{"minutes": float64(10)}},
			genai.Text("then"),
		}},
	}}}
	out, err := fromGeminiResponse(resp)
	if err != nil {
		t.Fatalf("fromGeminiResponse: %v", err)
	}
	if out.Content != "ok then" {
		t.Fatalf("unexpected content %q", out.Content)
	}
	args, err := ParseArguments[breakArgs](out, "start_break")
	if err != nil || args.Minutes != 10 {
		t.Fatalf("unexpected args %+v err=%v", args, err)
	}

	if _, err := fromGeminiResponse(&genai.GenerateContentResponse{}); err == nil {
		t.Fatalf("expected error for empty response")
	}
}

func TestGemini_CompleteTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	g, err := NewGemini(context.Background(), "test-key", "gemini-1.5-flash", 100*time.Millisecond, option.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	defer g.Close()

	done := make(chan error, 1)
	go func() {
		_, err := g.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error from a hung upstream")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Complete did not return after its timeout")
	}
}
