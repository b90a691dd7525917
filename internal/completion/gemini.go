package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini is a Service backed by the Google generative AI API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

var _ Service = (*Gemini)(nil)

// NewGemini creates a client for model. Each Complete call is bounded by
// timeout when it is positive. Extra options are applied after the API key.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration, opts ...option.ClientOption) (*Gemini, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	system, history, last, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = system
	model.Tools = toGeminiTools(req.Functions)
	if req.ForceFunction != "" {
		model.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingAny,
				AllowedFunctionNames: []string{req.ForceFunction},
			},
		}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}

	cs := model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	return fromGeminiResponse(resp)
}

// toGeminiContents splits messages into the system instruction, the chat
// history and the final turn to send. Consecutive turns of the same role are
// folded together since the API expects user and model to alternate.
func toGeminiContents(messages []Message) (*genai.Content, []*genai.Content, *genai.Content, error) {
	var (
		systemParts []string
		turns       []*genai.Content
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Parts = append(turns[n-1].Parts, genai.Text(m.Content))
			continue
		}
		turns = append(turns, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	if len(turns) == 0 {
		return nil, nil, nil, errors.New("gemini: no user or assistant messages")
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))}}
	}
	last := turns[len(turns)-1]
	return system, turns[:len(turns)-1], last, nil
}

func toGeminiTools(functions []Function) []*genai.Tool {
	if len(functions) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(functions))
	for _, fn := range functions {
		schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, p := range fn.Parameters {
			schema.Properties[p.Name] = &genai.Schema{Type: geminiType(p.Type), Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func geminiType(t string) genai.Type {
	switch t {
	case "boolean":
		return genai.TypeBoolean
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: response has no candidates")
	}
	out := &Response{}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			if out.FunctionCall != nil {
				continue
			}
			args, err := json.Marshal(p.Args)
			if err != nil {
				return nil, fmt.Errorf("gemini: encode function args: %w", err)
			}
			out.FunctionCall = &FunctionCall{Name: p.Name, Arguments: args}
		}
	}
	out.Content = text.String()
	return out, nil
}
