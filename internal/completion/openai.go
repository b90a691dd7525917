package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAI calls any OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ Service = (*OpenAI)(nil)

// NewOpenAI builds an OpenAI-compatible Service. baseURL includes the /v1
// prefix, e.g. "https://api.openai.com/v1".
func NewOpenAI(baseURL, apiKey, model string, timeout time.Duration) *OpenAI {
	if timeout <= 0 {
		timeout = 100 * time.Second
	}
	return &OpenAI{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	if o.model == "" {
		return nil, fmt.Errorf("openai: model required")
	}
	body, err := json.Marshal(o.buildRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: errResp.Error.Message}
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("openai decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	return chatResp.Choices[0].Message.toResponse(), nil
}

func (o *OpenAI) buildRequest(req Request) oaiChatRequest {
	wire := oaiChatRequest{
		Model:       o.model,
		Messages:    make([]oaiMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		content := m.Content
		wire.Messages = append(wire.Messages, oaiMessage{Role: string(m.Role), Content: &content})
	}
	for _, fn := range req.Functions {
		wire.Tools = append(wire.Tools, oaiTool{
			Type: "function",
			Function: oaiToolDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  jsonSchema(fn.Parameters),
			},
		})
	}
	if req.ForceFunction != "" {
		wire.ToolChoice = oaiToolChoice{Type: "function", Function: oaiToolChoiceFunction{Name: req.ForceFunction}}
	}
	return wire
}

// jsonSchema renders parameters as a JSON schema object.
func jsonSchema(params []Parameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	ToolChoice  any          `json:"tool_choice,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role      string        `json:"role"`
	Content   *string       `json:"content"`
	ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiFunctionCall `json:"function"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string            `json:"type"`
	Function oaiToolDefinition `json:"function"`
}

type oaiToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiToolChoice struct {
	Type     string                `json:"type"`
	Function oaiToolChoiceFunction `json:"function"`
}

type oaiToolChoiceFunction struct {
	Name string `json:"name"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (m oaiMessage) toResponse() *Response {
	out := &Response{}
	if m.Content != nil {
		out.Content = *m.Content
	}
	if len(m.ToolCalls) > 0 {
		call := m.ToolCalls[0].Function
		out.FunctionCall = &FunctionCall{Name: call.Name, Arguments: json.RawMessage(call.Arguments)}
	}
	return out
}
