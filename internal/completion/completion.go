// Package completion talks to chat-completion backends. Callers describe a
// conversation and an optional set of callable functions; a backend answers
// with free text or with one structured function call.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Parameter is one top-level argument of a Function. Type is a JSON schema
// primitive: "boolean", "integer", "number" or "string".
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

type Function struct {
	Name        string
	Description string
	Parameters  []Parameter
}

type Request struct {
	Messages  []Message
	Functions []Function
	// ForceFunction, when set, requires the model to call the named function.
	ForceFunction string
	MaxTokens     int
	Temperature   *float64
}

type FunctionCall struct {
	Name      string
	Arguments json.RawMessage
}

type Response struct {
	Content      string
	FunctionCall *FunctionCall
}

type Service interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

var (
	ErrNoFunctionCall     = errors.New("completion: response has no matching function call")
	ErrMalformedArguments = errors.New("completion: malformed function arguments")
)

// ProviderError is a non-success answer from a backend.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// ParseArguments decodes the arguments of the call to name into T. It
// returns ErrNoFunctionCall when resp carries no call to name and
// ErrMalformedArguments when the payload does not decode.
func ParseArguments[T any](resp *Response, name string) (T, error) {
	var args T
	if resp == nil || resp.FunctionCall == nil || resp.FunctionCall.Name != name {
		return args, ErrNoFunctionCall
	}
	raw := resp.FunctionCall.Arguments
	if len(raw) == 0 {
		return args, fmt.Errorf("%w: empty payload", ErrMalformedArguments)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
	}
	return args, nil
}

// Float64 returns a pointer to v, for Request.Temperature.
func Float64(v float64) *float64 { return &v }
