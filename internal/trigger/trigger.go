// Package trigger decides whether recent activity warrants interrupting the
// user.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nudge-server/internal/breakclock"
	"nudge-server/internal/completion"
)

const FunctionName = "trigger"

var function = completion.Function{
	Name:        FunctionName,
	Description: "Report whether the user should be interrupted right now.",
	Parameters: []completion.Parameter{{
		Name:        "trigger",
		Type:        "boolean",
		Description: "true if the user is spending time on one of their timesinks",
		Required:    true,
	}},
}

type arguments struct {
	Trigger *bool `json:"trigger"`
}

type Classifier struct {
	completions completion.Service
	breaks      breakclock.Clock
	maxTokens   int
	now         func() time.Time
	logger      *slog.Logger
}

func NewClassifier(svc completion.Service, breaks breakclock.Clock, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		completions: svc,
		breaks:      breaks,
		maxTokens:   32,
		now:         time.Now,
		logger:      logger,
	}
}

// Prompt is the question put to the model.
func Prompt(timesinks, report string) string {
	return fmt.Sprintf(
		"The user has said these are their timesinks:\n%s\n\n"+
			"Here is what they have been doing recently, oldest first:\n%s\n\n"+
			"Is the user currently spending time on one of their timesinks? Call %s with your answer.",
		timesinks, report, FunctionName)
}

// ShouldTrigger asks the model whether the user is on a timesink. It returns
// false without asking while the user is on a break, and whenever the
// answer cannot be read.
func (c *Classifier) ShouldTrigger(ctx context.Context, userID int64, timesinks, report string) bool {
	onBreak, err := breakclock.Active(ctx, c.breaks, userID, c.now())
	if err != nil {
		c.logger.Warn("trigger: break clock unavailable", "user_id", userID, "err", err)
		return false
	}
	if onBreak {
		return false
	}

	resp, err := c.completions.Complete(ctx, completion.Request{
		Messages:      []completion.Message{{Role: completion.RoleUser, Content: Prompt(timesinks, report)}},
		Functions:     []completion.Function{function},
		ForceFunction: FunctionName,
		MaxTokens:     c.maxTokens,
		Temperature:   completion.Float64(0),
	})
	if err != nil {
		c.logger.Warn("trigger: completion failed", "user_id", userID, "err", err)
		return false
	}

	args, err := completion.ParseArguments[arguments](resp, FunctionName)
	if err == nil && args.Trigger == nil {
		err = fmt.Errorf("%w: missing trigger", completion.ErrMalformedArguments)
	}
	if err != nil {
		c.logger.Warn("trigger: ambiguous classifier response", "user_id", userID, "err", err)
		return false
	}
	return *args.Trigger
}
