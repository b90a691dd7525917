// Package conversation runs the companion's side of the chat: replying to
// the user, starting breaks the model asks for and periodic check-ins.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nudge-server/internal/activity"
	"nudge-server/internal/breakclock"
	"nudge-server/internal/completion"
	"nudge-server/internal/model"
)

const StartBreakFunction = "start_break"

var startBreak = completion.Function{
	Name:        StartBreakFunction,
	Description: "Start a break during which the user will not be interrupted.",
	Parameters: []completion.Parameter{{
		Name:        "minutes",
		Type:        "integer",
		Description: "length of the break in minutes",
		Required:    true,
	}},
}

type startBreakArgs struct {
	Minutes int `json:"minutes"`
}

// AlertOptions ask the client to surface a message with sound.
var AlertOptions = []string{"sound", "alert"}

// Store is the persistence the engine reads and appends to.
type Store interface {
	activity.Reader
	LatestSettings(ctx context.Context, userID int64) (model.SettingsRevision, bool, error)
	RecentMessages(ctx context.Context, userID int64, limit int) ([]model.Message, error)
	AppendMessage(ctx context.Context, userID int64, role model.Role, content string) (model.Message, error)
}

// Sender delivers a chat message to the user's client.
type Sender interface {
	SendMessage(ctx context.Context, msg model.Message, notifOpts []string) error
}

// Classifier decides whether a check-in should interrupt the user.
type Classifier interface {
	ShouldTrigger(ctx context.Context, userID int64, timesinks, report string) bool
}

type Options struct {
	ContextMessages int
	MaxTokens       int
	Temperature     *float64
	Report          activity.Options
}

func DefaultOptions() Options {
	return Options{
		ContextMessages: 20,
		MaxTokens:       300,
		Report:          activity.DefaultOptions(),
	}
}

type Engine struct {
	store       Store
	completions completion.Service
	breaks      breakclock.Clock
	classifier  Classifier
	opts        Options
	now         func() time.Time
	logger      *slog.Logger
}

func NewEngine(st Store, svc completion.Service, breaks breakclock.Clock, classifier Classifier, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = 20
	}
	return &Engine{
		store:       st,
		completions: svc,
		breaks:      breaks,
		classifier:  classifier,
		opts:        opts,
		now:         time.Now,
		logger:      logger,
	}
}

// RespondToMessage asks the model for the next assistant turn. A start_break
// call starts the user's break and sends nothing; non-empty content is
// stored and delivered with alert options; anything else is silence.
// Completion failures are logged and treated as silence. Store and send
// failures are returned.
func (e *Engine) RespondToMessage(ctx context.Context, userID int64, sender Sender) error {
	settings, _, err := e.store.LatestSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	history, err := e.store.RecentMessages(ctx, userID, e.opts.ContextMessages)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	messages := make([]completion.Message, 0, len(history)+1)
	messages = append(messages, completion.Message{
		Role:    completion.RoleSystem,
		Content: SystemPrompt(settings.Timesinks, settings.EndorsedActivities),
	})
	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			messages = append(messages, completion.Message{Role: completion.RoleUser, Content: m.Content})
		case model.RoleAssistant:
			messages = append(messages, completion.Message{Role: completion.RoleAssistant, Content: m.Content})
		}
	}

	resp, err := e.completions.Complete(ctx, completion.Request{
		Messages:    messages,
		Functions:   []completion.Function{startBreak},
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("conversation: completion failed", "user_id", userID, "err", err)
		return nil
	}

	if resp.FunctionCall != nil && resp.FunctionCall.Name == StartBreakFunction {
		return e.startBreak(ctx, userID, resp)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil
	}
	msg, err := e.store.AppendMessage(ctx, userID, model.RoleAssistant, content)
	if err != nil {
		return fmt.Errorf("store reply: %w", err)
	}
	if err := sender.SendMessage(ctx, msg, AlertOptions); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (e *Engine) startBreak(ctx context.Context, userID int64, resp *completion.Response) error {
	args, err := completion.ParseArguments[startBreakArgs](resp, StartBreakFunction)
	if err == nil && args.Minutes <= 0 {
		err = fmt.Errorf("%w: minutes must be positive, got %d", completion.ErrMalformedArguments, args.Minutes)
	}
	if err != nil {
		e.logger.Warn("conversation: ignoring start_break", "user_id", userID, "err", err)
		return nil
	}

	until := e.now().Add(time.Duration(args.Minutes) * time.Minute)
	if err := e.breaks.Start(ctx, userID, until); err != nil {
		return fmt.Errorf("start break: %w", err)
	}
	e.logger.Info("conversation: break started", "user_id", userID, "minutes", args.Minutes, "until", until.Unix())
	return nil
}

// CheckIn evaluates recent activity against the user's timesinks. When the
// classifier says to intervene, the activity report is stored as the user's
// turn and the engine replies to it.
func (e *Engine) CheckIn(ctx context.Context, userID int64, sender Sender) error {
	settings, ok, err := e.store.LatestSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !ok || strings.TrimSpace(settings.Timesinks) == "" {
		return nil
	}

	report, err := activity.BuildReport(ctx, e.store, userID, e.opts.Report, e.now())
	if err != nil {
		return err
	}
	if report.Empty() {
		e.logger.Debug("conversation: no activity to check in on", "user_id", userID)
		return nil
	}
	text := report.String()
	if !e.classifier.ShouldTrigger(ctx, userID, settings.Timesinks, text) {
		return nil
	}

	if _, err := e.store.AppendMessage(ctx, userID, model.RoleUser, checkInMessage(text)); err != nil {
		return fmt.Errorf("store check-in: %w", err)
	}
	return e.RespondToMessage(ctx, userID, sender)
}
