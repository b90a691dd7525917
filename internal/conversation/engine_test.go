package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"nudge-server/internal/breakclock"
	"nudge-server/internal/completion"
	"nudge-server/internal/model"
	"nudge-server/internal/store"
	"nudge-server/internal/trigger"
)

type scriptedCompletions struct {
	responses []*completion.Response
	err       error
	calls     []completion.Request
}

func (s *scriptedCompletions) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	i := len(s.calls)
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return &completion.Response{}, nil
}

type sent struct {
	msg       model.Message
	notifOpts []string
}

type recordingSender struct {
	sent []sent
	err  error
}

func (r *recordingSender) SendMessage(ctx context.Context, msg model.Message, notifOpts []string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{msg: msg, notifOpts: notifOpts})
	return nil
}

type fixture struct {
	store  *store.Store
	svc    *scriptedCompletions
	breaks *breakclock.Memory
	engine *Engine
	sender *recordingSender
	userID int64
}

func newFixture(t *testing.T, responses ...*completion.Response) *fixture {
	t.Helper()
	st := store.New()
	u, _, err := st.FindOrCreateUser(context.Background(), "machine")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	svc := &scriptedCompletions{responses: responses}
	breaks := breakclock.NewMemory()
	classifier := trigger.NewClassifier(svc, breaks, nil)
	return &fixture{
		store:  st,
		svc:    svc,
		breaks: breaks,
		engine: NewEngine(st, svc, breaks, classifier, DefaultOptions(), nil),
		sender: &recordingSender{},
		userID: u.ID,
	}
}

func (f *fixture) messages(t *testing.T) []model.Message {
	t.Helper()
	msgs, err := f.store.RecentMessages(context.Background(), f.userID, 100)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	return msgs
}

func breakCall(minutes string) *completion.Response {
	return &completion.Response{FunctionCall: &completion.FunctionCall{
		Name:      StartBreakFunction,
		Arguments: json.RawMessage(`{"minutes":` + minutes + `}`),
	}}
}

func triggerCall(v bool) *completion.Response {
	args := `{"trigger":false}`
	if v {
		args = `{"trigger":true}`
	}
	return &completion.Response{FunctionCall: &completion.FunctionCall{Name: trigger.FunctionName, Arguments: json.RawMessage(args)}}
}

func TestRespondToMessage_DeliversContent(t *testing.T) {
	f := newFixture(t, &completion.Response{Content: "  back to work? :D  "})
	ctx := context.Background()
	_, _ = f.store.AppendSettings(ctx, f.userID, "reddit", "golang")
	_, _ = f.store.AppendMessage(ctx, f.userID, model.RoleUser, "hi")

	if err := f.engine.RespondToMessage(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("RespondToMessage: %v", err)
	}

	if len(f.sender.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(f.sender.sent))
	}
	out := f.sender.sent[0]
	if out.msg.Role != model.RoleAssistant || out.msg.Content != "back to work? :D" {
		t.Fatalf("unexpected message: %+v", out.msg)
	}
	if strings.Join(out.notifOpts, ",") != "sound,alert" {
		t.Fatalf("unexpected notifOpts %v", out.notifOpts)
	}
	msgs := f.messages(t)
	if len(msgs) != 2 || msgs[1].Role != model.RoleAssistant {
		t.Fatalf("expected reply persisted, got %+v", msgs)
	}

	req := f.svc.calls[0]
	if req.Messages[0].Role != completion.RoleSystem || !strings.Contains(req.Messages[0].Content, "reddit") || !strings.Contains(req.Messages[0].Content, "golang") {
		t.Fatalf("expected system prompt with settings, got %+v", req.Messages[0])
	}
	if len(req.Functions) != 1 || req.Functions[0].Name != StartBreakFunction || req.ForceFunction != "" {
		t.Fatalf("expected start_break offered but not forced, got %+v", req)
	}
}

func TestRespondToMessage_ContextWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, _ = f.store.AppendMessage(ctx, f.userID, model.RoleUser, "m")
	}
	_, _ = f.store.AppendMessage(ctx, f.userID, model.RoleSpecial, "welcome")

	if err := f.engine.RespondToMessage(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("RespondToMessage: %v", err)
	}
	// 20 most recent, minus the special one, plus the system prompt.
	if got := len(f.svc.calls[0].Messages); got != 20 {
		t.Fatalf("expected 20 messages, got %d", got)
	}
}

func TestRespondToMessage_EmptyContentIsSilent(t *testing.T) {
	f := newFixture(t, &completion.Response{Content: ""})
	if err := f.engine.RespondToMessage(context.Background(), f.userID, f.sender); err != nil {
		t.Fatalf("RespondToMessage: %v", err)
	}
	if len(f.sender.sent) != 0 || len(f.messages(t)) != 0 {
		t.Fatalf("expected nothing sent or stored")
	}
}

func TestRespondToMessage_CompletionFailureIsSilent(t *testing.T) {
	f := newFixture(t)
	f.svc.err = &completion.ProviderError{Provider: "openai", StatusCode: 500}
	if err := f.engine.RespondToMessage(context.Background(), f.userID, f.sender); err != nil {
		t.Fatalf("expected swallowed error, got %v", err)
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestRespondToMessage_CanceledContext(t *testing.T) {
	f := newFixture(t)
	f.svc.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.engine.RespondToMessage(ctx, f.userID, f.sender); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRespondToMessage_StartBreak(t *testing.T) {
	f := newFixture(t, breakCall("15"), triggerCall(true))
	now := time.Now()
	f.engine.now = func() time.Time { return now }
	ctx := context.Background()

	if err := f.engine.RespondToMessage(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("RespondToMessage: %v", err)
	}
	if len(f.sender.sent) != 0 || len(f.messages(t)) != 0 {
		t.Fatalf("a break must not produce a chat message")
	}
	end, _ := f.breaks.EndTime(ctx, f.userID)
	if !end.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("expected break until now+900s, got %v", end.Sub(now))
	}

	classifier := trigger.NewClassifier(f.svc, f.breaks, nil)
	if classifier.ShouldTrigger(ctx, f.userID, "reddit", "10m 0s on Firefox - reddit") {
		t.Fatalf("expected no trigger during break")
	}
	if len(f.svc.calls) != 1 {
		t.Fatalf("classifier must not call the model during a break")
	}
}

func TestRespondToMessage_BadBreakArgumentsIgnored(t *testing.T) {
	for _, minutes := range []string{`"ten"`, `0`, `-5`} {
		f := newFixture(t, breakCall(minutes))
		if err := f.engine.RespondToMessage(context.Background(), f.userID, f.sender); err != nil {
			t.Fatalf("minutes=%s: %v", minutes, err)
		}
		if end, _ := f.breaks.EndTime(context.Background(), f.userID); !end.IsZero() {
			t.Fatalf("minutes=%s: expected no break", minutes)
		}
	}
}

func TestRespondToMessage_SendFailureIsReturned(t *testing.T) {
	f := newFixture(t, &completion.Response{Content: "hey"})
	f.sender.err = errors.New("broken pipe")
	if err := f.engine.RespondToMessage(context.Background(), f.userID, f.sender); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestCheckIn_NoTimesinksIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.store.AppendActivity(ctx, f.userID, "Firefox", "reddit", time.Now().Unix())

	if err := f.engine.CheckIn(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	_, _ = f.store.AppendSettings(ctx, f.userID, "   ", "")
	if err := f.engine.CheckIn(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if len(f.svc.calls) != 0 || len(f.sender.sent) != 0 {
		t.Fatalf("expected no completion call and nothing sent")
	}
}

func TestCheckIn_NotTriggered(t *testing.T) {
	f := newFixture(t, triggerCall(false))
	ctx := context.Background()
	now := time.Unix(50_000, 0)
	f.engine.now = func() time.Time { return now }
	_, _ = f.store.AppendSettings(ctx, f.userID, "reddit", "")
	_, _ = f.store.AppendActivity(ctx, f.userID, "Firefox", "reddit", now.Unix()-120)

	if err := f.engine.CheckIn(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if len(f.svc.calls) != 1 || len(f.sender.sent) != 0 || len(f.messages(t)) != 0 {
		t.Fatalf("expected a single classifier call and nothing else")
	}
}

func TestCheckIn_TriggeredRespondsToReport(t *testing.T) {
	f := newFixture(t, triggerCall(true), &completion.Response{Content: "reddit again? :("})
	ctx := context.Background()
	now := time.Unix(50_000, 0)
	f.engine.now = func() time.Time { return now }
	_, _ = f.store.AppendSettings(ctx, f.userID, "reddit", "")
	_, _ = f.store.AppendActivity(ctx, f.userID, "Firefox", "reddit - front page", now.Unix()-300)

	if err := f.engine.CheckIn(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected synthetic turn and reply, got %+v", msgs)
	}
	if msgs[0].Role != model.RoleUser || !strings.Contains(msgs[0].Content, "5m 0s on Firefox - reddit - front page") {
		t.Fatalf("unexpected synthetic message %+v", msgs[0])
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].msg.Content != "reddit again? :(" {
		t.Fatalf("unexpected sent messages %+v", f.sender.sent)
	}

	respond := f.svc.calls[1]
	last := respond.Messages[len(respond.Messages)-1]
	if last.Role != completion.RoleUser || !strings.Contains(last.Content, "front page") {
		t.Fatalf("expected reply to be built on the report, got %+v", last)
	}
}

func TestCheckIn_NoActivityIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.store.AppendSettings(ctx, f.userID, "reddit", "")
	if err := f.engine.CheckIn(ctx, f.userID, f.sender); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if len(f.svc.calls) != 0 {
		t.Fatalf("expected no classifier call without activity")
	}
}
