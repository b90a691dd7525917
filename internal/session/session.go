// Package session drives one client connection: registration, then a loop
// that handles inbound frames and runs check-ins when the client goes quiet.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nudge-server/internal/conversation"
	"nudge-server/internal/hub"
	"nudge-server/internal/model"
	"nudge-server/internal/protocol"
	"nudge-server/internal/store"
	"nudge-server/internal/version"
)

var (
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrDisconnected      = errors.New("session: client disconnected")
	ErrRegisterTimeout   = errors.New("session: no register message received")

	errReceiveTimeout = errors.New("receive timeout")
)

type State int32

const (
	Connecting State = iota
	Registering
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is a message-oriented transport. ReadMessage blocks until a frame
// arrives or the connection fails; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Engine interface {
	RespondToMessage(ctx context.Context, userID int64, sender conversation.Sender) error
	CheckIn(ctx context.Context, userID int64, sender conversation.Sender) error
}

type TokenIssuer interface {
	IssueToken(userID int64) (token string, expiresAt time.Time, err error)
}

type Deps struct {
	Store  store.Gateway
	Engine Engine
	// Hub and Tokens are optional.
	Hub    *hub.Hub
	Tokens TokenIssuer
	Logger *slog.Logger
}

type Options struct {
	ReceiveTimeout     time.Duration
	CheckInInterval    time.Duration
	RegisterTimeout    time.Duration
	HistoryReplayLimit int
}

func DefaultOptions() Options {
	return Options{
		ReceiveTimeout:     10 * time.Second,
		CheckInInterval:    5 * time.Minute,
		RegisterTimeout:    30 * time.Second,
		HistoryReplayLimit: 100,
	}
}

type Session struct {
	id    string
	conn  Conn
	deps  Deps
	opts  Options
	state atomic.Int32

	frames chan []byte
	userID int64
	hubRef *hub.Connection

	lastCheckIn time.Time
	now         func() time.Time
	logger      *slog.Logger
}

func New(conn Conn, deps Deps, opts Options) *Session {
	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = defaults.ReceiveTimeout
	}
	if opts.CheckInInterval <= 0 {
		opts.CheckInInterval = defaults.CheckInInterval
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = defaults.RegisterTimeout
	}
	if opts.HistoryReplayLimit <= 0 {
		opts.HistoryReplayLimit = defaults.HistoryReplayLimit
	}
	return &Session{
		id:     id,
		conn:   conn,
		deps:   deps,
		opts:   opts,
		frames: make(chan []byte),
		now:    time.Now,
		logger: logger.With("session_id", id),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) UserID() int64     { return s.userID }
func (s *Session) State() State      { return State(s.state.Load()) }
func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session until the client disconnects, a fatal error
// occurs or ctx is canceled. The connection is closed on return.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(ctx, cancel)
	}()
	defer func() {
		cancel(nil)
		s.close()
		<-readerDone
	}()

	s.setState(Registering)
	frame, err := s.receive(ctx, s.opts.RegisterTimeout)
	if errors.Is(err, errReceiveTimeout) {
		return ErrRegisterTimeout
	}
	if err != nil {
		return err
	}
	reg, err := s.decodeRegister(frame)
	if err != nil {
		return err
	}
	if err := s.register(ctx, reg); err != nil {
		return err
	}
	s.setState(Active)

	for {
		frame, err := s.receive(ctx, s.opts.ReceiveTimeout)
		if errors.Is(err, errReceiveTimeout) {
			if s.now().Sub(s.lastCheckIn) > s.opts.CheckInInterval {
				if err := s.checkIn(ctx); err != nil {
					return err
				}
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, frame); err != nil {
			return err
		}
	}
}

// readLoop pumps frames to the session loop. A read failure cancels ctx
// so in-flight work for the connection is abandoned.
func (s *Session) readLoop(ctx context.Context, cancel context.CancelCauseFunc) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			cancel(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		select {
		case s.frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-s.frames:
		return data, nil
	case <-timer.C:
		return nil, errReceiveTimeout
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (s *Session) close() {
	s.setState(Closed)
	if s.deps.Hub != nil && s.hubRef != nil {
		s.deps.Hub.Unregister(s.hubRef)
	}
	_ = s.conn.Close()
}

func (s *Session) decodeRegister(frame []byte) (protocol.Register, error) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return protocol.Register{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	reg, ok := msg.(protocol.Register)
	if !ok {
		return protocol.Register{}, fmt.Errorf("%w: first message must be %s, got %T", ErrProtocolViolation, protocol.TypeRegister, msg)
	}
	return reg, nil
}

func (s *Session) register(ctx context.Context, reg protocol.Register) error {
	user, created, err := s.deps.Store.FindOrCreateUser(ctx, reg.MachineID)
	if err != nil {
		return fmt.Errorf("find or create user: %w", err)
	}
	s.userID = user.ID
	s.logger = s.logger.With("user_id", user.ID)

	if reg.Version != "" && reg.Version != user.Version {
		if err := s.deps.Store.UpdateUserVersion(ctx, user.ID, reg.Version); err != nil {
			return fmt.Errorf("update user version: %w", err)
		}
	}

	settings, err := s.deps.Store.EnsureSettings(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("ensure settings: %w", err)
	}
	if err := s.send(protocol.NewSettingsEnvelope(settings)); err != nil {
		return err
	}

	history, err := s.deps.Store.RecentMessages(ctx, user.ID, s.opts.HistoryReplayLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		if err := s.send(protocol.NewMessageEnvelope(m, nil)); err != nil {
			return err
		}
	}

	welcome := model.Message{Role: model.RoleSpecial, Content: welcomeText(reg.Version)}
	if err := s.send(protocol.NewMessageEnvelope(welcome, nil)); err != nil {
		return err
	}

	// Registered before the token goes out so a client holding the token
	// can already reach this session through the hub.
	if s.deps.Hub != nil {
		s.hubRef = &hub.Connection{UserID: user.ID, SessionID: s.id, Writer: hubWriter{s.conn}}
		if prev := s.deps.Hub.Register(s.hubRef); prev != nil {
			s.logger.Info("session: superseding older connection", "previous_session_id", prev.SessionID)
			_ = prev.Writer.Close()
		}
	}

	if s.deps.Tokens != nil {
		token, expiresAt, err := s.deps.Tokens.IssueToken(user.ID)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		if err := s.send(protocol.AuthEnvelope{Token: token, ExpiresAt: expiresAt.Unix()}); err != nil {
			return err
		}
	}

	s.logger.Info("session: registered", "created", created, "client_version", reg.Version, "replayed", len(history))
	return nil
}

func welcomeText(clientVersion string) string {
	if clientVersion == "" {
		clientVersion = "unknown"
	}
	return fmt.Sprintf("Connected to %s %s (app %s). Hi there :D", version.Name, version.Version, clientVersion)
}

func (s *Session) dispatch(ctx context.Context, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	switch m := msg.(type) {
	case protocol.ActivityInfo:
		if _, err := s.deps.Store.AppendActivity(ctx, s.userID, m.App, m.WindowTitle, m.Time); err != nil {
			return fmt.Errorf("store activity: %w", err)
		}
		return nil

	case protocol.ChatMessage:
		if _, err := s.deps.Store.AppendMessage(ctx, s.userID, model.RoleUser, m.Content); err != nil {
			return fmt.Errorf("store message: %w", err)
		}
		return s.deps.Engine.RespondToMessage(ctx, s.userID, s)

	case protocol.Settings:
		if _, err := s.deps.Store.AppendSettings(ctx, s.userID, m.Timesinks, m.EndorsedActivities); err != nil {
			return fmt.Errorf("store settings: %w", err)
		}
		return nil

	case protocol.Debug:
		s.logger.Info("session: forced check-in")
		return s.checkIn(ctx)

	default:
		return fmt.Errorf("%w: unexpected %T after registration", ErrProtocolViolation, msg)
	}
}

func (s *Session) checkIn(ctx context.Context) error {
	s.lastCheckIn = s.now()
	return s.deps.Engine.CheckIn(ctx, s.userID, s)
}

// SendMessage implements conversation.Sender.
func (s *Session) SendMessage(ctx context.Context, msg model.Message, notifOpts []string) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return s.send(protocol.NewMessageEnvelope(msg, notifOpts))
}

func (s *Session) send(o protocol.Outbound) error {
	data, err := protocol.Encode(o)
	if err != nil {
		return fmt.Errorf("encode %T: %w", o, err)
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	return nil
}

type hubWriter struct {
	conn Conn
}

func (w hubWriter) Write(message []byte) error { return w.conn.WriteMessage(message) }
func (w hubWriter) Close() error               { return w.conn.Close() }
