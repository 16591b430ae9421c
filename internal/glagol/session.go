package glagol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go2tv.app/station-remote/internal/domain"
)

const (
	defaultCloseTimeout = 3 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

var (
	ErrNotConnected   = errors.New("glagol session is not connected")
	ErrSessionStopped = errors.New("glagol session stopped")
	ErrAlreadyStarted = errors.New("glagol session already started")
	ErrClosedByPeer   = errors.New("glagol session closed by speaker")
	// ErrTokenFetch marks a session that ended before dialing because the
	// cloud refused or failed to issue a device token.
	ErrTokenFetch     = errors.New("glagol token fetch failed")
)

type State int

const (
	StateIdle State = iota
	StateTokenFetching
	StateConnecting
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTokenFetching:
		return "token_fetching"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type TokenSource interface {
	GlagolToken(ctx context.Context, speaker domain.Speaker) (string, error)
}

type Dialer interface {
	OpenWebSocket(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error)
}

type DeviceLookup interface {
	GetDevice(id string) (domain.LocalDevice, bool)
}

// Handlers are invoked from the session's reader goroutine. OnClosed fires
// exactly once per started session; err is nil after a local Stop.
type Handlers struct {
	OnState  func(domain.StationState)
	OnStatus func(State)
	OnClosed func(speaker domain.Speaker, err error)
}

type Config struct {
	CloseTimeout time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

type outbound struct {
	ConversationToken string  `json:"conversationToken"`
	ID                string  `json:"id"`
	Payload           Command `json:"payload"`
	SentTime          int64   `json:"sentTime"`
}

type inbound struct {
	State  *domain.StationState `json:"state"`
	Status string               `json:"status,omitempty"`
}

// Session is one control channel to one speaker. It is single-use: after
// Stop or a failure, create a new Session.
type Session struct {
	speaker domain.Speaker
	devices DeviceLookup
	tokens  TokenSource
	dialer  Dialer
	cfg     Config
	logger  zerolog.Logger

	writeMu   sync.Mutex
	stopOnce  sync.Once
	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
	stopped   atomic.Bool

	mu       sync.Mutex
	state    State
	started  bool
	conn     *websocket.Conn
	token    string
	cancel   context.CancelFunc
	handlers Handlers
}

func NewSession(speaker domain.Speaker, devices DeviceLookup, tokens TokenSource, dialer Dialer, cfg Config) *Session {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Session{
		speaker: speaker,
		devices: devices,
		tokens:  tokens,
		dialer:  dialer,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("device_id", speaker.ID).Logger(),
		done:    make(chan struct{}),
	}
}

func (s *Session) Speaker() domain.Speaker { return s.speaker }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start validates that the speaker is on the LAN and connects in the
// background. Connection failures are reported through Handlers.OnClosed.
func (s *Session) Start(ctx context.Context, handlers Handlers) error {
	dev, ok := s.devices.GetDevice(s.speaker.ID)
	if !ok {
		return domain.DeviceNotDiscovered(s.speaker.ID)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	switch {
	case s.stopped.Load():
		s.mu.Unlock()
		return ErrSessionStopped
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.handlers = handlers
	s.mu.Unlock()

	go s.run(runCtx, dev)
	return nil
}

func (s *Session) run(ctx context.Context, dev domain.LocalDevice) {
	defer s.doneOnce.Do(func() { close(s.done) })

	s.setState(StateTokenFetching)
	token, err := s.tokens.GlagolToken(ctx, s.speaker)
	if s.stopped.Load() {
		s.finish(nil)
		return
	}
	if err != nil {
		s.finish(fmt.Errorf("%w: %w", ErrTokenFetch, err))
		return
	}

	s.setState(StateConnecting)
	endpoint := "wss://" + net.JoinHostPort(dev.Host, strconv.Itoa(dev.Port))
	conn, err := s.dialer.OpenWebSocket(ctx, endpoint, nil)
	if err != nil {
		if s.stopped.Load() {
			s.finish(nil)
			return
		}
		s.finish(fmt.Errorf("connect %s: %w", endpoint, err))
		return
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(nil)
		return
	}
	s.conn = conn
	s.token = token
	s.mu.Unlock()

	s.setState(StateHandshaking)
	if err := s.Send(SoftwareVersion()); err != nil {
		s.finish(fmt.Errorf("glagol handshake: %w", err))
		return
	}
	s.logger.Info().Str("endpoint", endpoint).Msg("glagol_connected")

	s.readLoop(conn)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case s.stopped.Load():
				s.finish(nil)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.finish(fmt.Errorf("%w: %v", ErrClosedByPeer, err))
			default:
				s.finish(fmt.Errorf("glagol read: %w", err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Int("bytes", len(data)).Msg("glagol_message_undecodable")
			continue
		}
		if msg.State == nil {
			continue
		}

		if s.State() == StateHandshaking {
			s.setState(StateReady)
		}
		s.mu.Lock()
		onState := s.handlers.OnState
		s.mu.Unlock()
		if onState != nil {
			onState(*msg.State)
		}
	}
}

// Send writes one command. Concurrent calls are serialised on the wire; it
// fails with ErrNotConnected until the socket is open and after Stop.
func (s *Session) Send(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	token := s.token
	s.mu.Unlock()
	if conn == nil || s.stopped.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(outbound{
		ConversationToken: token,
		ID:                uuid.NewString(),
		Payload:           cmd,
		SentTime:          time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Command, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}
	return nil
}

// Stop closes the session with a normal closure and waits for the reader to
// exit, forcing the socket shut after CloseTimeout. It is safe to call at any
// point, including before Start or while the token fetch is in flight.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)

		s.mu.Lock()
		conn := s.conn
		cancel := s.cancel
		started := s.started
		s.mu.Unlock()

		if !started {
			s.finish(nil)
			s.doneOnce.Do(func() { close(s.done) })
			return
		}
		if conn == nil {
			cancel()
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.logger.Debug().Err(err).Msg("glagol_close_frame_failed")
			_ = conn.Close()
		}
	})

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		s.logger.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("glagol_close_timeout")
	case <-ctx.Done():
	}

	s.forceClose()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Session) forceClose() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.setState(StateFailed)
			s.logger.Warn().Err(err).Msg("glagol_session_failed")
		} else {
			s.setState(StateClosed)
			s.logger.Info().Msg("glagol_session_closed")
		}

		s.mu.Lock()
		conn := s.conn
		cancel := s.cancel
		onClosed := s.handlers.OnClosed
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if cancel != nil {
			cancel()
		}
		if onClosed != nil {
			onClosed(s.speaker, err)
		}
	})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = next
	onStatus := s.handlers.OnStatus
	s.mu.Unlock()

	s.logger.Debug().Str("state", next.String()).Msg("glagol_state")
	if onStatus != nil {
		onStatus(next)
	}
}
