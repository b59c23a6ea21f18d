package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/store"
	"uptime_nexus/internal/transport"
)

// ErrStale 表示距离上一次入站消息已超过 stale 阈值，连接被主动关闭。
var ErrStale = errors.New("stream is not live")

// CloseLocal is the close code reported when the session itself closed the stream.
const CloseLocal = 1000

// LastErrorConnectionDied is recorded on the account whenever a stream ends.
const LastErrorConnectionDied = "Connection died"

// Status is the in-memory protocol state of one connection.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return "DEAD"
	}
}

// Authenticator resolves the account uid for an AUTH request.
type Authenticator interface {
	Authenticate(ctx context.Context) (uid string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context) (string, error) { return f(ctx) }

// Config carries the stable identity of the session and its timing.
type Config struct {
	AccountID    string
	IdentityKey  string
	Token        string
	UserAgent    string
	DeviceType   string
	Version      string
	PingInterval time.Duration
	StaleAfter   time.Duration
}

// Result describes why Run returned.
type Result struct {
	Code     int   // close code, CloseLocal when the session closed the stream
	Err      error // ErrStale, the context error, or nil for a remote close
	Failures int   // error and close events recorded on this connection
}

// Session 驱动一条流上的 AUTH/PING/PONG 交换。所有事件在 Run 的单个 select
// 循环中顺序处理，ping 定时器同一时刻最多只有一个。
type Session struct {
	cfg     Config
	stream  transport.Stream
	auth    Authenticator
	browser *api.BrowserID
	rec     *store.Recorder
	metrics *metrics.Registry
	log     zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	status   atomic.Int32
	opened   bool
	retries  int // failures seen on this connection
	lastLive time.Time
	pingC    <-chan time.Time
	pingID   json.RawMessage
}

// NewSession creates a session over an already dialed stream.
func NewSession(cfg Config, stream transport.Stream, auth Authenticator, browser *api.BrowserID,
	rec *store.Recorder, m *metrics.Registry, log zerolog.Logger) *Session {
	s := &Session{
		cfg:     cfg,
		stream:  stream,
		auth:    auth,
		browser: browser,
		rec:     rec,
		metrics: m,
		log:     log,
		now:     time.Now,
		after:   time.After,
	}
	s.status.Store(int32(StatusConnecting))
	s.lastLive = s.now()
	return s
}

// Status returns the current protocol status.
func (s *Session) Status() Status { return Status(s.status.Load()) }

func (s *Session) setStatus(st Status) { s.status.Store(int32(st)) }

// Run processes stream events until the stream closes, the session declares it
// stale, or ctx is cancelled. The stream is always closed on return.
func (s *Session) Run(ctx context.Context) Result {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			s.stream.Close()
			s.setStatus(StatusDisconnected)
			if s.opened {
				s.opened = false
				s.metrics.ActiveStreams.Dec()
			}
			return s.result(CloseLocal, ctx.Err())

		case ev, ok := <-events:
			if !ok {
				s.onClose(transport.Event{Kind: transport.EventClose, Code: 1006})
				return s.result(1006, nil)
			}
			switch ev.Kind {
			case transport.EventOpen:
				s.onOpen()
			case transport.EventMessage:
				s.onMessage(ctx, ev.Data)
			case transport.EventError:
				s.onError(ev.Err)
			case transport.EventClose:
				s.onClose(ev)
				return s.result(ev.Code, nil)
			}

		case <-s.pingC:
			s.pingC = nil
			if err := s.sendPing(s.pingID, nil); errors.Is(err, ErrStale) {
				s.onClose(transport.Event{Kind: transport.EventClose, Code: CloseLocal})
				return s.result(CloseLocal, ErrStale)
			}
		}

		// 流可能在 AUTH 发 PING 时已被判定为失活并关闭
		if s.Status() == StatusDead {
			s.onClose(transport.Event{Kind: transport.EventClose, Code: CloseLocal})
			return s.result(CloseLocal, ErrStale)
		}
	}
}

func (s *Session) result(code int, err error) Result {
	return Result{Code: code, Err: err, Failures: s.retries}
}

func (s *Session) onOpen() {
	s.log.Info().Msg("Stream opened.")
	s.lastLive = s.now()
	s.setStatus(StatusConnected)
	if !s.opened {
		s.opened = true
		s.metrics.ActiveStreams.Inc()
	}
	s.record(store.StatusOpen)
}

func (s *Session) onMessage(ctx context.Context, data []byte) {
	s.lastLive = s.now()
	s.record(store.StatusActive)

	msg, err := DecodeInbound(data)
	if err != nil {
		s.log.Warn().Err(err).Str("payload", string(data)).Msg("Could not parse stream message, ignoring.")
		return
	}

	switch msg.Action {
	case ActionAuth:
		s.handleAuth(ctx, msg.ID)
	case ActionPong:
		s.handlePong(msg.ID)
	default:
		s.log.Warn().Str("action", msg.RawAction).Msg("No handler for action, ignoring.")
	}
}

func (s *Session) handleAuth(ctx context.Context, id json.RawMessage) {
	uid, err := s.auth.Authenticate(ctx)
	s.metrics.AuthResult(err)
	if err != nil {
		newID := s.browser.Regenerate()
		s.log.Error().Err(err).Str("browser_id", newID).Msg("Session lookup failed, browser id regenerated.")
		if lerr := s.rec.SetLastError(s.cfg.AccountID, err.Error()); lerr != nil {
			s.log.Warn().Err(lerr).Msg("Failed to record last error.")
		}
		return
	}
	if err := s.rec.SetUID(s.cfg.AccountID, uid); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record uid.")
	}

	payload := &PingPayload{
		UserID:       uid,
		BrowserID:    s.browser.Get(),
		UserAgent:    s.cfg.UserAgent,
		Timestamp:    s.now().Unix(),
		DeviceType:   s.cfg.DeviceType,
		Version:      s.cfg.Version,
		Token:        s.cfg.Token,
		OriginAction: ActionAuth.String(),
	}
	s.sendPing(id, payload)
}

func (s *Session) handlePong(id json.RawMessage) {
	s.metrics.PongsReceived.Inc()
	if err := s.rec.ResetIdentityRetries(s.cfg.AccountID, s.cfg.IdentityKey); err != nil {
		s.log.Warn().Err(err).Msg("Failed to reset retries.")
	}
	if err := s.stream.Send(NewPongAck(id)); err != nil {
		s.log.Error().Err(err).Msg("Could not send pong message.")
	}
	s.pingID = id
	s.pingC = s.after(s.cfg.PingInterval)
}

// sendPing 发送前检查流状态：连接中或关闭中直接跳过；
// 超过 stale 阈值或已关闭则关闭流并返回 ErrStale。
func (s *Session) sendPing(id json.RawMessage, payload *PingPayload) error {
	state := s.stream.State()
	switch state {
	case transport.StateOpen:
		s.setStatus(StatusConnected)
	case transport.StateClosed:
		s.setStatus(StatusDisconnected)
	}

	if state == transport.StateConnecting || state == transport.StateClosing {
		s.log.Warn().Str("state", state.String()).Msg("Stream not in appropriate state for liveness check.")
		return nil
	}

	if idle := s.now().Sub(s.lastLive); idle > s.cfg.StaleAfter || state == transport.StateClosed {
		s.log.Error().Dur("idle", idle).Msg("Stream does not appear to be live, closing it.")
		s.stream.Close()
		s.setStatus(StatusDead)
		s.metrics.PingFailures.WithLabelValues("stream", "stale").Inc()
		return ErrStale
	}

	if err := s.stream.Send(PingMessage{ID: id, Payload: payload}); err != nil {
		s.log.Error().Err(err).Msg("Could not send ping message.")
		s.metrics.PingFailures.WithLabelValues("stream", "send").Inc()
		return err
	}
	s.metrics.PingsSent.WithLabelValues("stream").Inc()
	return nil
}

func (s *Session) onError(err error) {
	s.log.Error().Err(err).Msg("Stream error.")
	s.record(store.StatusError)
	reason := "stream error"
	if err != nil {
		reason = err.Error()
	}
	if lerr := s.rec.SetLastError(s.cfg.AccountID, reason); lerr != nil {
		s.log.Warn().Err(lerr).Msg("Failed to record last error.")
	}
	s.increaseRetries()
}

func (s *Session) onClose(ev transport.Event) {
	s.log.Info().Int("code", ev.Code).Msg("Connection died.")
	s.stream.Close()
	if s.opened {
		s.opened = false
		s.metrics.ActiveStreams.Dec()
	}
	s.setStatus(StatusDead)
	s.record(store.StatusClosed)
	if err := s.rec.SetLastError(s.cfg.AccountID, LastErrorConnectionDied); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record last error.")
	}
	s.increaseRetries()
}

func (s *Session) increaseRetries() {
	s.retries++
	n, err := s.rec.IncreaseIdentityRetries(s.cfg.AccountID, s.cfg.IdentityKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to increase retries.")
		return
	}
	s.log.Debug().Int("retries", n).Msg("Identity retries increased.")
}

func (s *Session) record(st store.IdentityStatus) {
	s.metrics.Transitions.WithLabelValues(string(st)).Inc()
	if err := s.rec.SetIdentityStatus(s.cfg.AccountID, s.cfg.IdentityKey, st); err != nil {
		s.log.Warn().Err(err).Str("status", string(st)).Msg("Failed to record identity status.")
	}
}
