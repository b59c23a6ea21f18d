package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/liveness"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/store"
)

// StreamManager 负责一个（账户, 代理）组合的完整生命周期：
// 查询出口 IP、必要时冷却、建立流、运行心跳会话，断开后等待固定间隔重连。
type StreamManager struct {
	deps    Deps
	token   string
	proxy   string
	dialer  *egress.Dialer
	poster  api.Poster
	browser *api.BrowserID
	rec     *store.Recorder
	log     zerolog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	randDur func(lo, hi time.Duration) time.Duration
}

// NewStreamManager creates a manager for token through proxy ("" dials directly).
func NewStreamManager(deps Deps, token, proxy string) (*StreamManager, error) {
	dialer, err := egress.NewDialer(proxy)
	if err != nil {
		return nil, err
	}
	posters := deps.Posters
	if posters == nil {
		posters = RequesterFactory(deps.Config)
	}
	return &StreamManager{
		deps:    deps,
		token:   token,
		proxy:   proxy,
		dialer:  dialer,
		poster:  posters(dialer, proxy),
		browser: api.NewBrowserID(),
		rec:     store.NewRecorder(deps.Store),
		log:     logger.WithAccount("Lifecycle/Stream", token, proxy),
		sleep:   sleepCtx,
		randDur: randomDuration,
	}, nil
}

// Run loops until ctx is cancelled. Every failure is absorbed here.
func (m *StreamManager) Run(ctx context.Context) error {
	cfg := m.deps.Config
	m.log.Info().Str("browser_id", m.browser.Get()).Msg("Stream manager starting.")
	for {
		cause := m.cycle(ctx)
		if ctx.Err() != nil {
			m.log.Info().Msg("Stream manager stopped.")
			return ctx.Err()
		}
		m.deps.Metrics.Reconnects.WithLabelValues(cause).Inc()
		m.log.Info().Dur("delay", cfg.RetryInterval()).Str("cause", cause).Msg("Reconnect scheduled.")
		if err := m.sleep(ctx, cfg.RetryInterval()); err != nil {
			m.log.Info().Msg("Stream manager stopped.")
			return err
		}
	}
}

// cycle runs one connection attempt and returns the reason it ended.
func (m *StreamManager) cycle(ctx context.Context) string {
	cfg := m.deps.Config
	key := m.identityKey(ctx)
	l := m.log.With().Str("identity", key).Logger()

	if err := m.rec.SetIdentityStatus(m.token, key, store.StatusActive); err != nil {
		l.Warn().Err(err).Msg("Failed to record identity status.")
	}

	retries, err := m.rec.Retries(m.token, key)
	if err != nil {
		l.Warn().Err(err).Msg("Failed to read retries.")
	}
	if needsCooldown(retries, cfg.RetryThreshold) {
		if err := m.cooldown(ctx, l, key, retries); err != nil {
			return "cancelled"
		}
	}

	counted := egress.Counted(m.dialer,
		m.deps.Metrics.EgressBytes.WithLabelValues("up"),
		m.deps.Metrics.EgressBytes.WithLabelValues("down"))
	stream, err := m.deps.Streams.Dial(ctx, counted)
	if err != nil {
		if ctx.Err() != nil {
			return "cancelled"
		}
		l.Error().Err(err).Msg("Failed to open stream.")
		m.recordDialFailure(l, key, err)
		return "dial"
	}

	session := liveness.NewSession(liveness.Config{
		AccountID:    m.token,
		IdentityKey:  key,
		Token:        m.token,
		UserAgent:    cfg.UserAgent,
		DeviceType:   cfg.DeviceType,
		Version:      cfg.Version,
		PingInterval: cfg.PingInterval(),
		StaleAfter:   cfg.StaleAfter(),
	}, stream, liveness.AuthenticatorFunc(m.authenticate), m.browser, m.rec, m.deps.Metrics, l)

	res := session.Run(ctx)
	l.Debug().Int("code", res.Code).Int("failures", res.Failures).Msg("Session ended.")
	switch {
	case errors.Is(res.Err, liveness.ErrStale):
		return "stale"
	case res.Err != nil:
		return "cancelled"
	default:
		return fmt.Sprintf("close_%d", res.Code)
	}
}

func (m *StreamManager) identityKey(ctx context.Context) string {
	ip, err := m.deps.IPs.Lookup(ctx, m.dialer)
	if err != nil {
		m.log.Warn().Err(err).Msg("Could not get IP address, using proxy address as identity.")
	} else {
		m.log.Info().Str("ip", ip).Msg("Resolved egress IP.")
	}
	return egress.IdentityKey(ip, m.dialer)
}

func (m *StreamManager) cooldown(ctx context.Context, l zerolog.Logger, key string, retries int) error {
	lo, hi := m.deps.Config.CooldownRange()
	d := m.randDur(lo, hi)
	l.Error().Int("retries", retries).Dur("sleep", d).Msg("Too many retries, sleeping.")
	if err := m.rec.MarkSleeping(m.token, key); err != nil {
		l.Warn().Err(err).Msg("Failed to mark identity as sleeping.")
	}
	m.deps.Metrics.Cooldowns.Inc()
	m.deps.Metrics.CooldownDelay.Observe(d.Seconds())
	return m.sleep(ctx, d)
}

func (m *StreamManager) authenticate(ctx context.Context) (string, error) {
	data, err := m.deps.API.Session(ctx, m.poster, m.token)
	if err != nil {
		return "", err
	}
	return data.UID, nil
}

// recordDialFailure 拨号失败按 error 与 close 两条路径各记录一次。
func (m *StreamManager) recordDialFailure(l zerolog.Logger, key string, cause error) {
	steps := []struct {
		status store.IdentityStatus
		reason string
	}{
		{store.StatusError, cause.Error()},
		{store.StatusClosed, liveness.LastErrorConnectionDied},
	}
	for _, st := range steps {
		if err := m.rec.SetIdentityStatus(m.token, key, st.status); err != nil {
			l.Warn().Err(err).Msg("Failed to record identity status.")
		}
		if err := m.rec.SetLastError(m.token, st.reason); err != nil {
			l.Warn().Err(err).Msg("Failed to record last error.")
		}
		if _, err := m.rec.IncreaseIdentityRetries(m.token, key); err != nil {
			l.Warn().Err(err).Msg("Failed to increase retries.")
		}
	}
}
