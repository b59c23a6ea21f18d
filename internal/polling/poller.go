package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/store"
	"uptime_nexus/internal/transport"
)

// State is the connection state of a polled account.
type State int

const (
	StateNone State = iota // NONE_CONNECTION: not authenticated
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "NONE_CONNECTION"
	}
}

// disconnectAfter 是连续失败多少次后标记为 DISCONNECTED。
const disconnectAfter = 2

// Endpoint 是账户的一个出口：代理、对应的持久化标识、浏览器 ID 与请求器。
type Endpoint struct {
	Proxy       string
	IdentityKey string
	Browser     *api.BrowserID
	Poster      api.Poster
}

// ProxyStats are the per-proxy counters kept in memory.
type ProxyStats struct {
	Proxy           string    `json:"proxy"`
	PingCount       int       `json:"ping_count"`
	SuccessfulPings int       `json:"successful_pings"`
	Score           float64   `json:"score"`
	StartTime       time.Time `json:"start_time"`
	LastPingTime    time.Time `json:"last_ping_time"`
}

// Config holds the account and timing of a Poller.
type Config struct {
	AccountID string
	Token     string
	Version   string
	Interval  time.Duration
}

// Poller 以固定周期为一个账户的所有出口发送 HTTP ping。
type Poller struct {
	cfg       Config
	client    *api.Client
	endpoints []Endpoint
	order     *egress.RoundRobin
	rec       *store.Recorder
	metrics   *metrics.Registry
	log       zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	state    State
	retries  int
	authed   bool
	uid      string
	lastTick time.Time
	stats    []ProxyStats
}

// New creates a Poller. At least one endpoint is required.
func New(cfg Config, client *api.Client, endpoints []Endpoint, rec *store.Recorder, m *metrics.Registry) (*Poller, error) {
	proxies := make([]string, len(endpoints))
	for i, ep := range endpoints {
		proxies[i] = ep.Proxy
	}
	order, err := egress.NewRoundRobin(proxies)
	if err != nil {
		return nil, err
	}

	p := &Poller{
		cfg:       cfg,
		client:    client,
		endpoints: endpoints,
		order:     order,
		rec:       rec,
		metrics:   m,
		log:       logger.WithAccount("Polling/Poller", cfg.AccountID, ""),
		now:       time.Now,
		after:     time.After,
		stats:     make([]ProxyStats, len(endpoints)),
	}
	start := p.now()
	for i, ep := range endpoints {
		p.stats[i] = ProxyStats{Proxy: ep.Proxy, StartTime: start}
	}
	return p, nil
}

// Run authenticates, pings once and then keeps pinging every interval until
// ctx is cancelled. The next wait starts after the previous tick finished.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.cfg.Interval).Msg("Ping loop started.")
	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.after(p.cfg.Interval):
		}
	}
}

// Authenticate walks the proxies starting after the last one tried until one
// of them yields a session with a uid. It reports whether the account is
// authenticated afterwards.
func (p *Poller) Authenticate(ctx context.Context) bool {
	for n := 0; n < p.order.Len() && !p.Authenticated(); n++ {
		if ctx.Err() != nil {
			return false
		}
		_, i := p.order.Next()
		ep := p.endpoints[i]
		l := p.log.With().Str("proxy", logger.RedactProxy(ep.Proxy)).Logger()
		l.Info().Msg("Authenticating with proxy.")

		data, err := p.client.Session(ctx, ep.Poster, p.cfg.Token)
		p.metrics.AuthResult(err)
		switch {
		case err == nil:
			p.mu.Lock()
			p.authed = true
			p.uid = data.UID
			p.mu.Unlock()
			if rerr := p.rec.SetUID(p.cfg.AccountID, data.UID); rerr != nil {
				l.Warn().Err(rerr).Msg("Failed to record uid.")
			}
			l.Info().Msg("Authenticated with proxy.")
		case errors.Is(err, api.ErrUnauthorized), errors.Is(err, transport.ErrForbidden):
			l.Error().Err(err).Msg("Failed to authenticate with proxy.")
			p.logout(i, err)
		default:
			l.Error().Err(err).Msg("Session request failed, trying next proxy.")
		}
	}
	return p.Authenticated()
}

// Tick runs one polling round. It returns false when the round was skipped
// because the previous one ran less than an interval ago.
func (p *Poller) Tick(ctx context.Context) bool {
	now := p.now()
	p.mu.Lock()
	if !p.lastTick.IsZero() && now.Sub(p.lastTick) < p.cfg.Interval {
		p.mu.Unlock()
		p.log.Info().Msg("Skipping ping as interval has not elapsed yet.")
		return false
	}
	p.lastTick = now
	p.mu.Unlock()

	if !p.Authenticated() && !p.Authenticate(ctx) {
		p.log.Warn().Msg("Not authenticated with any proxy, skipping pings.")
		return true
	}

	for i := range p.endpoints {
		if ctx.Err() != nil {
			return true
		}
		p.pingOne(ctx, i, now)
	}
	return true
}

func (p *Poller) pingOne(ctx context.Context, i int, now time.Time) {
	ep := p.endpoints[i]
	l := p.log.With().Str("proxy", logger.RedactProxy(ep.Proxy)).Logger()

	p.mu.Lock()
	uid := p.uid
	p.stats[i].LastPingTime = now
	p.mu.Unlock()

	req := api.PingRequest{
		ID:        uid,
		BrowserID: ep.Browser.Get(),
		Timestamp: now.Unix(),
		Version:   p.cfg.Version,
	}
	data, err := p.client.Ping(ctx, ep.Poster, p.cfg.Token, req)
	p.metrics.PingsSent.WithLabelValues("poll").Inc()

	p.mu.Lock()
	p.stats[i].PingCount++
	if err == nil {
		p.retries = 0
		p.state = StateConnected
		p.stats[i].SuccessfulPings++
		p.stats[i].Score = data.IPScore
	}
	p.mu.Unlock()

	if err != nil {
		l.Error().Err(err).Msg("Ping failed.")
		p.handlePingFail(i, err)
		return
	}

	l.Info().Float64("score", data.IPScore).Msg("Ping successful.")
	if rerr := p.rec.ResetIdentityRetries(p.cfg.AccountID, ep.IdentityKey); rerr != nil {
		l.Warn().Err(rerr).Msg("Failed to reset retries.")
	}
	if rerr := p.rec.SetIdentityStatus(p.cfg.AccountID, ep.IdentityKey, store.StatusActive); rerr != nil {
		l.Warn().Err(rerr).Msg("Failed to record identity status.")
	}
}

// handlePingFail 处理一次失败的 ping：403 直接登出且不计入重试；
// 其余失败累加重试次数，达到阈值后标记为 DISCONNECTED，但定时器继续运行。
func (p *Poller) handlePingFail(i int, err error) {
	ep := p.endpoints[i]
	if errors.Is(err, transport.ErrForbidden) {
		p.metrics.PingFailures.WithLabelValues("poll", "forbidden").Inc()
		p.logout(i, err)
		return
	}
	p.metrics.PingFailures.WithLabelValues("poll", "error").Inc()

	p.mu.Lock()
	p.retries++
	if p.retries >= disconnectAfter {
		p.state = StateDisconnected
	}
	p.mu.Unlock()

	if rerr := p.rec.SetIdentityStatus(p.cfg.AccountID, ep.IdentityKey, store.StatusError); rerr != nil {
		p.log.Warn().Err(rerr).Msg("Failed to record identity status.")
	}
	if _, rerr := p.rec.IncreaseIdentityRetries(p.cfg.AccountID, ep.IdentityKey); rerr != nil {
		p.log.Warn().Err(rerr).Msg("Failed to increase retries.")
	}
}

// logout clears the cached account info and the authentication flag. The
// endpoint gets a fresh browser id for its next session.
func (p *Poller) logout(i int, cause error) {
	ep := p.endpoints[i]
	p.mu.Lock()
	p.state = StateNone
	p.authed = false
	p.uid = ""
	p.mu.Unlock()

	ep.Browser.Regenerate()
	if err := p.rec.SetLastError(p.cfg.AccountID, fmt.Sprintf("logged out: %v", cause)); err != nil {
		p.log.Warn().Err(err).Msg("Failed to record last error.")
	}
	p.log.Info().Str("proxy", logger.RedactProxy(ep.Proxy)).Msg("Logged out and cleared session info.")
}

// Authenticated reports whether a session uid is cached.
func (p *Poller) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authed
}

// State returns the current connection state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Retries returns the in-memory failure count since the last successful ping.
func (p *Poller) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// Stats returns a copy of the per-proxy counters.
func (p *Poller) Stats() []ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProxyStats(nil), p.stats...)
}
