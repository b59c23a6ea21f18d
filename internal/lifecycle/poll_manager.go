package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/polling"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/store"
)

// PollManager 负责一个账户的轮询变体：解析代理列表、为每个出口确定标识、
// 必要时冷却，然后交给 polling.Poller 无限运行。
type PollManager struct {
	deps       Deps
	token      string
	accountKey string
	resolver   *egress.Resolver
	rec        *store.Recorder
	log        zerolog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	randDur func(lo, hi time.Duration) time.Duration

	mu     sync.Mutex
	poller *polling.Poller
}

// NewPollManager creates a manager for token. accountKey names the
// per-account proxy file (<proxy.dir>/<accountKey>.txt).
func NewPollManager(deps Deps, token, accountKey string, resolver *egress.Resolver) *PollManager {
	if deps.Posters == nil {
		deps.Posters = RequesterFactory(deps.Config)
	}
	return &PollManager{
		deps:       deps,
		token:      token,
		accountKey: accountKey,
		resolver:   resolver,
		rec:        store.NewRecorder(deps.Store),
		log:        logger.WithAccount("Lifecycle/Poll", token, ""),
		sleep:      sleepCtx,
		randDur:    randomDuration,
	}
}

// Run fails fast when no proxy can be resolved; otherwise it only returns
// when ctx is cancelled.
func (m *PollManager) Run(ctx context.Context) error {
	proxies, err := m.resolver.Resolve(m.accountKey)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to load proxies.")
		return fmt.Errorf("account %s: %w", logger.Mask(m.token), err)
	}
	m.log.Info().Int("count", len(proxies)).Msg("Loaded proxies.")

	endpoints := m.buildEndpoints(ctx, proxies)
	if len(endpoints) == 0 {
		return fmt.Errorf("account %s: %w", logger.Mask(m.token), egress.ErrNoProxies)
	}

	if err := m.cooldown(ctx, endpoints); err != nil {
		return err
	}

	cfg := m.deps.Config
	poller, err := polling.New(polling.Config{
		AccountID: m.token,
		Token:     m.token,
		Version:   cfg.Version,
		Interval:  cfg.PollInterval(),
	}, m.deps.API, endpoints, m.rec, m.deps.Metrics)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.poller = poller
	m.mu.Unlock()

	return poller.Run(ctx)
}

// Poller returns the running poller, nil before Run got that far.
func (m *PollManager) Poller() *polling.Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poller
}

// buildEndpoints 并发查询每个代理的出口 IP，无效的代理行被跳过。
func (m *PollManager) buildEndpoints(ctx context.Context, proxies []string) []polling.Endpoint {
	slots := make([]*polling.Endpoint, len(proxies))
	var wg sync.WaitGroup
	for i, raw := range proxies {
		dialer, err := egress.NewDialer(raw)
		if err != nil {
			m.log.Warn().Err(err).Str("proxy", logger.RedactProxy(raw)).Msg("Skipping invalid proxy.")
			continue
		}
		wg.Add(1)
		go func(i int, raw string, dialer *egress.Dialer) {
			defer wg.Done()
			ip, err := m.deps.IPs.Lookup(ctx, dialer)
			if err != nil {
				m.log.Warn().Err(err).Str("proxy", logger.RedactProxy(raw)).Msg("Could not get IP address.")
			}
			slots[i] = &polling.Endpoint{
				Proxy:       raw,
				IdentityKey: egress.IdentityKey(ip, dialer),
				Browser:     api.NewBrowserID(),
				Poster:      m.deps.Posters(dialer, raw),
			}
		}(i, raw, dialer)
	}
	wg.Wait()

	endpoints := make([]polling.Endpoint, 0, len(slots))
	for _, ep := range slots {
		if ep != nil {
			endpoints = append(endpoints, *ep)
		}
	}
	return endpoints
}

// cooldown sleeps once when any identity has reached the retry threshold.
func (m *PollManager) cooldown(ctx context.Context, endpoints []polling.Endpoint) error {
	cfg := m.deps.Config
	tired := 0
	for _, ep := range endpoints {
		retries, err := m.rec.Retries(m.token, ep.IdentityKey)
		if err != nil || !needsCooldown(retries, cfg.RetryThreshold) {
			continue
		}
		tired++
		if err := m.rec.MarkSleeping(m.token, ep.IdentityKey); err != nil {
			m.log.Warn().Err(err).Msg("Failed to mark identity as sleeping.")
		}
	}
	if tired == 0 {
		return nil
	}
	lo, hi := cfg.CooldownRange()
	d := m.randDur(lo, hi)
	m.log.Error().Int("identities", tired).Dur("sleep", d).Msg("Too many retries, sleeping.")
	m.deps.Metrics.Cooldowns.Inc()
	m.deps.Metrics.CooldownDelay.Observe(d.Seconds())
	return m.sleep(ctx, d)
}
