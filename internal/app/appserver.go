package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/lifecycle"
	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/service/web"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/shared/types"
	"uptime_nexus/internal/store"
	"uptime_nexus/internal/transport"
)

// Mode 决定进程运行哪种保活变体。
type Mode string

const (
	ModeStream Mode = "stream"
	ModeSingle Mode = "single"
	ModePoll   Mode = "poll"
	ModeServe  Mode = "serve"
)

// AppServer is the application's main struct. It owns the shared
// dependencies and every manager goroutine of the process.
type AppServer struct {
	cfg *types.Config

	raw     *store.FileStore // undecorated, used for dashboard reads
	store   store.Store      // reports writes to the hub
	hub     *web.Hub
	metrics *metrics.Registry

	deps     lifecycle.Deps
	resolver *egress.Resolver

	state *pollState

	waitGroup sync.WaitGroup
}

// New builds the shared dependencies from cfg.
func New(cfg *types.Config) (*AppServer, error) {
	raw, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	hub := web.NewHub()
	var st store.Store = raw
	if cfg.WebConf.Port > 0 {
		st = store.WithHook(raw, hub.Notifier(raw))
	}

	s := &AppServer{
		cfg:      cfg,
		raw:      raw,
		store:    st,
		hub:      hub,
		metrics:  metrics.New(),
		resolver: egress.NewResolver(cfg.ProxyConf),
		state:    newPollState(),
	}
	if err := s.buildDeps(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AppServer) buildDeps() error {
	streams, err := transport.NewStreamDialer(s.cfg.RemoteConf, s.cfg.CommonConf)
	if err != nil {
		return fmt.Errorf("failed to create stream dialer: %w", err)
	}
	s.deps = lifecycle.Deps{
		Config:  s.cfg,
		Store:   s.store,
		Streams: streams,
		IPs:     egress.NewIPLookup(s.cfg.IPLookupURL),
		API:     api.NewClient(s.cfg.RemoteConf, api.NewLimiter(s.cfg.TimingConf)),
		Metrics: s.metrics,
		Posters: lifecycle.RequesterFactory(s.cfg),
	}
	return nil
}

// InitAccount creates or refreshes an account record.
func (s *AppServer) InitAccount(token, name string, ipsCount int) (*store.Account, error) {
	a, err := store.NewRecorder(s.store).InitAccount(token, name, ipsCount)
	if err != nil {
		return nil, fmt.Errorf("failed to init account %s: %w", logger.Mask(token), err)
	}
	logger.Info().Str("account", logger.Mask(token)).Str("name", a.Name).Int("ips_count", a.IPsCount).Msg("Account record initialized.")
	return a, nil
}

// RunStream starts one stream manager per resolved proxy, each after a random
// stagger, and blocks until ctx is cancelled.
func (s *AppServer) RunStream(ctx context.Context, token string) error {
	proxies, err := s.resolver.Resolve(token)
	if err != nil {
		return fmt.Errorf("account %s: %w", logger.Mask(token), err)
	}
	var managers []*lifecycle.StreamManager
	for _, proxy := range proxies {
		m, err := lifecycle.NewStreamManager(s.deps, token, proxy)
		if err != nil {
			logger.Warn().Err(err).Str("proxy", logger.RedactProxy(proxy)).Msg("Skipping invalid proxy line.")
			continue
		}
		managers = append(managers, m)
	}
	if len(managers) == 0 {
		return fmt.Errorf("account %s: %w", logger.Mask(token), egress.ErrNoProxies)
	}
	if err := s.startDashboard(ctx, ModeStream); err != nil {
		return err
	}

	lo, hi := s.cfg.StaggerRange()
	for _, m := range managers {
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			if err := lifecycle.Stagger(ctx, lo, hi); err != nil {
				return
			}
			m.Run(ctx)
		}()
	}
	logger.Info().Str("account", logger.Mask(token)).Int("managers", len(managers)).Dur("stagger_max", hi).Msg("Stream managers scheduled.")
	s.Wait()
	return nil
}

// RunSingle runs one stream manager without a proxy until ctx is cancelled.
func (s *AppServer) RunSingle(ctx context.Context, token string) error {
	m, err := lifecycle.NewStreamManager(s.deps, token, "")
	if err != nil {
		return err
	}
	if err := s.startDashboard(ctx, ModeSingle); err != nil {
		return err
	}
	logger.Info().Str("account", logger.Mask(token)).Msg("Starting with user without proxies.")
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		m.Run(ctx)
	}()
	s.Wait()
	return nil
}

// RunPoll 为每个 token 启动一个 PollManager，账户之间间隔 poll_stagger_sec。
// 第 i 个 token（从 1 开始）使用 <proxy.dir>/<i>.txt 作为专属代理列表。
func (s *AppServer) RunPoll(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return fmt.Errorf("no tokens to poll")
	}
	if err := s.startDashboard(ctx, ModePoll); err != nil {
		return err
	}

	gap := s.cfg.PollStagger()
	logger.Info().Int("accounts", len(tokens)).Dur("stagger", gap).Msg("Poll managers scheduled.")
	for i, token := range tokens {
		m := lifecycle.NewPollManager(s.deps, token, fmt.Sprint(i+1), s.resolver)
		s.state.add(token, m)
		s.waitGroup.Add(1)
		delay := gap * time.Duration(i)
		go func() {
			defer s.waitGroup.Done()
			if err := lifecycle.Stagger(ctx, delay, delay); err != nil {
				return
			}
			if err := m.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("account", logger.Mask(token)).Msg("Poll manager exited.")
			}
		}()
	}
	s.Wait()
	return nil
}

// Serve runs only the dashboard until ctx is cancelled.
func (s *AppServer) Serve(ctx context.Context) error {
	if s.cfg.WebConf.Port <= 0 {
		return fmt.Errorf("web.port must be set to serve the dashboard")
	}
	if err := s.startDashboard(ctx, ModeServe); err != nil {
		return err
	}
	s.Wait()
	return nil
}

func (s *AppServer) startDashboard(ctx context.Context, mode Mode) error {
	handler := web.NewHandler(s.raw, s.hub, s, string(mode))
	return web.StartServer(ctx, &s.waitGroup, s.cfg.WebConf, handler, s.hub, s.metrics)
}

// Wait blocks until every manager and the dashboard have stopped.
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
	logger.Info().Msg("All managers stopped.")
}
