package app

import (
	"sync"

	"uptime_nexus/internal/lifecycle"
	"uptime_nexus/internal/polling"
	"uptime_nexus/internal/shared/logger"
)

// pollState 记录本进程启动的 PollManager，供仪表盘读取内存中的统计。
type pollState struct {
	mu       sync.RWMutex
	managers map[string]*lifecycle.PollManager // token -> manager
}

func newPollState() *pollState {
	return &pollState{managers: make(map[string]*lifecycle.PollManager)}
}

func (p *pollState) add(token string, m *lifecycle.PollManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.managers[token] = m
}

// snapshot returns the per-proxy counters keyed by masked token. Accounts whose
// poller has not been built yet are omitted.
func (p *pollState) snapshot() map[string][]polling.ProxyStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]polling.ProxyStats, len(p.managers))
	for token, m := range p.managers {
		if poller := m.Poller(); poller != nil {
			out[logger.Mask(token)] = poller.Stats()
		}
	}
	return out
}

// PollStats implements web.StatsSource.
func (s *AppServer) PollStats() map[string][]polling.ProxyStats {
	return s.state.snapshot()
}
