package lifecycle

import (
	"context"
	"math/rand/v2"
	"time"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/shared/types"
	"uptime_nexus/internal/store"
	"uptime_nexus/internal/transport"
)

// StreamOpener dials a duplex stream through an egress.
type StreamOpener interface {
	Dial(ctx context.Context, d egress.ContextDialer) (transport.Stream, error)
}

// IPLooker resolves the public IP seen through an egress.
type IPLooker interface {
	Lookup(ctx context.Context, d egress.ContextDialer) (string, error)
}

// PosterFactory builds the request transport bound to one egress.
type PosterFactory func(d *egress.Dialer, label string) api.Poster

// Deps are shared by every manager of the process.
type Deps struct {
	Config  *types.Config
	Store   store.Store
	Streams StreamOpener
	IPs     IPLooker
	API     *api.Client
	Metrics *metrics.Registry
	Posters PosterFactory
}

// RequesterFactory returns the default PosterFactory built on transport.Requester.
func RequesterFactory(cfg *types.Config) PosterFactory {
	rc := transport.NewRequesterConfig(cfg)
	return func(d *egress.Dialer, label string) api.Poster {
		return transport.NewRequester(rc, d, label)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// randomDuration returns a uniform duration in [lo, hi].
func randomDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// needsCooldown 判断出口的持久化失败次数是否已达到冷却阈值。
func needsCooldown(retries, threshold int) bool {
	return threshold > 0 && retries >= threshold
}

// Stagger waits a random duration in [lo, hi] before a manager starts.
func Stagger(ctx context.Context, lo, hi time.Duration) error {
	return sleepCtx(ctx, randomDuration(lo, hi))
}
