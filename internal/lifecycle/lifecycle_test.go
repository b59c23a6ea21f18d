package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uptime_nexus/internal/api"
	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/shared/types"
	"uptime_nexus/internal/store"
	"uptime_nexus/internal/transport"
)

const testToken = "token-0123456789abcdef"

// closedStream opens and immediately reports a remote close.
type closedStream struct {
	events chan transport.Event
}

func newClosedStream(code int) *closedStream {
	s := &closedStream{events: make(chan transport.Event, 2)}
	s.events <- transport.Event{Kind: transport.EventOpen}
	s.events <- transport.Event{Kind: transport.EventClose, Code: code}
	close(s.events)
	return s
}

func (s *closedStream) Events() <-chan transport.Event { return s.events }
func (s *closedStream) Send(any) error                 { return nil }
func (s *closedStream) State() transport.ReadyState    { return transport.StateClosed }
func (s *closedStream) Close() error                   { return nil }

type fakeOpener struct {
	mu      sync.Mutex
	dials   int
	err     error
	onDial  func()
	streams func() transport.Stream
}

func (f *fakeOpener) Dial(context.Context, egress.ContextDialer) (transport.Stream, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	if f.onDial != nil {
		f.onDial()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.streams(), nil
}

type fakeIPs struct {
	ip  string
	err error
}

func (f fakeIPs) Lookup(context.Context, egress.ContextDialer) (string, error) { return f.ip, f.err }

// sleepRecorder records every wait and cancels the context on the n-th one.
type sleepRecorder struct {
	mu     sync.Mutex
	waits  []time.Duration
	stopAt int
	cancel context.CancelFunc
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	n := len(s.waits)
	s.mu.Unlock()
	if n >= s.stopAt {
		s.cancel()
		return ctx.Err()
	}
	return nil
}

func testDeps(st store.Store, opener StreamOpener, ips IPLooker) Deps {
	cfg := types.NewDefaultConfig()
	return Deps{
		Config:  cfg,
		Store:   st,
		Streams: opener,
		IPs:     ips,
		API:     api.NewClient(cfg.RemoteConf, nil),
		Metrics: metrics.New(),
		Posters: func(*egress.Dialer, string) api.Poster { return nil },
	}
}

func runStream(t *testing.T, m *StreamManager, stopAt int) *sleepRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &sleepRecorder{stopAt: stopAt, cancel: cancel}
	m.sleep = rec.sleep
	m.randDur = func(lo, hi time.Duration) time.Duration { return hi }

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	return rec
}

func TestStreamManager_CooldownBeforeDialAfterRepeatedFailures(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.UpsertIdentity(testToken, "1.2.3.4", store.IdentityPatch{Retries: store.Ptr(3)})
	require.NoError(t, err)

	var sleepingAtDial bool
	opener := &fakeOpener{streams: func() transport.Stream { return newClosedStream(1006) }}
	opener.onDial = func() {
		ident, _ := st.GetIdentity(testToken, "1.2.3.4")
		sleepingAtDial = ident.Sleeping
	}
	m, err := NewStreamManager(testDeps(st, opener, fakeIPs{ip: "1.2.3.4"}), testToken, "")
	require.NoError(t, err)

	rec := runStream(t, m, 2)

	require.Len(t, rec.waits, 2)
	assert.Equal(t, 6*time.Second, rec.waits[0], "cooldown")
	assert.Equal(t, 60*time.Second, rec.waits[1], "retry interval")
	assert.True(t, sleepingAtDial)
	assert.Equal(t, 1, opener.dials)

	ident, err := st.GetIdentity(testToken, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ident.Sleeping, "cleared by the next status update")
	assert.Equal(t, store.StatusClosed, ident.Status)
	assert.Equal(t, 4, ident.Retries)
}

func TestStreamManager_NoCooldownBelowThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.UpsertIdentity(testToken, "1.2.3.4", store.IdentityPatch{Retries: store.Ptr(2)})
	require.NoError(t, err)

	opener := &fakeOpener{streams: func() transport.Stream { return newClosedStream(1006) }}
	m, err := NewStreamManager(testDeps(st, opener, fakeIPs{ip: "1.2.3.4"}), testToken, "")
	require.NoError(t, err)

	rec := runStream(t, m, 1)
	assert.Equal(t, []time.Duration{60 * time.Second}, rec.waits)
	assert.Equal(t, 1, opener.dials)
}

func TestStreamManager_ReconnectsAfterEachClose(t *testing.T) {
	st := store.NewMemoryStore()
	opener := &fakeOpener{streams: func() transport.Stream { return newClosedStream(1006) }}
	m, err := NewStreamManager(testDeps(st, opener, fakeIPs{ip: "1.2.3.4"}), testToken, "")
	require.NoError(t, err)

	// closes 1..3 sleep the retry interval, the 4th cycle starts with a cooldown
	rec := runStream(t, m, 4)
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second, 6 * time.Second}, rec.waits)
	assert.Equal(t, 3, opener.dials)
}

func TestStreamManager_DialFailureRecordsErrorAndClose(t *testing.T) {
	st := store.NewMemoryStore()
	opener := &fakeOpener{err: errors.New("connection refused")}
	m, err := NewStreamManager(testDeps(st, opener, fakeIPs{err: errors.New("lookup failed")}),
		testToken, "http://u:p@10.1.1.1:3128")
	require.NoError(t, err)

	rec := runStream(t, m, 1)
	assert.Equal(t, []time.Duration{60 * time.Second}, rec.waits)

	acct, err := st.Get(testToken)
	require.NoError(t, err)
	ident := acct.IPs["10.1.1.1:3128"]
	require.NotNil(t, ident, "identity falls back to the proxy address")
	assert.Equal(t, store.StatusClosed, ident.Status)
	assert.Equal(t, 2, ident.Retries)
	assert.Equal(t, "Connection died", acct.LastError)
}

func TestStreamManager_InvalidProxy(t *testing.T) {
	_, err := NewStreamManager(testDeps(store.NewMemoryStore(), &fakeOpener{}, fakeIPs{}), testToken, "ftp://x:1")
	assert.Error(t, err)
}

func TestRandomDuration(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := randomDuration(10*time.Millisecond, 6*time.Second)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
	assert.Equal(t, time.Second, randomDuration(time.Second, time.Second))
}

// pollPoster answers session and ping calls and cancels ctx after the first ping.
type pollPoster struct {
	mu     sync.Mutex
	pings  int
	cancel context.CancelFunc
}

func (p *pollPoster) PostJSON(_ context.Context, url, _ string, _, out any) (int, error) {
	body := `{"code":0,"data":{"uid":"u1"}}`
	if strings.HasSuffix(url, "/ping") {
		p.mu.Lock()
		p.pings++
		p.mu.Unlock()
		p.cancel()
		body = `{"code":0,"data":{"ip_score":50}}`
	}
	return 200, json.Unmarshal([]byte(body), out)
}

func TestPollManager_FailsFastWithoutProxies(t *testing.T) {
	dir := t.TempDir()
	resolver := egress.NewResolver(types.ProxyConf{Dir: filepath.Join(dir, "proxies"), SharedFile: filepath.Join(dir, "proxies.txt")})
	m := NewPollManager(testDeps(store.NewMemoryStore(), nil, fakeIPs{}), testToken, "1", resolver)

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, egress.ErrNoProxies)
}

func TestPollManager_CooldownThenPolls(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "proxies.txt")
	require.NoError(t, os.WriteFile(shared, []byte("10.0.0.1:8080\nnot a proxy://\n"), 0644))
	resolver := egress.NewResolver(types.ProxyConf{SharedFile: shared})

	st := store.NewMemoryStore()
	_, err := st.UpsertIdentity(testToken, "10.0.0.1:8080", store.IdentityPatch{Retries: store.Ptr(5)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poster := &pollPoster{cancel: cancel}
	deps := testDeps(st, nil, fakeIPs{err: errors.New("offline")})
	deps.Posters = func(*egress.Dialer, string) api.Poster { return poster }
	m := NewPollManager(deps, testToken, "1", resolver)
	var cooled []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		cooled = append(cooled, d)
		ident, _ := st.GetIdentity(testToken, "10.0.0.1:8080")
		assert.True(t, ident.Sleeping)
		return nil
	}
	m.randDur = func(lo, hi time.Duration) time.Duration { return lo }

	err = m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, cooled)
	assert.Equal(t, 1, poster.pings)

	ident, err := st.GetIdentity(testToken, "10.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, 0, ident.Retries)
	assert.Equal(t, store.StatusActive, ident.Status)
	require.NotNil(t, m.Poller())
	assert.Len(t, m.Poller().Stats(), 1, "the invalid line is skipped")
}
