package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uptime_nexus/internal/metrics"
	"uptime_nexus/internal/polling"
	"uptime_nexus/internal/shared/types"
	"uptime_nexus/internal/store"
)

type staticStats map[string][]polling.ProxyStats

func (s staticStats) PollStats() map[string][]polling.ProxyStats { return s }

func newTestServer(t *testing.T, cfg types.WebConf, st store.Store, hub *Hub) *httptest.Server {
	t.Helper()
	if hub == nil {
		hub = NewHub()
	}
	stats := staticStats{"acct": {{Proxy: "1.1.1.1:80", PingCount: 3}}}
	srv := httptest.NewServer(NewMux(cfg, NewHandler(st, hub, stats, "poll"), hub, metrics.New()))
	t.Cleanup(srv.Close)
	return srv
}

func TestUsersAPI(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.Upsert("A1", store.AccountPatch{Name: store.Ptr("alice")})
	require.NoError(t, err)
	_, err = st.UpsertIdentity("A1", "1.2.3.4", store.IdentityPatch{Status: store.Ptr(store.StatusOpen)})
	require.NoError(t, err)
	srv := newTestServer(t, types.WebConf{}, st, nil)

	resp, err := http.Get(srv.URL + "/api/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var users []store.Account
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)

	resp2, err := http.Get(srv.URL + "/api/users/A1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var user store.Account
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&user))
	assert.Equal(t, store.StatusOpen, user.IPs["1.2.3.4"].Status)
}

func TestUsersAPI_NotFound(t *testing.T) {
	srv := newTestServer(t, types.WebConf{}, store.NewMemoryStore(), nil)

	resp, err := http.Get(srv.URL + "/api/users/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "User not found", body["message"])
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, types.WebConf{User: "admin", Password: "pw"}, store.NewMemoryStore(), nil)

	resp, err := http.Get(srv.URL + "/api/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/users", nil)
	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "metrics stay public")
}

func TestStatsAndStatus(t *testing.T) {
	srv := newTestServer(t, types.WebConf{}, store.NewMemoryStore(), nil)

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats map[string][]polling.ProxyStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 3, stats["acct"][0].PingCount)

	resp2, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.Equal(t, "poll", status.Mode)
}

func TestHub_BroadcastsStoreWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	base := store.NewMemoryStore()
	st := store.WithHook(base, hub.Notifier(base))
	srv := newTestServer(t, types.WebConf{}, base, hub)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = st.UpsertIdentity("A1", "1.2.3.4", store.IdentityPatch{Status: store.Ptr(store.StatusActive)})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type string        `json:"type"`
		Data store.Account `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "account_update", msg.Type)
	assert.Equal(t, "A1", msg.Data.ID)
	assert.Equal(t, store.StatusActive, msg.Data.IPs["1.2.3.4"].Status)
}
