package egress

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uptime_nexus/internal/shared/types"
)

func TestParseProxy(t *testing.T) {
	tests := []struct {
		in      string
		scheme  string
		host    string
		wantErr bool
	}{
		{in: "", scheme: ""},
		{in: "1.2.3.4:8080", scheme: "http", host: "1.2.3.4:8080"},
		{in: "user:pw@1.2.3.4:8080", scheme: "http", host: "1.2.3.4:8080"},
		{in: "https://proxy.example:443", scheme: "https", host: "proxy.example:443"},
		{in: "socks5://u:p@10.0.0.1:1080", scheme: "socks5", host: "10.0.0.1:1080"},
		{in: "ftp://1.2.3.4:21", wantErr: true},
		{in: "http://1.2.3.4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := ParseProxy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.scheme == "" {
				assert.Nil(t, u)
				return
			}
			assert.Equal(t, tt.scheme, u.Scheme)
			assert.Equal(t, tt.host, u.Host)
		})
	}
}

func TestDialer_Label(t *testing.T) {
	d, err := NewDialer("")
	require.NoError(t, err)
	assert.Equal(t, "direct", d.Label())

	d, err = NewDialer("http://u:p@5.6.7.8:3128")
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8:3128", d.Label())
	assert.Equal(t, "5.6.7.8:3128", IdentityKey("", d))
	assert.Equal(t, "9.9.9.9", IdentityKey("9.9.9.9", d))
}

// connectProxy is a minimal HTTP CONNECT proxy for tests.
func connectProxy(t *testing.T, wantAuth string, hits *int32) *httptest.Server {
	return httptest.NewServer(connectHandler(wantAuth, hits))
}

func connectHandler(wantAuth string, hits *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "only CONNECT", http.StatusMethodNotAllowed)
			return
		}
		if wantAuth != "" && r.Header.Get("Proxy-Authorization") != wantAuth {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		atomic.AddInt32(hits, 1)
		upstream, err := net.Dial("tcp", r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			upstream.Close()
			return
		}
		client, _, err := hj.Hijack()
		if err != nil {
			upstream.Close()
			return
		}
		fmt.Fprint(client, "HTTP/1.1 200 Connection established\r\n\r\n")
		go func() {
			io.Copy(upstream, client)
			upstream.Close()
		}()
		io.Copy(client, upstream)
		client.Close()
	})
}

func TestDialer_HTTPConnect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "through-proxy")
	}))
	defer target.Close()

	var hits int32
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:secret"))
	px := connectProxy(t, wantAuth, &hits)
	defer px.Close()

	d, err := NewDialer("http://user:secret@" + strings.TrimPrefix(px.URL, "http://"))
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{DialContext: d.DialContext}}
	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "through-proxy", string(body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestDialer_HTTPConnectRejected(t *testing.T) {
	var hits int32
	px := connectProxy(t, "Basic nope", &hits)
	defer px.Close()

	d, err := NewDialer(px.URL)
	require.NoError(t, err)
	_, err = d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "407")
}

func TestIPLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ip":"1.2.3.4"}`)
	}))
	defer srv.Close()

	d, err := NewDialer("")
	require.NoError(t, err)
	ip, err := NewIPLookup(srv.URL).Lookup(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip)
}

func TestIPLookup_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _ := NewDialer("")
	_, err := NewIPLookup(srv.URL).Lookup(context.Background(), d)
	assert.Error(t, err)
}

func TestResolver_PrefersAccountFile(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "proxies.txt")
	require.NoError(t, os.WriteFile(shared, []byte("1.1.1.1:80\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "proxies"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxies", "acct.txt"), []byte("# comment\n2.2.2.2:80\n\n3.3.3.3:80\n"), 0644))

	r := NewResolver(types.ProxyConf{Dir: filepath.Join(dir, "proxies"), SharedFile: shared})

	got, err := r.Resolve("acct")
	require.NoError(t, err)
	assert.Equal(t, []string{"2.2.2.2:80", "3.3.3.3:80"}, got)

	got, err = r.Resolve("other")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1:80"}, got)
}

func TestResolver_NothingFound(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(types.ProxyConf{Dir: filepath.Join(dir, "proxies"), SharedFile: filepath.Join(dir, "proxies.txt")})
	_, err := r.Resolve("acct")
	assert.ErrorIs(t, err, ErrNoProxies)
}

func TestResolver_Template(t *testing.T) {
	r := NewResolver(types.ProxyConf{
		Template: "http://user-zone-{area}-session-{session}:pw@gw.example:7777",
		Area:     "us",
		Count:    3,
	})
	got, err := r.Resolve("acct")
	require.NoError(t, err)
	require.Len(t, got, 3)

	seen := map[string]bool{}
	for _, p := range got {
		assert.True(t, strings.HasPrefix(p, "http://user-zone-us-session-"), p)
		_, err := ParseProxy(p)
		assert.NoError(t, err)
		seen[p] = true
	}
	assert.Len(t, seen, 3, "each generated proxy gets its own session")
}

func TestRoundRobin(t *testing.T) {
	_, err := NewRoundRobin(nil)
	assert.ErrorIs(t, err, ErrNoProxies)

	rr, err := NewRoundRobin([]string{"a", "b"})
	require.NoError(t, err)
	var order []string
	for i := 0; i < 5; i++ {
		p, _ := rr.Next()
		order = append(order, p)
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, order)
}

type byteCount struct{ n atomic.Int64 }

func (b *byteCount) Add(v float64) { b.n.Add(int64(v)) }

type pipeDialer struct{ conn net.Conn }

func (p pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) { return p.conn, nil }

func TestCounted(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	var up, down byteCount

	conn, err := Counted(pipeDialer{conn: client}, &up, &down).DialContext(context.Background(), "tcp", "x:1")
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(server, buf)
		server.Write([]byte("pong!!"))
	}()
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	assert.Equal(t, int64(5), up.n.Load())
	assert.Equal(t, int64(6), down.n.Load())
}

func TestDialer_HTTPSConnect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "through-tls-proxy")
	}))
	defer target.Close()

	var hits int32
	px := httptest.NewTLSServer(connectHandler("", &hits))
	defer px.Close()

	d, err := NewDialer(px.URL)
	require.NoError(t, err)
	assert.Equal(t, "https", d.proxyURL.Scheme)
	d.proxyTLS = px.Client().Transport.(*http.Transport).TLSClientConfig

	client := &http.Client{Transport: &http.Transport{DialContext: d.DialContext}}
	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "through-tls-proxy", string(body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestDialer_HTTPSConnectUntrustedProxy(t *testing.T) {
	px := httptest.NewTLSServer(http.NotFoundHandler())
	defer px.Close()

	d, err := NewDialer(px.URL)
	require.NoError(t, err)
	_, err = d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS handshake")
}

// socks5Server speaks the subset of RFC 1928/1929 used by the dialer:
// username/password auth and CONNECT to an IPv4 or domain address.
func socks5Server(t *testing.T, user, pass string, hits *int32) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(c, user, pass, hits)
		}
	}()
	return ln
}

func serveSOCKS5(c net.Conn, user, pass string, hits *int32) {
	defer c.Close()
	buf := make([]byte, 256)

	// greeting: VER NMETHODS METHODS...
	if _, err := io.ReadFull(c, buf[:2]); err != nil || buf[0] != 5 {
		return
	}
	methods := buf[2 : 2+int(buf[1])]
	if _, err := io.ReadFull(c, methods); err != nil {
		return
	}
	if !strings.Contains(string(methods), "\x02") {
		c.Write([]byte{5, 0xff})
		return
	}
	c.Write([]byte{5, 2})

	// username/password: VER ULEN UNAME PLEN PASSWD
	if _, err := io.ReadFull(c, buf[:2]); err != nil {
		return
	}
	u := make([]byte, buf[1])
	io.ReadFull(c, u)
	io.ReadFull(c, buf[:1])
	p := make([]byte, buf[0])
	io.ReadFull(c, p)
	if string(u) != user || string(p) != pass {
		c.Write([]byte{1, 1})
		return
	}
	c.Write([]byte{1, 0})

	// request: VER CMD RSV ATYP DST.ADDR DST.PORT
	if _, err := io.ReadFull(c, buf[:4]); err != nil || buf[1] != 1 {
		return
	}
	var host string
	switch buf[3] {
	case 1:
		ip := make([]byte, 4)
		io.ReadFull(c, ip)
		host = net.IP(ip).String()
	case 3:
		io.ReadFull(c, buf[:1])
		name := make([]byte, buf[0])
		io.ReadFull(c, name)
		host = string(name)
	default:
		return
	}
	port := make([]byte, 2)
	io.ReadFull(c, port)
	addr := net.JoinHostPort(host, fmt.Sprint(int(port[0])<<8|int(port[1])))

	upstream, err := net.Dial("tcp", addr)
	if err != nil {
		c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	atomic.AddInt32(hits, 1)
	c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})

	go io.Copy(upstream, c)
	io.Copy(c, upstream)
}

func TestDialer_SOCKS5(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "through-socks")
	}))
	defer target.Close()

	var hits int32
	ln := socks5Server(t, "user", "secret", &hits)
	defer ln.Close()

	d, err := NewDialer("socks5://user:secret@" + ln.Addr().String())
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{DialContext: d.DialContext}}
	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "through-socks", string(body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestDialer_SOCKS5BadCredentials(t *testing.T) {
	var hits int32
	ln := socks5Server(t, "user", "secret", &hits)
	defer ln.Close()

	d, err := NewDialer("socks5://user:wrong@" + ln.Addr().String())
	require.NoError(t, err)
	_, err = d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	assert.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

// failingDialer never reaches the network; it stands for a dead proxy.
type failingDialer struct{ label string }

func (f failingDialer) Label() string { return f.label }

func (f failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, fmt.Errorf("proxy %s unreachable", f.label)
}

func TestIPLookup_BreakerIsPerEgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ip":"9.9.9.9"}`)
	}))
	defer srv.Close()

	lookup := NewIPLookup(srv.URL)
	dead := failingDialer{label: "10.0.0.9:3128"}
	for i := 0; i < 15; i++ {
		_, err := lookup.Lookup(context.Background(), dead)
		require.Error(t, err)
	}
	_, err := lookup.Lookup(context.Background(), dead)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState, "the dead proxy trips its own breaker")

	healthy, err := NewDialer("")
	require.NoError(t, err)
	ip, err := lookup.Lookup(context.Background(), healthy)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", ip)
	assert.Equal(t, "9.9.9.9", IdentityKey(ip, healthy))
}

// flakyDialer succeeds until broken is set.
type flakyDialer struct {
	broken atomic.Bool
}

func (f *flakyDialer) Label() string { return "10.0.0.7:8080" }

func (f *flakyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if f.broken.Load() {
		return nil, fmt.Errorf("proxy down")
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func TestIPLookup_KeepsLastIPWhileBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ip":"5.6.7.8"}`)
	}))
	defer srv.Close()

	lookup := NewIPLookup(srv.URL)
	d := &flakyDialer{}
	ip, err := lookup.Lookup(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, "5.6.7.8", ip)

	d.broken.Store(true)
	for i := 0; i < 10; i++ {
		_, err := lookup.Lookup(context.Background(), d)
		require.Error(t, err)
	}
	ip, err = lookup.Lookup(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8", ip, "identity key stays stable while the breaker is open")
}
