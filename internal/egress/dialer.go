package egress

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const defaultDialTimeout = 15 * time.Second

// ContextDialer is satisfied by *Dialer and by net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// ParseProxy 解析一行代理配置。支持 http://、https://、socks5:// 以及不带 scheme 的
// host:port / user:pass@host:port（按 http 处理）。空字符串表示直连，返回 nil。
func ParseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("proxy %q must include host and port", raw)
	}
	return u, nil
}

// Dialer 负责建立到目标地址的 TCP 连接，可选地经过一个 HTTP/HTTPS/SOCKS5 代理。
type Dialer struct {
	proxyURL *url.URL
	base     *net.Dialer
	proxyTLS *tls.Config // https:// 代理的 TLS 配置，nil 时使用系统根证书
}

// NewDialer creates a Dialer for the given proxy line. An empty line dials directly.
func NewDialer(rawProxy string) (*Dialer, error) {
	u, err := ParseProxy(rawProxy)
	if err != nil {
		return nil, err
	}
	return &Dialer{
		proxyURL: u,
		base: &net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 30 * time.Second,
		},
	}, nil
}

// Label 返回用于日志和出口标识的代理 host:port，直连时为 "direct"。
func (d *Dialer) Label() string {
	if d.proxyURL == nil {
		return "direct"
	}
	return d.proxyURL.Host
}

// DialContext dials addr through the configured proxy.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL == nil {
		return d.base.DialContext(ctx, network, addr)
	}
	switch d.proxyURL.Scheme {
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	default:
		return d.dialConnect(ctx, addr)
	}
}

func (d *Dialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		pass, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, d.base)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer.(proxy.ContextDialer).DialContext(ctx, network, addr)
}

// dialConnect opens a tunnel with HTTP CONNECT. For https:// proxies the hop to
// the proxy itself is wrapped in TLS first.
func (d *Dialer) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.base.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to reach proxy %s: %w", d.proxyURL.Host, err)
	}

	if d.proxyURL.Scheme == "https" {
		cfg := &tls.Config{}
		if d.proxyTLS != nil {
			cfg = d.proxyTLS.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = d.proxyURL.Hostname()
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with proxy failed: %w", err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxyURL.User != nil {
		pass, _ := d.proxyURL.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s failed: %s", addr, resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.r.Read(b) }
