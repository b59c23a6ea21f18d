package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"

	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/shared/types"
)

// ErrForbidden 表示服务端返回 403，本轮请求不再重试。
var ErrForbidden = errors.New("request forbidden (403)")

// RequesterConfig controls retries and the browser-like header set.
type RequesterConfig struct {
	Attempts       int
	BackoffBase    time.Duration
	Timeout        time.Duration
	UserAgent      string
	Origin         string
	Referer        string
	Fingerprint    bool
	InsecureVerify bool
}

// NewRequesterConfig collects the requester settings from the unified config.
func NewRequesterConfig(cfg *types.Config) RequesterConfig {
	return RequesterConfig{
		Attempts:       cfg.RequestAttempts,
		BackoffBase:    cfg.BackoffBase(),
		Timeout:        cfg.RequestTimeout(),
		UserAgent:      cfg.UserAgent,
		Origin:         cfg.Origin,
		Referer:        cfg.Referer,
		Fingerprint:    cfg.TLSFingerprint,
		InsecureVerify: cfg.InsecureSkipVerify,
	}
}

// Requester 通过指定出口发送带 Bearer token 的 JSON POST 请求。
type Requester struct {
	cfg    RequesterConfig
	client *http.Client
	label  string
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRequester creates a Requester whose connections all go through d.
// label is only used in logs.
func NewRequester(cfg RequesterConfig, d egress.ContextDialer, label string) *Requester {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	tr := &http.Transport{
		Proxy:               nil,
		DialContext:         d.DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	if cfg.Fingerprint {
		tr.DialTLSContext = fingerprintDialer(d, cfg.InsecureVerify)
	}
	return &Requester{
		cfg:    cfg,
		client: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		label:  label,
		sleep:  sleepCtx,
	}
}

// fingerprintDialer 用 utls 随机化 ClientHello，不协商 ALPN，连接保持在 HTTP/1.1。
func fingerprintDialer(d egress.ContextDialer, insecure bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		uconn := utls.UClient(raw, &utls.Config{ServerName: host, InsecureSkipVerify: insecure}, utls.HelloRandomizedNoALPN)
		if err := uconn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
		}
		return uconn, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostJSON posts body and decodes the JSON response into out (may be nil).
// Transport errors and non-2xx responses are retried with exponential backoff
// (base, 2*base, 4*base ...) after each failed attempt. A 403 stops immediately with
// ErrForbidden. The returned int is the last HTTP status seen, 0 if none.
func (r *Requester) PostJSON(ctx context.Context, url, token string, body, out any) (int, error) {
	l := logger.WithComponent("Transport/Requester").With().Str("proxy", logger.RedactProxy(r.label)).Logger()

	payload := []byte("{}")
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		status, err := r.do(ctx, url, token, payload, out)
		lastStatus = status
		if err == nil {
			return status, nil
		}
		if errors.Is(err, ErrForbidden) || ctx.Err() != nil {
			return status, err
		}
		lastErr = err
		l.Warn().Err(err).Str("url", url).Int("attempt", attempt+1).Msg("API call failed.")

		// 每次失败后都退避，包括最后一次，避免调用方立即重试
		if err := r.sleep(ctx, r.cfg.BackoffBase<<attempt); err != nil {
			return lastStatus, err
		}
	}
	return lastStatus, fmt.Errorf("request to %s failed after %d attempts: %w", url, r.cfg.Attempts, lastErr)
}

func (r *Requester) do(ctx context.Context, url, token string, payload []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	r.setHeaders(req, token)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ErrForbidden
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (r *Requester) setHeaders(req *http.Request, token string) {
	h := req.Header
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	if r.cfg.UserAgent != "" {
		h.Set("User-Agent", r.cfg.UserAgent)
	}
	if r.cfg.Origin != "" {
		h.Set("Origin", r.cfg.Origin)
	}
	if r.cfg.Referer != "" {
		h.Set("Referer", r.cfg.Referer)
	}
	h.Set("Sec-Ch-Ua", `"Chromium";v="122", "Not(A:Brand";v="24", "Google Chrome";v="122"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "cross-site")
}
