package api

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"uptime_nexus/internal/shared/types"
	"uptime_nexus/internal/transport"
)

var (
	// ErrUnauthorized 会话接口返回非 0 code 或缺少 uid。
	ErrUnauthorized = errors.New("session rejected")
	// ErrPingRejected is returned for a ping answered with a non-zero code.
	ErrPingRejected = errors.New("ping rejected")
)

// Poster is the request/response transport. *transport.Requester implements it.
type Poster interface {
	PostJSON(ctx context.Context, url, token string, body, out any) (int, error)
}

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *T     `json:"data"`
}

// SessionData is the part of the session response the client relies on.
type SessionData struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// PingRequest is the body of the HTTP ping.
type PingRequest struct {
	ID        string `json:"id"`
	BrowserID string `json:"browser_id"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// PingData carries the network score of the egress.
type PingData struct {
	IPScore float64 `json:"ip_score"`
}

// Client 封装会话与 ping 两个远端接口。limiter 在所有管理器间共享，
// 平滑会话接口的调用频率。
type Client struct {
	sessionURL string
	pingURL    string
	limiter    *rate.Limiter
}

// NewLimiter builds the shared limiter for session calls. A non-positive
// rate disables limiting.
func NewLimiter(t types.TimingConf) *rate.Limiter {
	if t.AuthRatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := t.AuthBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(t.AuthRatePerSec), burst)
}

// NewClient creates a Client. limiter may be nil.
func NewClient(remote types.RemoteConf, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{sessionURL: remote.SessionURL, pingURL: remote.PingURL, limiter: limiter}
}

// Session 调用会话接口。code 为 0 且带 uid 时返回会话数据，否则返回 ErrUnauthorized。
// 传输层的 403 以 transport.ErrForbidden 原样返回。
func (c *Client) Session(ctx context.Context, p Poster, token string) (*SessionData, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp envelope[SessionData]
	if _, err := p.PostJSON(ctx, c.sessionURL, token, struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("session request failed: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("%w: code %d %s", ErrUnauthorized, resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.UID == "" {
		return nil, fmt.Errorf("%w: response has no uid", ErrUnauthorized)
	}
	return resp.Data, nil
}

// Ping posts one liveness report. A body code of 403 is reported as
// transport.ErrForbidden, same as an HTTP 403.
func (c *Client) Ping(ctx context.Context, p Poster, token string, req PingRequest) (*PingData, error) {
	var resp envelope[PingData]
	if _, err := p.PostJSON(ctx, c.pingURL, token, req, &resp); err != nil {
		return nil, fmt.Errorf("ping request failed: %w", err)
	}
	switch {
	case resp.Code == 403:
		return nil, fmt.Errorf("%w: ping code 403 %s", transport.ErrForbidden, resp.Msg)
	case resp.Code != 0:
		return nil, fmt.Errorf("%w: code %d %s", ErrPingRejected, resp.Code, resp.Msg)
	case resp.Data == nil:
		return nil, fmt.Errorf("%w: response has no data", ErrPingRejected)
	}
	return resp.Data, nil
}
