package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const ipLookupTimeout = 10 * time.Second

type ipAPIResponse struct {
	IP string `json:"ip"`
}

// IPLookup 通过给定出口查询公网 IP。每个出口（按 Label 区分）有自己的熔断器，
// 一个代理持续失败不会影响其他出口的查询。
type IPLookup struct {
	url     string
	timeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	lastIP   map[string]string
}

// labeler is implemented by *Dialer.
type labeler interface {
	Label() string
}

// NewIPLookup creates a lookup against an ipify-compatible endpoint.
func NewIPLookup(url string) *IPLookup {
	return &IPLookup{
		url:      url,
		timeout:  ipLookupTimeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lastIP:   make(map[string]string),
	}
}

func newLookupBreaker(label string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: "ip-lookup/" + label}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 10 {
			return true
		}
		return counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.8
	}
	return gobreaker.NewCircuitBreaker(st)
}

func dialerLabel(d ContextDialer) string {
	if l, ok := d.(labeler); ok {
		return l.Label()
	}
	return "direct"
}

func (l *IPLookup) breaker(label string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.breakers[label]
	if !ok {
		cb = newLookupBreaker(label)
		l.breakers[label] = cb
	}
	return cb
}

// Lookup returns the public IP seen by the remote side when dialing through d.
// While the breaker of d is open, the last IP observed through d is returned.
func (l *IPLookup) Lookup(ctx context.Context, d ContextDialer) (string, error) {
	label := dialerLabel(d)
	res, err := l.breaker(label).Execute(func() (interface{}, error) {
		return l.fetch(ctx, d)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			if ip, ok := l.lastIP[label]; ok {
				return ip, nil
			}
		}
		return "", err
	}
	ip := res.(string)
	l.lastIP[label] = ip
	return ip, nil
}

func (l *IPLookup) fetch(ctx context.Context, d ContextDialer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       d.DialContext,
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup returned status %d", resp.StatusCode)
	}
	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode ip lookup response: %w", err)
	}
	if body.IP == "" {
		return "", fmt.Errorf("ip lookup response has no ip")
	}
	return body.IP, nil
}

// IdentityKey 选择持久化时使用的出口标识：优先公网 IP，查询失败时退回代理地址。
func IdentityKey(ip string, d *Dialer) string {
	if ip != "" {
		return ip
	}
	return d.Label()
}
