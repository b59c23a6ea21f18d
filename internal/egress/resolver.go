package egress

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/shared/types"
)

// ErrNoProxies is returned when no proxy source yields a single entry.
var ErrNoProxies = errors.New("no proxies found in either account-specific or shared proxy file")

const sessionAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Resolver 按优先级为账户解析代理列表：
// 模板生成 > <dir>/<account>.txt > 共享文件。
type Resolver struct {
	cfg types.ProxyConf
}

// NewResolver creates a Resolver from the [proxy] config section.
func NewResolver(cfg types.ProxyConf) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the proxy lines for an account. accountKey names the
// per-account file (token or label).
func (r *Resolver) Resolve(accountKey string) ([]string, error) {
	l := logger.WithComponent("Egress/Resolver")

	if r.cfg.Template != "" {
		proxies := GenerateFromTemplate(r.cfg.Template, r.cfg.Area, r.cfg.Count)
		l.Info().Int("count", len(proxies)).Msg("Generated proxies from template.")
		return proxies, nil
	}

	if r.cfg.Dir != "" && accountKey != "" {
		accountPath := filepath.Join(r.cfg.Dir, filepath.Base(accountKey)+".txt")
		proxies, err := ReadProxyFile(accountPath)
		switch {
		case err == nil && len(proxies) > 0:
			l.Info().Int("count", len(proxies)).Str("path", accountPath).Msg("Loaded account-specific proxies.")
			return proxies, nil
		case err != nil && !os.IsNotExist(err):
			return nil, err
		}
		l.Info().Str("path", accountPath).Str("fallback", r.cfg.SharedFile).Msg("Account-specific proxy file not found, trying shared file instead.")
	}

	if r.cfg.SharedFile != "" {
		proxies, err := ReadProxyFile(r.cfg.SharedFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if len(proxies) > 0 {
			l.Info().Int("count", len(proxies)).Str("path", r.cfg.SharedFile).Msg("Loaded shared proxies.")
			return proxies, nil
		}
	}
	return nil, ErrNoProxies
}

// ReadProxyFile 读取代理文件，每行一个，忽略空行和 # 注释。
func ReadProxyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var proxies []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	return proxies, nil
}

// GenerateFromTemplate 根据代理商的模板字符串生成 count 个代理。
// {area} 替换为地区代码，{session} 为每个代理独立的随机会话 ID，{index} 为序号。
func GenerateFromTemplate(template, area string, count int) []string {
	if count <= 0 {
		count = 1
	}
	proxies := make([]string, 0, count)
	for i := 0; i < count; i++ {
		p := strings.ReplaceAll(template, "{area}", area)
		p = strings.ReplaceAll(p, "{session}", randomString(8))
		p = strings.ReplaceAll(p, "{index}", strconv.Itoa(i+1))
		proxies = append(proxies, p)
	}
	return proxies
}

func randomString(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(sessionAlphabet[rand.IntN(len(sessionAlphabet))])
	}
	return sb.String()
}

// RoundRobin hands out proxies in order, wrapping around at the end.
type RoundRobin struct {
	proxies []string
	next    int
}

// NewRoundRobin creates an iterator over proxies.
func NewRoundRobin(proxies []string) (*RoundRobin, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("round robin: %w", ErrNoProxies)
	}
	return &RoundRobin{proxies: proxies}, nil
}

// Next returns the next proxy and its index. Not safe for concurrent use.
func (r *RoundRobin) Next() (string, int) {
	i := r.next
	r.next = (r.next + 1) % len(r.proxies)
	return r.proxies[i], i
}

// Len returns the number of proxies.
func (r *RoundRobin) Len() int { return len(r.proxies) }
