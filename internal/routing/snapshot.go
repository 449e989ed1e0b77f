package routing

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/artifact-proxy/internal/config"
)

// Mirror 是一条前缀改写规则，From/To 均以 "/" 结尾。
type Mirror struct {
	From string
	To   string
}

// Rule 是一条按声明顺序匹配的 allow/deny 前缀规则。
type Rule struct {
	Prefix string
	Allow  bool
}

// Proxy 描述上游 HTTP 代理及其凭证。
type Proxy struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Snapshot 是一次成功加载的完整路由配置，构建后不再修改。
type Snapshot struct {
	Port      int
	AdminPort int
	CacheRoot string
	PatchRoot string

	Mirrors []Mirror
	Rules   []Rule
	NoProxy []string
	Proxy   *Proxy

	UpstreamTimeout time.Duration
	ShutdownGrace   time.Duration
	CoalesceFetches bool

	LoadedAt time.Time
}

// NewSnapshot 将校验通过的配置转换为只读快照。
func NewSnapshot(cfg *config.Config) *Snapshot {
	snap := &Snapshot{
		Port:            cfg.ListenPort,
		AdminPort:       cfg.AdminPort,
		CacheRoot:       cfg.CacheDir,
		PatchRoot:       cfg.PatchesDir,
		UpstreamTimeout: cfg.UpstreamTimeout.DurationValue(),
		ShutdownGrace:   cfg.ShutdownGrace.DurationValue(),
		CoalesceFetches: cfg.CoalesceFetches,
		LoadedAt:        time.Now(),
	}

	for _, m := range cfg.Mirrors {
		snap.Mirrors = append(snap.Mirrors, Mirror{
			From: withTrailingSlash(m.From),
			To:   withTrailingSlash(m.To),
		})
	}
	for _, r := range cfg.Rules {
		snap.Rules = append(snap.Rules, Rule{Prefix: r.URL, Allow: r.Allows()})
	}
	if p := cfg.Proxy; p != nil {
		snap.Proxy = &Proxy{
			Host:     p.Host,
			Port:     p.Port,
			User:     p.User,
			Password: p.Password,
		}
		snap.NoProxy = append([]string(nil), p.NoProxy...)
	}
	return snap
}

func withTrailingSlash(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s
}

// Mirror 按声明顺序查找第一条 From 前缀匹配的规则并改写 URL；无匹配时原样返回。
func (s *Snapshot) Mirror(raw string) string {
	if s == nil {
		return raw
	}
	for _, m := range s.Mirrors {
		if strings.HasPrefix(raw, m.From) {
			return m.To + raw[len(m.From):]
		}
	}
	return raw
}

// MatchMirror 与 Mirror 相同，但同时返回命中的规则，供日志与诊断使用。
func (s *Snapshot) MatchMirror(raw string) (string, *Mirror) {
	if s == nil {
		return raw, nil
	}
	for i := range s.Mirrors {
		m := &s.Mirrors[i]
		if strings.HasPrefix(raw, m.From) {
			return m.To + raw[len(m.From):], m
		}
	}
	return raw, nil
}

// Allowed 由第一条前缀匹配的规则决定结果，顺序优先于具体程度；无匹配时默认放行。
func (s *Snapshot) Allowed(raw string) bool {
	allowed, _ := s.MatchRule(raw)
	return allowed
}

// MatchRule 返回放行结论以及决定该结论的规则（默认放行时为 nil）。
func (s *Snapshot) MatchRule(raw string) (bool, *Rule) {
	if s == nil {
		return true, nil
	}
	for i := range s.Rules {
		r := &s.Rules[i]
		if strings.HasPrefix(raw, r.Prefix) {
			return r.Allow, r
		}
	}
	return true, nil
}

// UseProxy 判断请求是否需要经过上游代理：未配置代理时为 false，
// 主机名以任一 NoProxy 后缀结尾时同样直连。
func (s *Snapshot) UseProxy(u *url.URL) bool {
	if s == nil || s.Proxy == nil || u == nil {
		return false
	}
	host := u.Hostname()
	for _, suffix := range s.NoProxy {
		if strings.HasSuffix(host, suffix) {
			return false
		}
	}
	return true
}

// ProxyURL 返回带凭证的代理地址，未配置代理时为 nil。
func (s *Snapshot) ProxyURL() *url.URL {
	if s == nil || s.Proxy == nil {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(s.Proxy.Host, strconv.Itoa(s.Proxy.Port)),
	}
	if s.Proxy.User != "" {
		u.User = url.UserPassword(s.Proxy.User, s.Proxy.Password)
	}
	return u
}
