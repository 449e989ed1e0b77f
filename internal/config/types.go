package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Config 是 TOML 文件映射的整体结构。顶层字段描述监听、目录与日志，
// Proxy/Mirror/Rule 描述上游代理与 URL 路由策略。
type Config struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	CacheDir        string   `mapstructure:"CacheDir"`
	PatchesDir      string   `mapstructure:"PatchesDir"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	DownloadLogPath string   `mapstructure:"DownloadLogPath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ShutdownGrace   Duration `mapstructure:"ShutdownGrace"`
	CoalesceFetches bool     `mapstructure:"CoalesceFetches"`
	AdminPort       int      `mapstructure:"AdminPort"`

	Proxy   *ProxyConfig   `mapstructure:"Proxy"`
	Mirrors []MirrorConfig `mapstructure:"Mirror"`
	Rules   []RuleConfig   `mapstructure:"Rule"`
}

// ProxyConfig 描述可选的上游 HTTP 代理。整个块缺省时表示直连。
type ProxyConfig struct {
	Host     string   `mapstructure:"Host"`
	Port     int      `mapstructure:"Port"`
	User     string   `mapstructure:"User"`
	Password string   `mapstructure:"Password"`
	NoProxy  []string `mapstructure:"NoProxy"`
}

// MirrorConfig 将 From 前缀的 URL 改写到 To 前缀。
type MirrorConfig struct {
	From string `mapstructure:"From"`
	To   string `mapstructure:"To"`
}

// RuleConfig 是一条 allow/deny 规则，按声明顺序匹配。
type RuleConfig struct {
	Action string `mapstructure:"Action"`
	URL    string `mapstructure:"URL"`
}

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Allows 返回规则是否为放行规则（假定 Validate 已经通过）。
func (r RuleConfig) Allows() bool {
	return strings.EqualFold(strings.TrimSpace(r.Action), ActionAllow)
}

// HasCredentials 表示上游代理是否配置了完整凭证。
func (p ProxyConfig) HasCredentials() bool {
	return p.User != "" && p.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (p ProxyConfig) AuthMode() string {
	if p.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// ProxyMode 汇总代理配置，例如 direct 或 proxy.server:3128(credentialed)。
func (c *Config) ProxyMode() string {
	if c == nil || c.Proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s:%d(%s)", c.Proxy.Host, c.Proxy.Port, c.Proxy.AuthMode())
}
