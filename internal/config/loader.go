package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DefaultListenPort    = 8080
	DefaultCacheDir      = "cache"
	DefaultPatchesDir    = "patches"
	DefaultProxyHost     = "proxy"
	DefaultProxyPort     = 80
	DefaultShutdownGrace = 10 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// baseDir 为 CLI 传入的 home 目录，相对的缓存/补丁目录都以它为基准。
func Load(path, baseDir string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.Proxy == nil && v.IsSet("Proxy") {
		cfg.Proxy = &ProxyConfig{}
	}

	applyDefaults(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var err error
	if cfg.CacheDir, err = resolveDir(baseDir, cfg.CacheDir); err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	if cfg.PatchesDir, err = resolveDir(baseDir, cfg.PatchesDir); err != nil {
		return nil, fmt.Errorf("无法解析补丁目录: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", DefaultListenPort)
	v.SetDefault("CacheDir", DefaultCacheDir)
	v.SetDefault("PatchesDir", DefaultPatchesDir)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("DownloadLogPath", "")
	v.SetDefault("UpstreamTimeout", "0")
	v.SetDefault("ShutdownGrace", "10s")
	v.SetDefault("CoalesceFetches", false)
	v.SetDefault("AdminPort", 0)
}

// applyDefaults 只补齐文件中缺省的字段；端口显式写成 0 时保留原值交给 Validate 拒绝。
// ListenPort 的默认值已由 setDefaults 注册。
func applyDefaults(v *viper.Viper, c *Config) {
	if strings.TrimSpace(c.CacheDir) == "" {
		c.CacheDir = DefaultCacheDir
	}
	if strings.TrimSpace(c.PatchesDir) == "" {
		c.PatchesDir = DefaultPatchesDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownGrace.DurationValue() == 0 {
		c.ShutdownGrace = Duration(DefaultShutdownGrace)
	}

	if p := c.Proxy; p != nil {
		p.Host = strings.TrimSpace(p.Host)
		if p.Host == "" {
			p.Host = DefaultProxyHost
		}
		if !v.IsSet("Proxy.Port") {
			p.Port = DefaultProxyPort
		}
		p.NoProxy = normalizeSuffixes(p.NoProxy)
	}

	for i := range c.Rules {
		c.Rules[i].Action = strings.ToLower(strings.TrimSpace(c.Rules[i].Action))
	}
}

func normalizeSuffixes(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func resolveDir(baseDir, dir string) (string, error) {
	if !filepath.IsAbs(dir) && baseDir != "" {
		dir = filepath.Join(baseDir, dir)
	}
	return filepath.Abs(dir)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
