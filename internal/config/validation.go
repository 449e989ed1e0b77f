package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const maxPort = 0xffff

// Validate 针对语义级别做进一步校验，防止非法配置进入服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if !validPort(c.ListenPort) {
		return newFieldError("ListenPort", fmt.Sprintf("必须在 1-%d", maxPort))
	}
	if c.AdminPort != 0 {
		if !validPort(c.AdminPort) {
			return newFieldError("AdminPort", fmt.Sprintf("必须为 0 或 1-%d", maxPort))
		}
		if c.AdminPort == c.ListenPort {
			return newFieldError("AdminPort", "不能与 ListenPort 相同")
		}
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		return newFieldError("CacheDir", "不能为空")
	}
	if strings.TrimSpace(c.PatchesDir) == "" {
		return newFieldError("PatchesDir", "不能为空")
	}
	if c.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("UpstreamTimeout", "不能为负数")
	}
	if c.ShutdownGrace.DurationValue() < 0 {
		return newFieldError("ShutdownGrace", "不能为负数")
	}

	if p := c.Proxy; p != nil {
		if strings.TrimSpace(p.Host) == "" {
			return newFieldError("Proxy.Host", "不能为空")
		}
		if strings.ContainsAny(p.Host, "/ ") {
			return newFieldError("Proxy.Host", "只能是主机名")
		}
		if !validPort(p.Port) {
			return newFieldError("Proxy.Port", fmt.Sprintf("必须在 1-%d", maxPort))
		}
		if (p.User == "") != (p.Password == "") {
			return newFieldError("Proxy.User/Password", "必须同时提供或同时留空")
		}
	}

	for i, m := range c.Mirrors {
		if strings.TrimSpace(m.From) == "" {
			return newFieldError(indexedField("Mirror", i, "From"), "不能为空")
		}
		if strings.TrimSpace(m.To) == "" {
			return newFieldError(indexedField("Mirror", i, "To"), "不能为空")
		}
		if err := validateTarget(m.To); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Mirror", i, "To"), err)
		}
	}

	for i, r := range c.Rules {
		action := strings.ToLower(strings.TrimSpace(r.Action))
		if action != ActionAllow && action != ActionDeny {
			return newFieldError(indexedField("Rule", i, "Action"), "仅支持 allow/deny")
		}
		if r.URL == "" {
			return newFieldError(indexedField("Rule", i, "URL"), "不能为空")
		}
	}

	return nil
}

func validPort(port int) bool {
	return port >= 1 && port <= maxPort
}

func validateTarget(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("镜像地址必须是完整 URL: %s", raw)
	}
	return nil
}
