package admin

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/routing"
	"github.com/any-hub/artifact-proxy/internal/version"
)

func registerRoutes(app *fiber.App, opts AppOptions) {
	app.Get("/-/status", func(c fiber.Ctx) error {
		snap := opts.Source.Current()
		return c.JSON(statusPayload{
			Version:         version.Full(),
			ConfigPath:      opts.Source.Path(),
			LoadedAt:        snap.LoadedAt,
			UptimeSeconds:   int64(time.Since(opts.Started) / time.Second),
			ListenPort:      snap.Port,
			CacheRoot:       snap.CacheRoot,
			PatchRoot:       snap.PatchRoot,
			Proxy:           proxyMode(snap),
			Mirrors:         len(snap.Mirrors),
			Rules:           len(snap.Rules),
			CoalesceFetches: snap.CoalesceFetches,
			UpstreamTimeout: snap.UpstreamTimeout.String(),
		})
	})

	app.Get("/-/rules", func(c fiber.Ctx) error {
		return c.JSON(encodeRules(opts.Source.Current()))
	})

	app.Get("/-/resolve", func(c fiber.Ctx) error {
		raw := strings.TrimSpace(c.Query("url"))
		if raw == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		payload, err := resolve(opts.Source.Current(), raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "invalid_url",
				"detail": err.Error(),
			})
		}
		return c.JSON(payload)
	})
}

type statusPayload struct {
	Version         string    `json:"version"`
	ConfigPath      string    `json:"config_path"`
	LoadedAt        time.Time `json:"loaded_at"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	ListenPort      int       `json:"listen_port"`
	CacheRoot       string    `json:"cache_root"`
	PatchRoot       string    `json:"patch_root"`
	Proxy           string    `json:"proxy"`
	Mirrors         int       `json:"mirrors"`
	Rules           int       `json:"rules"`
	CoalesceFetches bool      `json:"coalesce_fetches"`
	UpstreamTimeout string    `json:"upstream_timeout"`
}

type mirrorPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type rulePayload struct {
	Action string `json:"action"`
	Prefix string `json:"prefix"`
}

type rulesPayload struct {
	Mirrors []mirrorPayload `json:"mirrors"`
	Rules   []rulePayload   `json:"rules"`
	NoProxy []string        `json:"no_proxy"`
	Proxy   string          `json:"proxy"`
}

type resolvePayload struct {
	URL            string `json:"url"`
	Target         string `json:"target"`
	MirrorFrom     string `json:"mirror_from,omitempty"`
	Supported      bool   `json:"supported"`
	Allowed        bool   `json:"allowed"`
	Rule           string `json:"rule,omitempty"`
	ViaProxy       bool   `json:"via_proxy"`
	Origin         string `json:"origin"`
	Path           string `json:"path"`
	NegativeStatus string `json:"negative_status,omitempty"`
}

// proxyMode 只输出地址与认证方式，不暴露密码。
func proxyMode(snap *routing.Snapshot) string {
	if snap == nil || snap.Proxy == nil {
		return "direct"
	}
	u := snap.ProxyURL()
	mode := "anonymous"
	if snap.Proxy.User != "" {
		mode = "credentialed"
	}
	return u.Host + "(" + mode + ")"
}

func encodeRules(snap *routing.Snapshot) rulesPayload {
	payload := rulesPayload{
		Mirrors: []mirrorPayload{},
		Rules:   []rulePayload{},
		NoProxy: []string{},
		Proxy:   proxyMode(snap),
	}
	if snap == nil {
		return payload
	}
	for _, m := range snap.Mirrors {
		payload.Mirrors = append(payload.Mirrors, mirrorPayload{From: m.From, To: m.To})
	}
	for _, r := range snap.Rules {
		payload.Rules = append(payload.Rules, rulePayload{Action: ruleAction(r), Prefix: r.Prefix})
	}
	payload.NoProxy = append(payload.NoProxy, snap.NoProxy...)
	return payload
}

func ruleAction(r routing.Rule) string {
	if r.Allow {
		return "allow"
	}
	return "deny"
}

// resolve 复现协议循环对一个 URL 的决策过程，但不回源也不生成校验文件。
func resolve(snap *routing.Snapshot, raw string) (resolvePayload, error) {
	if _, err := url.Parse(raw); err != nil {
		return resolvePayload{}, err
	}
	rewritten, mirror := snap.MatchMirror(raw)
	target, err := url.Parse(rewritten)
	if err != nil {
		return resolvePayload{}, err
	}

	payload := resolvePayload{
		URL:       raw,
		Target:    rewritten,
		Supported: target.Scheme == "http",
		ViaProxy:  snap.UseProxy(target),
	}
	if mirror != nil {
		payload.MirrorFrom = mirror.From
	}
	allowed, rule := snap.MatchRule(rewritten)
	payload.Allowed = allowed
	if rule != nil {
		payload.Rule = ruleAction(*rule) + " " + rule.Prefix
	}
	if !payload.Supported || snap == nil {
		return payload, nil
	}

	res, err := cache.NewResolver(snap.CacheRoot, snap.PatchRoot, nil).Lookup(target)
	if err != nil {
		return resolvePayload{}, err
	}
	payload.Origin = string(res.Origin)
	payload.Path = res.Path
	if !res.Hit {
		line, ok, err := cache.NegativeStatus(res.Path)
		if err == nil && ok {
			payload.NegativeStatus = line
		}
	}
	return payload, nil
}
