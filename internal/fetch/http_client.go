package fetch

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/artifact-proxy/internal/routing"
)

// maxRedirects 与浏览器的宽松策略一致，允许跨 scheme 跳转。
const maxRedirects = 20

// SnapshotSource 提供当前生效的路由快照，*routing.Source 即满足该接口。
type SnapshotSource interface {
	Current() *routing.Snapshot
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回回源使用的 http.Client。代理选择在每个请求（包括每一跳重定向）
// 上读取最新快照，因此热加载后的代理与 NoProxy 设置立即生效。
// 超时不在 Client 上设置：它只约束到响应头为止，由 Fetcher 按快照逐请求控制。
func NewUpstreamClient(source SnapshotSource) *http.Client {
	transport := defaultTransport.Clone()
	transport.Proxy = proxyFunc(source)

	return &http.Client{
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}
}

func proxyFunc(source SnapshotSource) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		snap := source.Current()
		if !snap.UseProxy(req.URL) {
			return nil, nil
		}
		return snap.ProxyURL(), nil
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}
