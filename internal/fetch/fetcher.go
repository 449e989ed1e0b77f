package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/logging"
)

// Fetcher 执行“策略 → 负缓存 → 网络”顺序的回源，成功时替换 dest。
type Fetcher struct {
	source    SnapshotSource
	client    *http.Client
	logger    *logrus.Logger
	downloads *logrus.Logger
	group     singleflight.Group
}

// New 构造 Fetcher。downloads 为空时下载记录写入主 logger。
func New(source SnapshotSource, logger, downloads *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if downloads == nil {
		downloads = logger
	}
	return &Fetcher{
		source:    source,
		client:    NewUpstreamClient(source),
		logger:    logger,
		downloads: downloads,
	}
}

// Fetch 为 u 回源并写入 dest。返回的错误为 *Failure 时，其 StatusLine 应原样回写客户端。
// 403/404 以 info 级别记录，其余失败以 error 级别记录。
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL, dest string) error {
	err := f.fetch(ctx, u, dest)
	if err != nil {
		f.logFailure(u, dest, err)
	}
	return err
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL, dest string) error {
	raw := u.String()
	snap := f.source.Current()

	if !snap.Allowed(raw) {
		return denied(raw)
	}

	line, ok, err := cache.NegativeStatus(dest)
	if err != nil {
		return fmt.Errorf("read negative status %s: %w", dest, err)
	}
	if ok {
		return &Failure{Kind: KindNegative, URL: raw, Status: http.StatusNotFound, StatusLine: line}
	}

	if !snap.CoalesceFetches {
		return f.download(ctx, u, dest)
	}
	_, err, shared := f.group.Do(dest, func() (interface{}, error) {
		return nil, f.download(ctx, u, dest)
	})
	if shared {
		f.logger.WithFields(logging.FetchFields(raw, dest, snap.UseProxy(u))).Debug("fetch_coalesced")
	}
	return err
}

func (f *Fetcher) download(ctx context.Context, u *url.URL, dest string) error {
	raw := u.String()
	snap := f.source.Current()
	started := time.Now()

	f.logger.WithFields(logging.FetchFields(raw, dest, snap.UseProxy(u))).Info("fetch_start")

	resp, release, err := f.get(ctx, u, snap.UpstreamTimeout)
	if err != nil {
		return badGateway(raw, err)
	}
	defer release()
	defer resp.Body.Close()

	statusLine := clientStatusLine(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// 只有 404 会被负缓存，且标记不会过期。
		if werr := cache.WriteNegativeStatus(dest, statusLine); werr != nil {
			f.logger.WithFields(logging.FetchFields(raw, dest, false)).
				WithError(werr).Warn("negative_status_write_failed")
		}
		return &Failure{Kind: KindFailed, URL: raw, Status: resp.StatusCode, StatusLine: statusLine}
	default:
		return &Failure{Kind: KindFailed, URL: raw, Status: resp.StatusCode, StatusLine: statusLine}
	}

	written, err := cache.Replace(ctx, dest, resp.Body)
	if err != nil {
		return fmt.Errorf("store %s: %w", dest, err)
	}

	f.downloads.WithFields(logrus.Fields{
		"action":     "download",
		"url":        raw,
		"dest":       dest,
		"bytes":      written,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("download_complete")
	return nil
}

// clientStatusLine 以 HTTP/1.1 重写上游状态行。客户端一侧始终是 HTTP/1.1，
// 上游经 TLS 协商出 HTTP/2 时 resp.Proto 为 "HTTP/2.0"，不能原样回写或记入 .status。
func clientStatusLine(resp *http.Response) string {
	return "HTTP/1.1 " + resp.Status
}

// get 发起 GET 请求。timeout 大于 0 时只约束建连、TLS 与等待响应头的阶段，
// 响应体的读取不受限制；release 必须在读取完响应体后调用。
func (f *Fetcher) get(ctx context.Context, u *url.URL, timeout time.Duration) (*http.Response, func(), error) {
	reqCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	resp, err := f.client.Do(req)
	if timer != nil && !timer.Stop() {
		// 计时器已触发，请求上下文已被取消。
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, nil, fmt.Errorf("upstream did not respond within %s", timeout)
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

func (f *Fetcher) logFailure(u *url.URL, dest string, err error) {
	snap := f.source.Current()
	entry := f.logger.WithFields(logging.FetchFields(u.String(), dest, snap.UseProxy(u)))

	failure, ok := AsFailure(err)
	if !ok {
		entry.WithError(err).Error("fetch_failed")
		return
	}
	entry = entry.WithFields(logrus.Fields{
		"kind":        failure.Kind.String(),
		"status":      failure.Status,
		"status_line": failure.StatusLine,
	})
	if failure.Err != nil {
		entry = entry.WithError(failure.Err)
	}
	switch {
	case failure.Status == http.StatusForbidden || failure.Status == http.StatusNotFound:
		entry.Info("fetch_failed")
	case errors.Is(failure.Err, context.Canceled):
		entry.Warn("fetch_canceled")
	default:
		entry.Error("fetch_failed")
	}
}
