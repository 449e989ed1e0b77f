package fetch

import (
	"errors"
	"fmt"
)

// Kind 区分回源失败的来源，决定日志级别与是否触网。
type Kind int

const (
	// KindDenied 表示被 allow/deny 规则拒绝，未产生任何网络访问。
	KindDenied Kind = iota + 1
	// KindNegative 表示命中 .status 负缓存标记，直接返回记录的状态行。
	KindNegative
	// KindFailed 表示上游返回非 200 或网络层失败。
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindDenied:
		return "denied"
	case KindNegative:
		return "negative"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	deniedStatusLine     = "HTTP/1.1 403 Download denied by rule in DSMP config"
	badGatewayStatusLine = "HTTP/1.1 502 Bad Gateway"
)

// Failure 携带需要原样回写给客户端的状态行。
type Failure struct {
	Kind       Kind
	URL        string
	Status     int
	StatusLine string
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("fetch %s %s: %s: %v", f.Kind, f.URL, f.StatusLine, f.Err)
	}
	return fmt.Sprintf("fetch %s %s: %s", f.Kind, f.URL, f.StatusLine)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure 从错误链中取出 *Failure。
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

func denied(raw string) *Failure {
	return &Failure{Kind: KindDenied, URL: raw, Status: 403, StatusLine: deniedStatusLine}
}

func badGateway(raw string, err error) *Failure {
	return &Failure{Kind: KindFailed, URL: raw, Status: 502, StatusLine: badGatewayStatusLine, Err: err}
}
