package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/routing"
)

// ErrServerClosed 在 Shutdown 之后由 Serve 返回。
var ErrServerClosed = errors.New("server closed")

// SnapshotSource 提供当前生效的路由快照。
type SnapshotSource interface {
	Current() *routing.Snapshot
}

// Fetcher 负责把未命中的 URL 下载到 dest，*fetch.Fetcher 即满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, dest string) error
}

// Options 描述 Server 的依赖。
type Options struct {
	Source    SnapshotSource
	Fetcher   Fetcher
	Logger    *logrus.Logger
	Downloads *logrus.Logger
}

// Server 接受连接并为每个连接运行协议循环。
type Server struct {
	source    SnapshotSource
	fetcher   Fetcher
	logger    *logrus.Logger
	downloads *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New 校验依赖并构造 Server。
func New(opts Options) (*Server, error) {
	if opts.Source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Downloads == nil {
		opts.Downloads = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		source:    opts.Source,
		fetcher:   opts.Fetcher,
		logger:    opts.Logger,
		downloads: opts.Downloads,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe 在 addr 上监听 TCP 并阻塞处理连接。
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve 在 ln 上循环 Accept，临时性错误按指数退避重试，其余错误直接返回。
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("proxy server listening")

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if !isTemporary(err) {
				return fmt.Errorf("accept: %w", err)
			}
			delay := retry.NextBackOff()
			s.logger.WithFields(logrus.Fields{
				"action": "accept",
				"retry":  delay.String(),
			}).WithError(err).Warn("accept_failed")
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		retry.Reset()

		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr 返回监听地址，尚未开始 Serve 时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown 停止接受新连接并取消进行中的回源；空闲或仍在读请求的连接立即结束，
// 正在写响应的连接最多等待到 ctx 截止，之后强制关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var lnErr error
	if s.listener != nil {
		lnErr = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return lnErr
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action":      "shutdown",
		"force_close": remaining,
	}).Warn("shutdown grace expired, closing remaining connections")
	<-done
	return ctx.Err()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isTemporary(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}
