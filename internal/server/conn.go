package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/fetch"
	"github.com/any-hub/artifact-proxy/internal/logging"
)

var (
	// ErrNoRequest 表示请求块中没有 GET/HEAD 行而连接仍然打开。
	ErrNoRequest = errors.New("no GET or HEAD line in request")
	// ErrUnsupportedScheme 表示镜像改写后的目标不是 http。
	ErrUnsupportedScheme = errors.New("only http targets are supported")
	// ErrLineTooLong 表示单行超过 maxLineLength 仍未遇到 LF。
	ErrLineTooLong = errors.New("request line too long")
)

const (
	keepAliveHeader = "Proxy-Connection: Keep-Alive"
	// maxLineLength 限制单个请求行或头部行的字节数（不含 LF）。
	maxLineLength = 8 << 10
)

type request struct {
	method string
	target string
	lines  []string
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	entry := s.logger.WithFields(logging.ConnFields(connID, conn.RemoteAddr().String()))
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer s.teardown(entry, conn, writer)

	entry.WithField("action", "accept").Debug("connection opened")

	keepAlive := false
	for {
		if s.ctx.Err() != nil {
			return
		}

		req, open, err := readRequest(reader, &keepAlive)
		if err != nil {
			if errors.Is(err, ErrNoRequest) {
				entry.WithFields(logrus.Fields{
					"action":  "parse",
					"request": strings.Join(req.lines, "\n"),
				}).Error("no_request_found")
				return
			}
			entry.WithError(err).WithField("action", "read").Error("conn_aborted")
			return
		}
		if req.target == "" {
			return
		}

		if err := s.serve(entry, writer, req); err != nil {
			entry.WithError(err).WithFields(logrus.Fields{
				"action": "serve",
				"target": req.target,
			}).Error("conn_aborted")
			return
		}
		if err := writer.Flush(); err != nil {
			entry.WithError(err).WithField("action", "write").Error("conn_aborted")
			return
		}

		if !open || !keepAlive {
			return
		}
	}
}

// readRequest 读取一个以空行结束的请求块。open 为 false 表示流已结束；
// 流结束且没有捕获到目标时返回零值 request 与 nil 错误。
// keepAlive 一旦被置位，在整个连接生命周期内保持。
func readRequest(r *bufio.Reader, keepAlive *bool) (request, bool, error) {
	var req request
	open := true
	for {
		line, err := readLine(r)
		if err != nil {
			if !isStreamEnd(err) {
				return req, false, err
			}
			open = false
			break
		}
		if line == "" {
			break
		}
		req.lines = append(req.lines, line)

		if strings.EqualFold(line, keepAliveHeader) {
			*keepAlive = true
		}
		switch {
		case strings.HasPrefix(line, "GET "):
			req.method = http.MethodGet
			req.target = requestTarget(line[len("GET "):])
		case strings.HasPrefix(line, "HEAD "):
			req.method = http.MethodHead
			req.target = requestTarget(line[len("HEAD "):])
		}
	}

	if req.target == "" && open {
		return req, open, ErrNoRequest
	}
	return req, open, nil
}

// readLine 读取一个以 LF 结尾的行并去掉所有 CR。没有 LF 的残行视为流已结束；
// 超过 maxLineLength 仍未见到 LF 时返回 ErrLineTooLong。
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineLength+1 {
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return strings.ReplaceAll(string(line[:len(line)-1]), "\r", ""), nil
}

// requestTarget 返回最后一个空格之前的内容；没有版本号时整行剩余部分即为目标。
func requestTarget(rest string) string {
	if idx := strings.LastIndex(rest, " "); idx >= 0 {
		if target := strings.TrimSpace(rest[:idx]); target != "" {
			return target
		}
	}
	return strings.TrimSpace(rest)
}

func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// serve 处理一个请求。返回错误表示连接必须中止；回源失败不算错误，
// 而是把记录的状态行作为完整响应写回。
func (s *Server) serve(entry *logrus.Entry, w *bufio.Writer, req request) error {
	snap := s.source.Current()

	rewritten, mirror := snap.MatchMirror(req.target)
	target, err := url.Parse(rewritten)
	if err != nil {
		return fmt.Errorf("parse target %q: %w", rewritten, err)
	}
	if target.Scheme != "http" {
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, req.target)
	}

	entry = entry.WithFields(logrus.Fields{
		"action": "request",
		"method": req.method,
		"target": req.target,
	})
	if mirror != nil {
		entry = entry.WithField("mirror", rewritten)
	}
	entry.Info("request_received")

	resolver := cache.NewResolver(snap.CacheRoot, snap.PatchRoot, s.logger)
	res, err := resolver.Resolve(target)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", rewritten, err)
	}

	if !res.Hit {
		if err := s.fetcher.Fetch(s.ctx, target, res.Path); err != nil {
			failure, ok := fetch.AsFailure(err)
			if !ok {
				return err
			}
			return writeStatusOnly(w, failure.StatusLine)
		}
	} else {
		entry.WithFields(logrus.Fields{
			"origin": res.Origin,
			"path":   res.Path,
		}).Debug("serving from local tree")
	}

	if err := s.writeFile(entry, w, req, res.Path); err != nil {
		return err
	}
	s.downloads.WithFields(logrus.Fields{
		"action": "serve",
		"method": req.method,
		"url":    target.String(),
		"origin": res.Origin,
	}).Info("served")
	return nil
}

func writeStatusOnly(w *bufio.Writer, statusLine string) error {
	_, err := w.WriteString(statusLine + "\r\n\r\n")
	return err
}

func (s *Server) writeFile(entry *logrus.Entry, w *bufio.Writer, req request, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	modTime := info.ModTime()
	if modTime.Before(time.Unix(0, 0)) {
		entry.WithFields(logrus.Fields{
			"path":  path,
			"mtime": modTime.String(),
		}).Error("file mtime before epoch, using current time")
		modTime = time.Now()
	}

	contentType, known := ContentType(requestPath(req.target))
	if !known {
		entry.WithField("path", path).Warn("unknown extension, using text/plain")
	}

	header := fmt.Sprintf("HTTP/1.1 200 OK\r\nDate: %s\r\nContent-length: %d\r\nContent-type: %s\r\n\r\n",
		modTime.UTC().Format(http.TimeFormat), info.Size(), contentType)
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if req.method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	return nil
}

// requestPath 取客户端原始请求目标的路径部分，Content-type 以它为准而不是镜像后的地址。
func requestPath(target string) string {
	if u, err := url.Parse(target); err == nil {
		return u.Path
	}
	return target
}

type closeReader interface{ CloseRead() error }
type closeWriter interface{ CloseWrite() error }

// teardown 依次关闭输出、输入与连接本身，任何一步失败只记录日志，不影响后续步骤。
func (s *Server) teardown(entry *logrus.Entry, conn net.Conn, w *bufio.Writer) {
	defer s.untrack(conn)

	if err := w.Flush(); err != nil {
		entry.WithError(err).WithField("action", "close").Debug("flush on close failed")
	}
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			entry.WithError(err).WithField("action", "close").Warn("close_output_failed")
		}
	}
	if cr, ok := conn.(closeReader); ok {
		if err := cr.CloseRead(); err != nil && !errors.Is(err, net.ErrClosed) {
			entry.WithError(err).WithField("action", "close").Warn("close_input_failed")
		}
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		entry.WithError(err).WithField("action", "close").Warn("close_conn_failed")
	}
	entry.WithField("action", "close").Debug("connection closed")
}
