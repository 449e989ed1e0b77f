package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

const (
	// StatusSuffix 是负缓存标记文件的后缀。
	StatusSuffix = ".status"
	// BackupSuffix 是覆盖写入时保留的上一版本后缀。
	BackupSuffix = ".bak"

	defaultHTTPPort = "80"
)

// ErrUnsafeHost 表示 URL 的主机名无法作为单个目录名落盘（为空、是 . 或 ..、或含路径分隔符）。
var ErrUnsafeHost = errors.New("cache: host cannot be mapped to a directory")

// Locate 计算 URL 在 root 下的落盘路径：root/host[/port]/path，
// 仅当 URL 显式携带且不等于 80 的端口时才插入端口目录。结果保证位于 root 之内。
func Locate(root string, u *url.URL) (string, error) {
	host := u.Hostname()
	if !safeSegment(host) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeHost, host)
	}
	parts := []string{root, host}
	if port := u.Port(); port != "" && port != defaultHTTPPort {
		if !safeSegment(port) {
			return "", fmt.Errorf("%w: port %q", ErrUnsafeHost, port)
		}
		parts = append(parts, port)
	}
	rel := strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	if rel != "" {
		parts = append(parts, filepath.FromSlash(rel))
	}
	dest := filepath.Join(parts...)

	within, err := filepath.Rel(filepath.Clean(root), dest)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrUnsafeHost, u.Host, root)
	}
	return dest, nil
}

// safeSegment 判断 s 能否原样作为一级目录名。
func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`+string(filepath.Separator)+"\x00")
}

// StatusPath 返回 dest 对应的负缓存标记路径。
func StatusPath(dest string) string {
	return dest + StatusSuffix
}

// BackupPath 返回 dest 对应的备份路径。
func BackupPath(dest string) string {
	return dest + BackupSuffix
}
