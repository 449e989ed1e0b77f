package cache

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Origin 标识一次解析结果来自哪棵目录树。
type Origin string

const (
	OriginPatch Origin = "patch"
	OriginCache Origin = "cache"
	OriginMiss  Origin = "miss"
)

// Resolution 是 Resolve 的结果。Hit 为 false 时 Path 是回源写入的目标位置。
type Resolution struct {
	Path   string
	Hit    bool
	Origin Origin
}

// Resolver 依次检查补丁目录与缓存目录，两者都未命中时给出缓存目录下的写入位置。
type Resolver struct {
	cacheRoot string
	patchRoot string
	logger    *logrus.Logger
}

// NewResolver 构造解析器。根目录来自当前路由快照，因此每个请求都可以廉价地重新构造。
func NewResolver(cacheRoot, patchRoot string, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		cacheRoot: cacheRoot,
		patchRoot: patchRoot,
		logger:    logger,
	}
}

// CachePath 返回 URL 在缓存目录下的位置。
func (r *Resolver) CachePath(u *url.URL) (string, error) {
	return Locate(r.cacheRoot, u)
}

// PatchPath 返回 URL 在补丁目录下的位置。
func (r *Resolver) PatchPath(u *url.URL) (string, error) {
	return Locate(r.patchRoot, u)
}

// Resolve 优先返回补丁目录中的文件（请求校验文件且缺失时先尝试现场生成），
// 其次是缓存目录中的文件，否则返回缓存目录位置作为未命中的写入目标。
func (r *Resolver) Resolve(u *url.URL) (Resolution, error) {
	return r.resolve(u, true)
}

// Lookup 与 Resolve 相同但不生成校验文件，不会写磁盘。
func (r *Resolver) Lookup(u *url.URL) (Resolution, error) {
	return r.resolve(u, false)
}

func (r *Resolver) resolve(u *url.URL, synthesize bool) (Resolution, error) {
	patchPath, err := r.PatchPath(u)
	if err != nil {
		return Resolution{}, err
	}
	exists, err := isRegularFile(patchPath)
	if err != nil {
		return Resolution{}, err
	}
	if !exists && synthesize && IsChecksumPath(patchPath) {
		generated, genErr := SynthesizeChecksum(patchPath)
		if genErr != nil {
			r.logger.WithFields(logrus.Fields{
				"action": "checksum_synthesize",
				"path":   patchPath,
			}).WithError(genErr).Warn("checksum synthesis failed")
		}
		exists = generated
	}
	if exists {
		return Resolution{Path: patchPath, Hit: true, Origin: OriginPatch}, nil
	}

	cachePath, err := r.CachePath(u)
	if err != nil {
		return Resolution{}, err
	}
	exists, err = isRegularFile(cachePath)
	if err != nil {
		return Resolution{}, err
	}
	if exists {
		return Resolution{Path: cachePath, Hit: true, Origin: OriginCache}, nil
	}
	return Resolution{Path: cachePath, Hit: false, Origin: OriginMiss}, nil
}

// NegativeStatus 读取 dest 旁的 .status 标记；存在时原样返回其中保存的状态行。
func NegativeStatus(dest string) (string, bool, error) {
	data, err := os.ReadFile(StatusPath(dest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// WriteNegativeStatus 记录一次失败的状态行。标记没有过期时间，只能由运维手动删除。
func WriteNegativeStatus(dest, statusLine string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(StatusPath(dest), []byte(statusLine), 0o644)
}

// isRegularFile 判断 path 是否为已存在的普通文件，目录不算命中。
func isRegularFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		// ENOTDIR: 路径中间段是普通文件，例如请求 a.jar/x 而 a.jar 已缓存。
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}
