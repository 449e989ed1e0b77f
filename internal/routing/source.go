package routing

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/config"
)

// Source 持有当前生效的 Snapshot，并负责基于文件 mtime 的热加载。
type Source struct {
	path    string
	baseDir string

	mu      sync.Mutex
	modTime time.Time
	logger  atomic.Pointer[logrus.Logger]

	current atomic.Pointer[Snapshot]
	config  atomic.Pointer[config.Config]
}

// NewSource 执行首次加载；失败时返回 *ConfigError，调用方应当终止进程。
func NewSource(path, baseDir string) (*Source, error) {
	s := &Source{path: path, baseDir: baseDir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticSource 包装一个固定快照，不关联配置文件，主要用于测试与嵌入场景。
func NewStaticSource(snap *Snapshot) *Source {
	s := &Source{}
	s.current.Store(snap)
	return s
}

// SetLogger 在日志初始化完成后注入，未设置时使用 logrus 标准 logger。
func (s *Source) SetLogger(logger *logrus.Logger) {
	s.logger.Store(logger)
}

// Path 返回配置文件路径。
func (s *Source) Path() string {
	return s.path
}

// Current 返回当前快照，调用方在一次请求内应持有同一份引用。
func (s *Source) Current() *Snapshot {
	return s.current.Load()
}

// Config 返回最近一次成功加载的原始配置。
func (s *Source) Config() *config.Config {
	return s.config.Load()
}

// Reload 仅在配置文件 mtime 变化时重新解析。所有值先解析到临时变量，
// 全部成功后才整体替换；失败的 mtime 同样会被记住，文件再次变化前不会重复解析。
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.current.Load()

	info, err := os.Stat(s.path)
	if err != nil {
		return s.fail(previous, err)
	}
	if previous != nil && info.ModTime().Equal(s.modTime) {
		return nil
	}
	s.modTime = info.ModTime()

	s.log().WithFields(logrus.Fields{
		"action": "config_load",
		"path":   s.path,
		"reload": previous != nil,
	}).Info("loading config")

	cfg, err := config.Load(s.path, s.baseDir)
	if err != nil {
		return s.fail(previous, err)
	}
	for _, dir := range []string{cfg.CacheDir, cfg.PatchesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.fail(previous, fmt.Errorf("create directory %s: %w", dir, err))
		}
	}

	next := NewSnapshot(cfg)
	if previous != nil && previous.Port != next.Port {
		s.log().WithFields(logrus.Fields{
			"action":   "config_load",
			"old_port": previous.Port,
			"new_port": next.Port,
		}).Warn("listen port change requires restart")
	}

	s.config.Store(cfg)
	s.current.Store(next)
	return nil
}

func (s *Source) fail(previous *Snapshot, err error) error {
	cfgErr := &ConfigError{Path: s.path, Err: err}
	if previous != nil {
		s.log().WithFields(logrus.Fields{
			"action": "config_reload",
			"path":   s.path,
		}).WithError(err).Error("config reload failed, keeping previous snapshot")
	}
	return cfgErr
}

func (s *Source) log() *logrus.Logger {
	if logger := s.logger.Load(); logger != nil {
		return logger
	}
	return logrus.StandardLogger()
}
