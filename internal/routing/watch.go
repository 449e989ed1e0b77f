package routing

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch 监听配置文件所在目录，文件变化时触发 Reload。编辑器常以
// rename 方式保存文件，因此监听目录而不是文件本身。ctx 取消后返回。
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				// Chmod 覆盖 touch 等只更新时间戳的操作，是否真正重载由 mtime 决定。
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
					continue
				}
				_ = s.Reload()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log().WithFields(logrus.Fields{"action": "config_watch"}).WithError(werr).Warn("config watcher error")
			}
		}
	}()
	return nil
}
