package content

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听素材文件变更并热加载到 Library
// 加载失败时保留旧素材，只记录日志；编辑器的半成品写入不会打断服务
func (l *Library) Watch(ctx context.Context, path string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// 监听目录而不是文件：很多编辑器用 rename 替换文件，直接监听文件会丢事件
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// 合并连续写事件，避免半成品读取
		var reloadTimer *time.Timer
		target := filepath.Clean(path)

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
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(200*time.Millisecond, func() {
					packages, err := LoadPackages(path)
					if err != nil {
						logger.Printf("[Content] ⚠️  Reload failed, keeping previous content: %v", err)
						return
					}
					l.replace(packages)
					logger.Printf("[Content] Reloaded %d packages from %s", len(packages), path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("[Content] watcher error: %v", err)
			}
		}
	}()

	return nil
}
