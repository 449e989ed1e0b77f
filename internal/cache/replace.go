package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Replace 将 body 流式写入 dest 同目录下的临时文件，完成后执行三步替换：
// 删除旧的 .bak，把现有 dest 改名为 .bak，再把临时文件改名为 dest。
// 三步之间进程崩溃不具备事务性，.bak 仅供人工恢复。
func Replace(ctx context.Context, dest string, body io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return 0, fmt.Errorf("cache destination %s is a directory", dest)
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".new-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempName, 0o644)
	}
	if err != nil {
		os.Remove(tempName)
		return written, err
	}

	backup := BackupPath(dest)
	if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tempName)
		return written, err
	}
	if err := os.Rename(dest, backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tempName)
		return written, err
	}
	if err := os.Rename(tempName, dest); err != nil {
		os.Remove(tempName)
		return written, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
