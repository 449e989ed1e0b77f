package cache

import (
	"crypto/md5"
	"crypto/sha1"
	// go-digest 通过 crypto.Hash 取实现，需要显式链接 sha256/sha512。
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// checksumFunc 计算 r 的小写十六进制摘要。
type checksumFunc func(r io.Reader) (string, error)

var checksumAlgorithms = map[string]checksumFunc{
	"md5":    hashHex(md5.New),
	"sha1":   hashHex(sha1.New),
	"sha256": digestHex(digest.SHA256),
	"sha512": digestHex(digest.SHA512),
}

func hashHex(newHash func() hash.Hash) checksumFunc {
	return func(r io.Reader) (string, error) {
		h := newHash()
		if _, err := io.Copy(h, r); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}

func digestHex(alg digest.Algorithm) checksumFunc {
	return func(r io.Reader) (string, error) {
		d, err := alg.FromReader(r)
		if err != nil {
			return "", err
		}
		return d.Encoded(), nil
	}
}

// checksumExt 返回 path 的小写扩展名（不含点）。
func checksumExt(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// IsChecksumPath 判断 path 是否为可现场生成的校验文件（.md5/.sha1/.sha256/.sha512）。
func IsChecksumPath(path string) bool {
	_, ok := checksumAlgorithms[checksumExt(path)]
	return ok
}

// SynthesizeChecksum 在 target 缺失、而去掉校验后缀的源文件存在时，
// 计算源文件摘要并写入 target（摘要 + 换行）。返回 target 是否已生成。
func SynthesizeChecksum(target string) (bool, error) {
	ext := checksumExt(target)
	calc, ok := checksumAlgorithms[ext]
	if !ok {
		return false, nil
	}
	source := strings.TrimSuffix(target, filepath.Ext(target))
	exists, err := isRegularFile(source)
	if err != nil || !exists {
		return false, err
	}

	f, err := os.Open(source)
	if err != nil {
		return false, err
	}
	sum, err := calc(f)
	f.Close()
	if err != nil {
		return false, fmt.Errorf("compute %s of %s: %w", strings.ToUpper(ext), source, err)
	}

	if err := writeFileAtomic(target, []byte(sum+"\n")); err != nil {
		return false, fmt.Errorf("write %s checksum to %s: %w", strings.ToUpper(ext), target, err)
	}
	return true, nil
}

// writeFileAtomic 通过同目录临时文件 + rename 写入，避免并发读取到半截内容。
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".checksum-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
