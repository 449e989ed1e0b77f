package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.Config{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.Config{LogLevel: "chatty"}); err == nil {
		t.Fatalf("未知日志级别应返回错误")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 用户不受目录权限限制")
	}
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.Config{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "artifact-proxy.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact-proxy.log")
	cfg := config.Config{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestDownloadLoggerReusesMainWhenUnset(t *testing.T) {
	main := logrus.New()
	if got := NewDownloadLogger(config.Config{}, main); got != main {
		t.Fatalf("未配置 DownloadLogPath 时应复用主日志")
	}
}

func TestDownloadLoggerWritesSeparateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "downloads.log")
	main := logrus.New()
	logger := NewDownloadLogger(config.Config{DownloadLogPath: path}, main)
	if logger == main {
		t.Fatalf("配置 DownloadLogPath 时应创建独立日志")
	}
	logger.WithField("url", "http://repo/a.jar").Info("downloaded")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建下载日志文件: %v", err)
	}
}
