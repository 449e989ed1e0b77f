package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/admin"
	"github.com/any-hub/artifact-proxy/internal/fetch"
	"github.com/any-hub/artifact-proxy/internal/logging"
	"github.com/any-hub/artifact-proxy/internal/routing"
	"github.com/any-hub/artifact-proxy/internal/server"
	"github.com/any-hub/artifact-proxy/internal/version"
)

const configEnv = "ARTIFACT_PROXY_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	home        string
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprintln(stdErr, "usage: artifact-proxy [--config FILE] [--check-config] [--version] HOME")
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	source, err := routing.NewSource(opts.configPath, opts.home)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	cfg := source.Config()

	logger, err := logging.InitLogger(*cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	source.SetLogger(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["mirrors"] = len(cfg.Mirrors)
		fields["rules"] = len(cfg.Rules)
		fields["proxy"] = cfg.ProxyMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置快照 → 日志 → 回源器 → 协议循环 →（可选）诊断服务，
	// 所有组件读取同一个 Source，热加载后立即对新请求生效。
	downloads := logging.NewDownloadLogger(*cfg, logger)
	fetcher := fetch.New(source, logger, downloads)
	srv, err := server.New(server.Options{
		Source:    source,
		Fetcher:   fetcher,
		Logger:    logger,
		Downloads: downloads,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.ListenPort
	fields["admin_port"] = cfg.AdminPort
	fields["cache_dir"] = cfg.CacheDir
	fields["patches_dir"] = cfg.PatchesDir
	fields["proxy"] = cfg.ProxyMode()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return serveUntilSignal(source, srv, logger)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 优先级：--config > ARTIFACT_PROXY_CONFIG > HOME/config.toml，相对路径以 HOME 为基准。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("artifact-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 HOME/config.toml，可被 ARTIFACT_PROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if showVer {
		return cliOptions{showVersion: true}, nil
	}
	if fs.NArg() != 1 {
		return cliOptions{}, errors.New("必须且只能指定一个 HOME 目录参数")
	}

	home, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return cliOptions{}, fmt.Errorf("无法解析 HOME 目录: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(home, path)
	}

	return cliOptions{
		home:        home,
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serveUntilSignal 启动协议循环与诊断服务，SIGHUP 触发配置重载，SIGINT/SIGTERM 触发优雅退出。
func serveUntilSignal(source *routing.Source, srv *server.Server, logger *logrus.Logger) int {
	snap := source.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ListenAndServe(":" + strconv.Itoa(snap.Port))
	}()

	var adminApp *fiber.App
	if snap.AdminPort != 0 {
		app, err := admin.NewApp(admin.AppOptions{Logger: logger, Source: source, Started: time.Now()})
		if err != nil {
			fmt.Fprintf(stdErr, "构建诊断服务失败: %v\n", err)
			return 1
		}
		adminApp = app
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   snap.AdminPort,
		}).Info("Fiber 诊断服务启动")
		go func() {
			errCh <- app.Listen(":"+strconv.Itoa(snap.AdminPort), fiber.ListenConfig{DisableStartupMessage: true})
		}()
	}

	if err := source.Watch(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "config_watch"}).WithError(err).
			Warn("config watcher unavailable, only SIGHUP reloads")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	exitCode := 0
	for running := true; running; {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				// 失败时 Source 已记录日志并保留旧快照。
				_ = source.Reload()
				continue
			}
			logger.WithFields(logrus.Fields{
				"action": "shutdown",
				"signal": sig.String(),
			}).Info("shutting down")
			running = false
		case err := <-errCh:
			if err != nil && !errors.Is(err, server.ErrServerClosed) {
				logger.WithFields(logrus.Fields{"action": "listen"}).WithError(err).Error("server stopped")
				exitCode = 1
			}
			running = false
		}
	}

	cancel()
	shutdown(source.Current().ShutdownGrace, srv, adminApp, logger)
	return exitCode
}

func shutdown(grace time.Duration, srv *server.Server, adminApp *fiber.App, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("proxy shutdown incomplete")
	}
	if adminApp != nil {
		if err := adminApp.ShutdownWithContext(ctx); err != nil {
			logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("admin shutdown incomplete")
		}
	}
}

func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
