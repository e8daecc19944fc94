package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imagecache/internal/config"
	"github.com/any-hub/imagecache/internal/imagecache"
	"github.com/any-hub/imagecache/internal/logging"
	"github.com/any-hub/imagecache/internal/server"
	"github.com/any-hub/imagecache/internal/server/routes"
	"github.com/any-hub/imagecache/internal/version"
)

// configEnvVar 可覆盖默认配置路径，-config 标志优先级更高。
const configEnvVar = "IMAGE_CACHE_CONFIG"

const shutdownTimeout = 15 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	prefetch    []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
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

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_root"] = cfg.Global.CacheRoot
		fields["prefetch"] = len(cfg.Prefetch)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 日志 → 图片缓存（目录、索引、下载队列）→ 预取 → Fiber server。
	imgCache, err := imagecache.New(imagecache.Options{
		Config: cfg.Global,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片缓存失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_root"] = imgCache.Root()
	fields["cache_mode"] = imgCache.Mode()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	started := prefetch(imgCache, cfg, opts.prefetch)
	if started > 0 {
		logger.WithFields(logrus.Fields{"action": "prefetch", "started": started}).Info("预取任务已提交")
	}

	serveErr := startHTTPServer(ctx, cfg, imgCache, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := imgCache.Close(closeCtx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("关闭缓存失败")
	}

	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

// prefetch 提交配置中的 [[Prefetch]] 以及 -prefetch 指定的 URL，返回实际发起的下载数。
func prefetch(c *imagecache.Cache, cfg *config.Config, extra []string) int {
	started := 0
	for _, item := range cfg.Prefetch {
		if c.RequestTTL(item.URL, cfg.EffectiveTTL(item)) {
			started++
		}
	}
	for _, url := range extra {
		if c.Request(url) {
			started++
		}
	}
	return started
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imagecache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag   string
		checkOnly    bool
		showVer      bool
		prefetchList string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMAGE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&prefetchList, "prefetch", "", "启动后预取的图片 URL，逗号分隔")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		prefetch:    splitList(prefetchList),
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// startHTTPServer 阻塞直到 ctx 被取消（收到信号）或监听失败。
func startHTTPServer(ctx context.Context, cfg *config.Config, svc routes.CacheService, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, svc)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，停止 Fiber 服务")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
