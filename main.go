package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/safelease/safelease-gateway/internal/cache"
	"github.com/safelease/safelease-gateway/internal/config"
	"github.com/safelease/safelease-gateway/internal/fetch"
	"github.com/safelease/safelease-gateway/internal/lifecycle"
	"github.com/safelease/safelease-gateway/internal/logging"
	"github.com/safelease/safelease-gateway/internal/manifest"
	"github.com/safelease/safelease-gateway/internal/proxy"
	"github.com/safelease/safelease-gateway/internal/server"
	"github.com/safelease/safelease-gateway/internal/server/routes"
	"github.com/safelease/safelease-gateway/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	clearCache  bool
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
		fields["origin"] = cfg.Global.Origin
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	ctx := context.Background()
	if opts.clearCache {
		if err := clearGenerations(ctx, storage, logger); err != nil {
			fmt.Fprintf(stdErr, "清理缓存失败: %v\n", err)
			return 1
		}
		return 0
	}

	// 启动遵循“配置 → 日志 → 存储 → 恢复代际 → install/activate → Fiber server”顺序，
	// 安装失败时继续使用恢复出的旧代际。
	gw, err := buildGateway(ctx, cfg, storage, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网关失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Global.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["generation"] = gw.manager.Version()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, gw.app, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("safelease-gateway", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		clearCache bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SAFELEASE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&clearCache, "clear-cache", false, "删除全部缓存代际后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SAFELEASE_CONFIG")
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
		clearCache:  clearCache,
	}, nil
}

type gateway struct {
	app        *fiber.App
	controller *lifecycle.Controller
	manager    *lifecycle.Manager
}

// buildGateway 组装 fetcher、Manager、Controller 与 Fiber 应用。
func buildGateway(ctx context.Context, cfg *config.Config, storage cache.Storage, logger *logrus.Logger) (*gateway, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("解析 Origin 失败: %w", err)
	}
	fetcher, err := fetch.NewHTTPFetcher(fetch.NewUpstreamClient(cfg), origin)
	if err != nil {
		return nil, err
	}
	assets, err := manifest.Default()
	if err != nil {
		return nil, err
	}

	controller := lifecycle.NewController(storage, logger)
	manager, err := lifecycle.New(lifecycle.Options{
		Version:            assets.Version,
		Assets:             assets.Assets,
		Scope:              origin,
		Fetcher:            fetcher,
		Storage:            storage,
		Host:               controller,
		Logger:             logger,
		InstallConcurrency: cfg.Global.InstallConcurrency,
	})
	if err != nil {
		return nil, err
	}

	if _, err := controller.Restore(ctx, manager); err != nil {
		logger.WithError(err).WithFields(logging.LifecycleFields("restore", manager.Version())).Warn("restore_failed")
	}
	if cfg.Global.InstallOnStartup {
		if _, err := controller.Update(ctx, manager); err != nil {
			fields := logging.LifecycleFields("startup_update", manager.Version())
			if active := controller.Active(); active != nil {
				fields["serving"] = active.Version()
			}
			logger.WithError(err).WithFields(fields).Warn("startup_update_failed")
		}
	}

	handler, err := proxy.NewHandler(controller, fetcher, origin, logger)
	if err != nil {
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterLifecycleRoutes(app, routes.LifecycleDeps{
		Controller: controller,
		Manager:    manager,
		Storage:    storage,
		Logger:     logger,
	})

	return &gateway{app: app, controller: controller, manager: manager}, nil
}

// clearGenerations 删除全部代际，对应 -clear-cache。
func clearGenerations(ctx context.Context, storage cache.Storage, logger *logrus.Logger) error {
	names, err := storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		logger.WithFields(logging.LifecycleFields("clear", name)).Info("generation_cleared")
	}
	fmt.Fprintf(stdOut, "cleared %d generation(s)\n", len(names))
	return nil
}

func startHTTPServer(cfg *config.Config, app *fiber.App, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
