package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trades-exec/internal/app"
	"trades-exec/internal/config"
	"trades-exec/internal/log"
	"trades-exec/internal/store"
)

func main() {
	var (
		configPath   string
		validateOnly bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&validateOnly, "validate", false, "仅校验配置后退出")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if validateOnly {
		fmt.Fprintf(os.Stdout, "配置有效: 交易所 %v, 模拟通道 %t, 数据库 %s\n",
			cfg.Exchanges.Enabled, cfg.Exchanges.Paper, cfg.Database.Path)
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// run 持有全部资源，返回后 defer 均已执行，再由 main 决定退出码。
func run(cfg *config.Config) error {
	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return err
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	executor, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("装配执行系统失败", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := executor.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		return err
	}
	logger.Info("系统已安全退出")
	return nil
}
