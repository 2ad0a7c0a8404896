package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-exec/internal/account"
	"trades-exec/internal/admin"
	"trades-exec/internal/balance"
	"trades-exec/internal/builder"
	"trades-exec/internal/catalog"
	"trades-exec/internal/checker"
	"trades-exec/internal/config"
	"trades-exec/internal/decompose"
	"trades-exec/internal/dispatch"
	"trades-exec/internal/exchange"
	"trades-exec/internal/execution"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/notify"
	"trades-exec/internal/order"
	"trades-exec/internal/process"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// App 聚合核心依赖并驱动各调度循环的生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	metrics    *metrics.Metrics
	notify     notify.Publisher
	venues     execution.VenueFactory
	dispatcher *dispatch.Dispatcher
	driver     *process.Driver
	balances   *balance.Syncer
	admin      *admin.Server
}

// New 按配置装配仓储、交易所通道与各调度组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil || st == nil {
		return nil, fmt.Errorf("app: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, store: st, metrics: metrics.New()}

	catalogRepo, err := catalog.NewRepository(st)
	if err != nil {
		return nil, err
	}
	accounts, err := account.NewRegistry(st, logger.Named("account"))
	if err != nil {
		return nil, err
	}
	orders, err := order.NewRepository(st, logger.Named("order"))
	if err != nil {
		return nil, err
	}
	stack, err := requeststack.NewStack(st, logger.Named("requeststack"))
	if err != nil {
		return nil, err
	}
	mon, err := monitor.NewService(st, logger.Named("monitor"))
	if err != nil {
		return nil, err
	}

	adapters := exchange.NewRegistry(cfg.Exchanges.Enabled...)
	if cfg.Exchanges.Paper {
		a.venues = execution.NewPaperFactory(cfg.Exchanges.PaperVenue)
		logger.Warn("交易所调用走模拟通道，不会产生真实订单")
	} else {
		a.venues = execution.NewCCXTFactory(cfg.Exchanges.UseSandbox, logger.Named("venue"))
	}
	transport := execution.NewTransport(a.venues, cfg.Exchanges, logger.Named("transport"))

	if a.notify, err = notify.New(cfg.Notify, logger.Named("notify")); err != nil {
		return nil, err
	}

	dec, err := decompose.New(decompose.Deps{
		Store:    st,
		Orders:   orders,
		Accounts: accounts,
		Catalog:  catalogRepo,
		Stack:    stack,
		Monitor:  mon,
		Metrics:  a.metrics,
	}, cfg.Decompose, logger.Named("decompose"))
	if err != nil {
		return nil, err
	}
	bld, err := builder.New(builder.Deps{
		Store:    st,
		Orders:   orders,
		Catalog:  catalogRepo,
		Stack:    stack,
		Adapters: adapters,
		Monitor:  mon,
		Metrics:  a.metrics,
	}, logger.Named("builder"))
	if err != nil {
		return nil, err
	}
	chk, err := checker.New(checker.Deps{
		Store:    st,
		Orders:   orders,
		Catalog:  catalogRepo,
		Stack:    stack,
		Adapters: adapters,
		Notify:   a.notify,
		Monitor:  mon,
		Metrics:  a.metrics,
	}, logger.Named("checker"))
	if err != nil {
		return nil, err
	}

	if a.dispatcher, err = dispatch.New(dispatch.Deps{
		Store:     st,
		Stack:     stack,
		Accounts:  accounts,
		Transport: transport,
		Monitor:   mon,
		Metrics:   a.metrics,
	}, cfg.Dispatcher, logger.Named("dispatch")); err != nil {
		return nil, err
	}
	if a.driver, err = process.New(process.Deps{
		Store:      st,
		Orders:     orders,
		Stack:      stack,
		Decomposer: dec,
		Builder:    bld,
		Checker:    chk,
		Notify:     a.notify,
		Monitor:    mon,
		Metrics:    a.metrics,
	}, cfg.Process, logger.Named("process")); err != nil {
		return nil, err
	}

	if cfg.Balances.Enabled {
		if a.balances, err = balance.New(balance.Deps{
			Store:    st,
			Accounts: accounts,
			Catalog:  catalogRepo,
			Stack:    stack,
			Adapters: adapters,
			Monitor:  mon,
			Metrics:  a.metrics,
		}, cfg.Balances, logger.Named("balance")); err != nil {
			return nil, err
		}
	}
	if cfg.Admin.Enabled {
		if a.admin, err = admin.New(admin.Deps{
			Store:    st,
			Orders:   orders,
			Accounts: accounts,
			Catalog:  catalogRepo,
			Stack:    stack,
			Adapters: adapters,
			Monitor:  mon,
			Metrics:  a.metrics,
		}, cfg.Admin, logger.Named("admin")); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Tick 依次执行一轮订单处理、请求分发与余额同步。
func (a *App) Tick(ctx context.Context) error {
	var err error
	if _, passErr := a.driver.Pass(ctx); passErr != nil {
		err = multierr.Append(err, passErr)
	}
	if _, passErr := a.dispatcher.Pass(ctx); passErr != nil {
		err = multierr.Append(err, passErr)
	}
	if a.balances != nil {
		err = multierr.Append(err, a.balances.Pass(ctx))
	}
	return err
}

// Run 并行运行各调度循环与运维接口，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("exchanges", a.cfg.Exchanges.Enabled),
		zap.Bool("paper", a.cfg.Exchanges.Paper),
		zap.Bool("balances", a.balances != nil),
		zap.Bool("admin", a.admin != nil),
	)
	defer func() {
		if err := a.notify.Close(); err != nil {
			a.logger.Warn("关闭通知发布器失败", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.loop(gctx, "dispatcher", a.cfg.Dispatcher.Interval, func(ctx context.Context) error {
			_, err := a.dispatcher.Pass(ctx)
			return err
		})
	})
	g.Go(func() error {
		return a.loop(gctx, "process", a.cfg.Process.Interval, func(ctx context.Context) error {
			_, err := a.driver.Pass(ctx)
			return err
		})
	})
	if a.balances != nil {
		g.Go(func() error {
			return a.loop(gctx, "balances", a.cfg.Balances.Interval, a.balances.Pass)
		})
	}
	if a.admin != nil {
		g.Go(func() error { return a.admin.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

// loop 立即执行一次，随后按间隔执行；单轮失败只记录日志。
func (a *App) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	logger := a.logger.With(zap.String("loop", name))
	run := func() {
		if err := pass(ctx); err != nil && !isCanceled(err) {
			logger.Error("执行调度失败", zap.Error(err))
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("调度循环已停止")
			return nil
		case <-ticker.C:
			run()
		}
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
