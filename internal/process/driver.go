// Package process 按订单状态把待处理订单分派给拆单器、构建器与检查器。
package process

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/apperr"
	"trades-exec/internal/config"
	"trades-exec/internal/locktable"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/notify"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为驱动器依赖。Notify 为空时不发布通知。
type Deps struct {
	Store      *store.Store
	Orders     *order.Repository
	Stack      *requeststack.Stack
	Decomposer Decomposer
	Builder    Builder
	Checker    Checker
	Notify     notify.Publisher
	Monitor    *monitor.Service
	Metrics    *metrics.Metrics
}

// Driver 每轮选出待处理订单并逐个分派。
type Driver struct {
	store   *store.Store
	orders  *order.Repository
	stack   *requeststack.Stack
	notify  notify.Publisher
	monitor *monitor.Service
	metrics *metrics.Metrics
	cfg     config.ProcessConfig
	logger  *zap.Logger

	routes map[Route]handler
	codes  []order.StatusCode
	locks  *locktable.Table
	now    func() time.Time
}

// New 创建驱动器。
func New(deps Deps, cfg config.ProcessConfig, logger *zap.Logger) (*Driver, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Stack == nil ||
		deps.Decomposer == nil || deps.Builder == nil || deps.Checker == nil {
		return nil, fmt.Errorf("process: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Notify == nil {
		deps.Notify = notify.Nop{}
	}
	if cfg.RecordRetries <= 0 {
		cfg.RecordRetries = 3
	}
	routes := buildRoutes(deps.Decomposer, deps.Builder, deps.Checker)
	return &Driver{
		store:   deps.Store,
		orders:  deps.Orders,
		stack:   deps.Stack,
		notify:  deps.Notify,
		monitor: deps.Monitor,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logger,
		routes:  routes,
		codes:   routedCodes(routes),
		locks:   locktable.New(),
		now:     time.Now,
	}, nil
}

// SetClock 替换时钟，同时作用于防抖锁表。
func (d *Driver) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	d.now = now
	d.locks.SetClock(now)
}

// Pass 执行一轮处理，返回实际分派的订单数。
// 非致命错误记录到订单后继续；致命错误记录后中断本轮并返回。
func (d *Driver) Pass(ctx context.Context) (int, error) {
	started := d.now()
	defer func() { d.metrics.ObservePass("process", d.now().Sub(started)) }()

	orders, err := d.orders.GetActiveOrdersByStatusCodes(ctx, d.store.DB(), d.codes, d.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		ok, err := d.handle(ctx, o.ID)
		if ok {
			handled++
		}
		if err != nil {
			return handled, err
		}
	}
	d.locks.Purge()
	return handled, nil
}

// handle 重新读取订单并分派，返回是否调用了处理器。
func (d *Driver) handle(ctx context.Context, orderID int64) (bool, error) {
	o, err := d.orders.Get(ctx, d.store.DB(), orderID)
	if err != nil {
		return false, fmt.Errorf("process: 读取订单 %d 失败: %w", orderID, err)
	}
	if !o.Enabled || o.Status.Terminal() {
		d.logger.Debug("订单已不再活跃，跳过", zap.Int64("order_id", o.ID), zap.String("status", string(o.Status)))
		return false, nil
	}
	if err := o.Validate(); err != nil {
		return false, d.fail(ctx, o, err)
	}

	h, ok := d.routes[Route{Type: o.Type, Code: o.StatusCode}]
	if !ok {
		return false, nil
	}
	if h.debounce && !d.locks.TryLock(strconv.FormatInt(o.ID, 10), d.cfg.Debounce) {
		return false, nil
	}

	if err := h.fn(ctx, o.ID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true, err
		}
		d.logger.Warn("订单处理失败",
			zap.Int64("order_id", o.ID),
			zap.String("handler", h.name),
			zap.String("status_code", string(o.StatusCode)),
			zap.Error(err),
		)
		return true, d.fail(ctx, o, err)
	}
	return true, nil
}

// fail 记录订单失败。致命错误在记录后原样返回。
func (d *Driver) fail(ctx context.Context, o order.Order, cause error) error {
	f := classify(cause)
	msg := apperr.Message(cause)
	if err := d.recordFailure(ctx, o, f.code, msg); err != nil {
		return errors.Join(cause, err)
	}

	d.metrics.OrderFailed(string(f.code))
	d.monitor.RecordOrderFailed(ctx, monitor.OrderFailedPayload{
		OrderID:    o.ID,
		StatusCode: string(f.code),
		Message:    msg,
		Fatal:      f.fatal,
	})
	if err := d.notify.PublishOrder(ctx, notify.OrderEvent{
		OrderID:       o.ID,
		Type:          string(o.Type),
		Status:        string(order.StatusFailed),
		StatusCode:    string(f.code),
		StatusMessage: msg,
		Remain:        o.Remain.String(),
		PriceAvgExec:  o.PriceAvgExec.String(),
		Fee:           o.Fee.String(),
		At:            d.now(),
	}); err != nil {
		d.logger.Warn("发布订单失败通知失败", zap.Int64("order_id", o.ID), zap.Error(err))
	}

	if f.fatal {
		d.logger.Error("订单致命错误，中断本轮处理",
			zap.Int64("order_id", o.ID),
			zap.String("status_code", string(f.code)),
			zap.Error(cause),
		)
		return fmt.Errorf("process: 订单 %d: %w", o.ID, cause)
	}
	d.logger.Info("订单已标记失败",
		zap.Int64("order_id", o.ID),
		zap.String("status_code", string(f.code)),
		zap.String("message", msg),
	)
	return nil
}

// recordFailure 在一个事务内停用进行中的子订单及其请求组并写入失败状态，失败时按配置重试。
// 撤单订单失败时，等待确认的目标订单恢复跟踪。
func (d *Driver) recordFailure(ctx context.Context, o order.Order, code order.StatusCode, msg string) error {
	orderID := o.ID
	var err error
	for attempt := 1; attempt <= d.cfg.RecordRetries; attempt++ {
		err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
			groups, err := d.orders.DisableInFlight(ctx, tx, orderID)
			if err != nil {
				return err
			}
			for _, g := range groups {
				if _, err := d.stack.DisableByGroupStrID(ctx, tx, g); err != nil {
					return err
				}
			}
			if err := d.orders.UpdateStatus(ctx, tx, orderID, order.StatusFailed, code, msg); err != nil {
				return err
			}
			if o.Type != order.TypeCancel || o.TargetID() == 0 {
				return nil
			}
			_, err = d.orders.ResolveCancelTarget(ctx, tx, o.TargetID(), false, fmt.Sprintf("撤单订单 %d 失败，恢复跟踪", orderID))
			return err
		})
		if err == nil {
			return nil
		}
		d.logger.Warn("写入订单失败状态失败",
			zap.Int64("order_id", orderID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("process: 记录订单 %d 失败状态失败: %w", orderID, err)
}
