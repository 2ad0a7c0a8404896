// Package checker 推进已发往交易所的子订单，并把子订单状态聚合回父订单。
package checker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/exchange"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/notify"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为检查器依赖。Notify 为空时不发布通知。
type Deps struct {
	Store    *store.Store
	Orders   *order.Repository
	Catalog  *catalog.Repository
	Stack    *requeststack.Stack
	Adapters *exchange.Registry
	Notify   notify.Publisher
	Monitor  *monitor.Service
	Metrics  *metrics.Metrics
}

// Checker 处理 DOING 阶段的订单。
type Checker struct {
	store    *store.Store
	orders   *order.Repository
	catalog  *catalog.Repository
	stack    *requeststack.Stack
	adapters *exchange.Registry
	notify   notify.Publisher
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建检查器。
func New(deps Deps, logger *zap.Logger) (*Checker, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Catalog == nil || deps.Stack == nil || deps.Adapters == nil {
		return nil, fmt.Errorf("checker: 依赖不完整")
	}
	if deps.Notify == nil {
		deps.Notify = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		store:    deps.Store,
		orders:   deps.Orders,
		catalog:  deps.Catalog,
		stack:    deps.Stack,
		adapters: deps.Adapters,
		notify:   deps.Notify,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock 替换通知时间来源，仅用于测试。
func (c *Checker) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

var checkableCodes = map[order.StatusCode]bool{
	order.CodeCreateBuildReq: true,
	order.CodeCreateWaitReq:  true,
	order.CodeCreated:        true,
	order.CodeStateWaitReq:   true,
}

// Check 推进订单下每个进行中的子订单，然后聚合父订单。
// 请求仍在发送中的子订单本轮不变；校验类错误直接返回且不提交。
func (c *Checker) Check(ctx context.Context, orderID int64) error {
	db := c.store.DB()
	o, err := c.orders.Get(ctx, db, orderID)
	if err != nil {
		return fmt.Errorf("checker: 读取订单 %d 失败: %w", orderID, err)
	}
	if !o.Enabled {
		return apperr.Validationf("订单 %d: 已停用", o.ID)
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Status != order.StatusDoing || !checkableCodes[o.StatusCode] {
		return apperr.Validationf("订单 %d: %s/%s 不在检查阶段", o.ID, o.Status, o.StatusCode)
	}

	pair, err := c.catalog.GetPair(ctx, db, o.CurrencyPairID)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("订单 %d: 读取交易对失败", o.ID), err)
	}

	children, err := c.orders.GetDecomposedByOrderID(ctx, db, o.ID, true)
	if err != nil {
		return fmt.Errorf("checker: 读取子订单失败: %w", err)
	}
	for _, child := range children {
		if child.Status != order.StatusDoing {
			continue
		}
		if err := c.advance(ctx, pair.Symbol, child); err != nil {
			return err
		}
	}
	return c.conclude(ctx, o)
}

func (c *Checker) advance(ctx context.Context, symbol string, child order.Decomposed) error {
	if err := child.Validate(); err != nil {
		return err
	}
	if child.Type == order.TypeCancel {
		if child.StatusCode != order.CodeCreateWaitReq {
			return apperr.Validationf("撤单子订单 %d: 状态码 %s 无法推进", child.ID, child.StatusCode)
		}
		return c.consumeCancel(ctx, symbol, child)
	}
	switch child.StatusCode {
	case order.CodeCreateWaitReq:
		return c.consumeCreate(ctx, symbol, child)
	case order.CodeCreated:
		return c.requestState(ctx, symbol, child)
	case order.CodeStateWaitReq:
		return c.consumeState(ctx, symbol, child)
	default:
		return apperr.Validationf("子订单 %d: DOING 状态下不应出现状态码 %s", child.ID, child.StatusCode)
	}
}

// conclude 校验子订单数量未漂移，然后在一个事务内写入聚合结果。
func (c *Checker) conclude(ctx context.Context, o order.Order) error {
	db := c.store.DB()
	total, pending, err := c.orders.CountDecomposed(ctx, db, o.ID)
	if err != nil {
		return err
	}
	if total != o.Stats.DecomposedTotal {
		return apperr.Validationf("订单 %d: 子订单数量 %d 与记录 %d 不符", o.ID, total, o.Stats.DecomposedTotal)
	}
	if pending > 0 {
		return apperr.Validationf("订单 %d: 仍有 %d 个子订单处于 NEW", o.ID, pending)
	}

	children, err := c.orders.GetDecomposedByOrderID(ctx, db, o.ID, false)
	if err != nil {
		return fmt.Errorf("checker: 读取子订单失败: %w", err)
	}
	if int64(len(children)) != total {
		return apperr.Validationf("订单 %d: 子订单数量在聚合期间变化", o.ID)
	}
	s, err := aggregate(o, children)
	if err != nil {
		return err
	}

	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.orders.UpdateFinancials(ctx, tx, o.ID, s.remain, s.priceAvgExec, s.fee); err != nil {
			return err
		}
		if err := c.orders.UpdateStats(ctx, tx, o.ID, s.stats); err != nil {
			return err
		}
		if err := c.orders.UpdateStatus(ctx, tx, o.ID, s.status, s.code, s.message); err != nil {
			return err
		}
		if o.Type != order.TypeCancel || !s.status.Terminal() {
			return nil
		}
		canceled := s.status == order.StatusCompleted
		msg := fmt.Sprintf("撤单订单 %d 已完成", o.ID)
		if !canceled {
			msg = fmt.Sprintf("撤单订单 %d 终结于 %s，恢复跟踪", o.ID, s.code)
		}
		resolved, err := c.orders.ResolveCancelTarget(ctx, tx, o.TargetID(), canceled, msg)
		if err != nil {
			return err
		}
		if resolved {
			c.logger.Info("撤单目标订单已更新",
				zap.Int64("order_id", o.ID),
				zap.Int64("target_id", o.TargetID()),
				zap.Bool("canceled", canceled),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("checker: 写入聚合结果失败: %w", err)
	}

	if s.status == o.Status && s.code == o.StatusCode {
		return nil
	}
	c.logger.Info("订单状态已聚合",
		zap.Int64("order_id", o.ID),
		zap.String("status", string(s.status)),
		zap.String("status_code", string(s.code)),
		zap.String("remain", s.remain.String()),
	)
	c.monitor.RecordOrderStatus(ctx, monitor.OrderStatusPayload{
		OrderID:    o.ID,
		Status:     string(s.status),
		StatusCode: string(s.code),
		Remain:     s.remain.String(),
	})
	if !s.status.Terminal() {
		return nil
	}
	c.metrics.OrderAggregated(string(s.status))
	ev := notify.OrderEvent{
		OrderID:       o.ID,
		Type:          string(o.Type),
		Status:        string(s.status),
		StatusCode:    string(s.code),
		StatusMessage: s.message,
		Remain:        s.remain.String(),
		PriceAvgExec:  s.priceAvgExec.String(),
		Fee:           s.fee.String(),
		At:            c.now().UTC(),
	}
	if err := c.notify.PublishOrder(ctx, ev); err != nil {
		c.logger.Warn("发布订单通知失败", zap.Int64("order_id", o.ID), zap.Error(err))
	}
	return nil
}

// lookup 查找子订单当前请求。ready 为 false 表示请求仍在途、已被消费或已停用，本轮不处理。
func (c *Checker) lookup(ctx context.Context, child order.Decomposed) (requeststack.Entry, bool, error) {
	if child.RequestStrID == "" {
		return requeststack.Entry{}, false, apperr.Validationf("子订单 %d: 缺少请求 str_id", child.ID)
	}
	l, err := c.stack.GetAndValidateUnprocessedByStrID(ctx, c.store.DB(), child.RequestStrID)
	if errors.Is(err, requeststack.ErrNotFound) {
		return l.Entry, false, apperr.Newf(apperr.CodeValidation, "子订单 %d: 请求 %s 不存在", child.ID, child.RequestStrID)
	}
	if err != nil {
		return l.Entry, false, fmt.Errorf("checker: 子订单 %d: %w", child.ID, err)
	}
	e := l.Entry
	if e.GroupStrID != child.RequestGroupStrID || e.Credential != child.Credential {
		return e, false, apperr.Validationf("子订单 %d: 请求 %s 的分组或凭证与子订单不符", child.ID, e.StrID)
	}
	if !l.Ready() {
		c.logger.Debug("请求尚不可消费",
			zap.Int64("decomposed_id", child.ID),
			zap.String("str_id", e.StrID),
			zap.String("state", l.State.String()),
		)
		return e, false, nil
	}
	return e, true, nil
}

// consume 在一个事务内标记请求已处理并执行 fn。请求已被他人处理时整体回滚且不报错。
func (c *Checker) consume(ctx context.Context, e requeststack.Entry, fn func(tx *sql.Tx) error) error {
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.stack.SetProcessedByRequester(ctx, tx, e.ID); err != nil {
			return err
		}
		return fn(tx)
	})
	if errors.Is(err, requeststack.ErrAlreadyProcessed) {
		c.logger.Debug("请求已被处理，跳过", zap.String("str_id", e.StrID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("checker: 消费请求 %s 失败: %w", e.StrID, err)
	}
	return nil
}

func (c *Checker) adapterFor(ctx context.Context, exchangeID int64) (exchange.Adapter, error) {
	ex, err := c.catalog.GetExchange(ctx, c.store.DB(), exchangeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("交易所 %d 无效", exchangeID), err)
	}
	a, err := c.adapters.Get(ex.Code)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "交易所适配器缺失", err)
	}
	return a, nil
}

// stageRequest 为子订单暂存一条新的查询请求，沿用子订单的请求组与凭证。
func stageRequest(child order.Decomposed, req exchange.Request) (*requeststack.Buffer, requeststack.Entry, error) {
	buf := requeststack.NewBuffer()
	e := requeststack.Entry{
		StrID:      requeststack.NewStrID(),
		GroupStrID: child.RequestGroupStrID,
		Credential: child.Credential,
		ExchangeID: child.ExchangeID,
		Operation:  string(req.Operation),
		Method:     req.Method,
		URL:        req.URL,
		Headers:    req.Headers,
		Body:       req.Data,
		Nonce:      req.Nonce,
	}
	if err := buf.Stage(e); err != nil {
		return nil, e, err
	}
	return buf, e, nil
}

func orderSpec(child order.Decomposed, symbol string) exchange.OrderSpec {
	return exchange.OrderSpec{
		Symbol:        symbol,
		Side:          child.Side,
		Exec:          child.Exec,
		Amount:        child.Amount,
		Price:         child.Price,
		ClientOrderID: child.RequestStrID,
	}
}
