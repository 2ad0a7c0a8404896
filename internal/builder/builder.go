// Package builder 把已审批的子订单转换为交易所请求并写入请求队列。
package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/exchange"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为构建器依赖。
type Deps struct {
	Store    *store.Store
	Orders   *order.Repository
	Catalog  *catalog.Repository
	Stack    *requeststack.Stack
	Adapters *exchange.Registry
	Monitor  *monitor.Service
	Metrics  *metrics.Metrics
}

// Builder 处理 APPROVED 与 CANCEL_REQUESTED 订单。
type Builder struct {
	store    *store.Store
	orders   *order.Repository
	catalog  *catalog.Repository
	stack    *requeststack.Stack
	adapters *exchange.Registry
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New 创建构建器。
func New(deps Deps, logger *zap.Logger) (*Builder, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Catalog == nil || deps.Stack == nil || deps.Adapters == nil {
		return nil, fmt.Errorf("builder: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:    deps.Store,
		orders:   deps.Orders,
		catalog:  deps.Catalog,
		stack:    deps.Stack,
		adapters: deps.Adapters,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
		logger:   logger,
	}, nil
}

// staged 为已暂存请求的子订单。
type staged struct {
	child order.Decomposed
	entry requeststack.Entry
}

// plan 为一次构建的全部写入内容。
type plan struct {
	buf *requeststack.Buffer
	// requests 为需要发往交易所的子订单。
	requests []staged
	// local 为目标尚未到达交易所、在本地直接完成的撤单子订单。
	local []order.Decomposed
	// superseded 为被改单或本地撤单替代的旧子订单。
	superseded []order.Decomposed
	group      string
}

// Build 为订单的待构建子订单生成请求，并在一个事务内推进队列、子订单与订单状态。
func (b *Builder) Build(ctx context.Context, orderID int64) error {
	db := b.store.DB()
	o, err := b.orders.Get(ctx, db, orderID)
	if err != nil {
		return fmt.Errorf("builder: 读取订单 %d 失败: %w", orderID, err)
	}
	if err := checkOrder(o); err != nil {
		return err
	}

	pair, err := b.catalog.GetPair(ctx, db, o.CurrencyPairID)
	if errors.Is(err, catalog.ErrNotFound) {
		return apperr.Validationf("订单 %d: 交易对 %d 不存在", o.ID, o.CurrencyPairID)
	}
	if err != nil {
		return fmt.Errorf("builder: 读取交易对失败: %w", err)
	}

	children, err := b.orders.GetDecomposedByOrderID(ctx, db, o.ID, true)
	if err != nil {
		return fmt.Errorf("builder: 读取子订单失败: %w", err)
	}
	pending, err := pendingChildren(o, children)
	if err != nil {
		return err
	}
	if err := validateSiblings(pending); err != nil {
		return err
	}

	p, err := b.plan(ctx, o, pair.Symbol, pending)
	if err != nil {
		return err
	}

	var target order.Order
	if o.Type != order.TypeNew {
		if target, err = b.orders.Get(ctx, db, o.TargetID()); err != nil {
			return fmt.Errorf("builder: 读取目标订单失败: %w", err)
		}
	}

	parentStatus, parentCode := order.StatusDoing, order.CodeCreateWaitReq
	if len(p.requests) == 0 {
		parentStatus, parentCode = order.StatusCompleted, order.CodeCompleted
	}

	err = b.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := b.stack.CommitStaged(ctx, tx, p.buf); err != nil {
			return err
		}
		for _, s := range p.requests {
			if err := b.orders.SetRequestIDs(ctx, tx, s.child.ID, s.entry.StrID, s.entry.GroupStrID); err != nil {
				return err
			}
			if err := b.orders.UpdateDecomposedStatus(ctx, tx, s.child.ID, order.StatusDoing, order.CodeCreateWaitReq, ""); err != nil {
				return err
			}
		}
		for _, c := range p.local {
			if err := b.orders.UpdateDecomposedStatus(ctx, tx, c.ID, order.StatusCompleted, order.CodeCompleted, "目标子订单未到达交易所，本地撤销"); err != nil {
				return err
			}
		}
		if err := b.supersede(ctx, tx, o, target, p); err != nil {
			return err
		}
		return b.orders.UpdateStatus(ctx, tx, o.ID, parentStatus, parentCode, "")
	})
	if err != nil {
		return fmt.Errorf("builder: 提交请求失败: %w", err)
	}

	b.logger.Info("子订单请求已入队",
		zap.Int64("order_id", o.ID),
		zap.String("type", string(o.Type)),
		zap.Int("requests", len(p.requests)),
		zap.Int("local", len(p.local)),
		zap.String("group", p.group),
	)
	b.monitor.RecordOrderStatus(ctx, monitor.OrderStatusPayload{
		OrderID:    o.ID,
		Status:     string(parentStatus),
		StatusCode: string(parentCode),
		Remain:     o.Remain.String(),
	})
	return nil
}

func checkOrder(o order.Order) error {
	if !o.Enabled {
		return apperr.Validationf("订单 %d: 已停用", o.ID)
	}
	if err := o.Validate(); err != nil {
		return err
	}
	switch {
	case o.Type == order.TypeCancel && o.StatusCode == order.CodeCancelRequested:
	case o.Type != order.TypeCancel && o.StatusCode == order.CodeApproved:
	default:
		return apperr.Validationf("订单 %d: %s 订单在 %s 状态下不可构建请求", o.ID, o.Type, o.StatusCode)
	}
	if o.Status != order.StatusDoing {
		return apperr.Validationf("订单 %d: 状态 %s 不可构建请求", o.ID, o.Status)
	}
	return nil
}

// pendingChildren 返回等待构建请求的子订单。审批未推进的子订单说明数据不一致。
func pendingChildren(o order.Order, children []order.Decomposed) ([]order.Decomposed, error) {
	var pending []order.Decomposed
	for _, c := range children {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.Type != o.Type {
			return nil, apperr.Validationf("子订单 %d: 类型 %s 与订单 %s 不符", c.ID, c.Type, o.Type)
		}
		if c.Status != order.StatusNew {
			continue
		}
		if c.StatusCode != order.CodeCreateBuildReq {
			return nil, apperr.Validationf("子订单 %d: 状态码 %s 不可构建请求", c.ID, c.StatusCode)
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return nil, apperr.Validationf("订单 %d: 没有待构建的子订单", o.ID)
	}
	return pending, nil
}

// validateSiblings 校验同一订单下的子订单：凭证引用完整、关联 id 齐全、共用一个请求组、凭证不重复。
func validateSiblings(children []order.Decomposed) error {
	var (
		errs   error
		dup    error
		group  = children[0].RequestGroupStrID
		hashes = make(map[string]int64, len(children))
	)
	for _, c := range children {
		if err := c.Credential.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("子订单 %d: %w", c.ID, err))
		}
		if c.RequestGroupStrID == "" {
			errs = multierr.Append(errs, fmt.Errorf("子订单 %d: 缺少请求组 id", c.ID))
		} else if c.RequestGroupStrID != group {
			errs = multierr.Append(errs, fmt.Errorf("子订单 %d: 请求组 %s 与兄弟子订单 %s 不一致", c.ID, c.RequestGroupStrID, group))
		}
		if c.CredentialHash == "" {
			errs = multierr.Append(errs, fmt.Errorf("子订单 %d: 缺少凭证摘要", c.ID))
			continue
		}
		if other, ok := hashes[c.CredentialHash]; ok {
			dup = multierr.Append(dup, fmt.Errorf("子订单 %d 与 %d 使用同一凭证", c.ID, other))
			continue
		}
		hashes[c.CredentialHash] = c.ID
	}
	if errs != nil {
		return apperr.Wrap(apperr.CodeValidation, "子订单校验失败", errs)
	}
	if dup != nil {
		return apperr.Wrap(apperr.CodeDuplicateCredential, "子订单凭证重复", dup)
	}
	return nil
}

func (b *Builder) plan(ctx context.Context, o order.Order, symbol string, pending []order.Decomposed) (plan, error) {
	db := b.store.DB()
	p := plan{buf: requeststack.NewBuffer(), group: pending[0].RequestGroupStrID}
	codes := make(map[int64]string)

	for _, c := range pending {
		code, ok := codes[c.ExchangeID]
		if !ok {
			ex, err := b.catalog.GetExchange(ctx, db, c.ExchangeID)
			if err != nil {
				return p, apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("子订单 %d: 交易所 %d 无效", c.ID, c.ExchangeID), err)
			}
			code = ex.Code
			codes[c.ExchangeID] = code
		}
		adapter, err := b.adapters.Get(code)
		if err != nil {
			return p, apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("子订单 %d", c.ID), err)
		}

		strID := requeststack.NewStrID()
		spec := exchange.OrderSpec{
			Symbol:        symbol,
			Side:          c.Side,
			Exec:          c.Exec,
			Amount:        c.Amount,
			Price:         c.Price,
			ClientOrderID: strID,
		}

		var req exchange.Request
		switch c.Type {
		case order.TypeNew:
			req, err = adapter.BuildCreateOrderNew(spec)
		case order.TypeReplace:
			old, lerr := b.target(ctx, c)
			if lerr != nil {
				return p, lerr
			}
			if old.ExchangeOrderID == "" {
				return p, apperr.Newf(apperr.CodeInvalidTarget, "子订单 %d: 目标子订单 %d 尚未在交易所创建", c.ID, old.ID)
			}
			p.superseded = append(p.superseded, old)
			req, err = adapter.BuildCreateOrderReplace(old.ExchangeOrderID, spec)
		case order.TypeCancel:
			old, lerr := b.target(ctx, c)
			if lerr != nil {
				return p, lerr
			}
			if old.ExchangeOrderID == "" {
				p.local = append(p.local, c)
				p.superseded = append(p.superseded, old)
				continue
			}
			req, err = adapter.BuildCreateOrderCancel(symbol, old.ExchangeOrderID)
		}
		if err != nil {
			return p, apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("子订单 %d: 构建请求失败", c.ID), err)
		}

		entry := requeststack.Entry{
			StrID:      strID,
			GroupStrID: c.RequestGroupStrID,
			Credential: c.Credential,
			ExchangeID: c.ExchangeID,
			Operation:  string(req.Operation),
			Method:     req.Method,
			URL:        req.URL,
			Headers:    req.Headers,
			Body:       req.Data,
			Nonce:      req.Nonce,
		}
		if err := p.buf.Stage(entry); err != nil {
			return p, err
		}
		p.requests = append(p.requests, staged{child: c, entry: entry})
	}
	return p, nil
}

func (b *Builder) target(ctx context.Context, c order.Decomposed) (order.Decomposed, error) {
	old, err := b.orders.GetDecomposed(ctx, b.store.DB(), c.TargetDecomposedID())
	if errors.Is(err, order.ErrNotFound) {
		return old, apperr.Newf(apperr.CodeInvalidTarget, "子订单 %d: 目标子订单 %d 不存在", c.ID, c.TargetDecomposedID())
	}
	if err != nil {
		return old, fmt.Errorf("builder: 读取目标子订单失败: %w", err)
	}
	if !old.Enabled || old.Status.Terminal() {
		return old, apperr.Newf(apperr.CodeInvalidTarget, "子订单 %d: 目标子订单 %d 已终结", c.ID, old.ID)
	}
	return old, nil
}

// supersede 处理被替代的目标订单，并停用目标的请求组。改单时目标及其子订单标记为 REPLACED；
// 撤单全部在本地完成时目标直接标记为 CANCELED，否则目标进入 CANCEL_WAIT，等撤单订单终结后再定。
func (b *Builder) supersede(ctx context.Context, tx *sql.Tx, o, target order.Order, p plan) error {
	if o.Type == order.TypeNew {
		return nil
	}
	code := order.CodeReplaced
	if o.Type == order.TypeCancel {
		code = order.CodeCanceled
	}

	groups := make(map[string]bool)
	for _, old := range p.superseded {
		if err := b.orders.UpdateDecomposedStatus(ctx, tx, old.ID, order.StatusRejected, code, fmt.Sprintf("被订单 %d 替代", o.ID)); err != nil {
			return err
		}
		if err := b.orders.DisableDecomposed(ctx, tx, old.ID); err != nil {
			return err
		}
		groups[old.RequestGroupStrID] = true
	}
	if o.Type == order.TypeCancel {
		children, err := b.orders.GetDecomposedByOrderID(ctx, tx, target.ID, true)
		if err != nil {
			return err
		}
		for _, c := range children {
			groups[c.RequestGroupStrID] = true
		}
	}
	for g := range groups {
		if _, err := b.stack.DisableByGroupStrID(ctx, tx, g); err != nil {
			return err
		}
	}
	if o.Type == order.TypeCancel && len(p.requests) > 0 {
		return b.orders.UpdateStatus(ctx, tx, target.ID, order.StatusDoing, order.CodeCancelWait, fmt.Sprintf("等待订单 %d 撤单确认", o.ID))
	}
	return b.orders.UpdateStatus(ctx, tx, target.ID, order.StatusRejected, code, fmt.Sprintf("被订单 %d 替代", o.ID))
}
