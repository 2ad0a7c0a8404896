// Package decompose 把父订单按账户可用资金拆分为子订单。
package decompose

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/config"
	"trades-exec/internal/fixed"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为拆单器依赖的仓储与观测组件。
type Deps struct {
	Store    *store.Store
	Orders   *order.Repository
	Accounts *account.Registry
	Catalog  *catalog.Repository
	Stack    *requeststack.Stack
	Monitor  *monitor.Service
	Metrics  *metrics.Metrics
}

// Decomposer 处理 NEW/NEW 状态的订单。
type Decomposer struct {
	store    *store.Store
	orders   *order.Repository
	accounts *account.Registry
	catalog  *catalog.Repository
	stack    *requeststack.Stack
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	cfg      config.DecomposeConfig
	logger   *zap.Logger
}

// defaultControlRatio 为未配置 control_ratio 时的控制数量比例。
const defaultControlRatio = 0.95

// New 创建拆单器。
func New(deps Deps, cfg config.DecomposeConfig, logger *zap.Logger) (*Decomposer, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Accounts == nil || deps.Catalog == nil || deps.Stack == nil {
		return nil, fmt.Errorf("decompose: 依赖不完整")
	}
	if cfg.ControlRatio <= 0 {
		cfg.ControlRatio = defaultControlRatio
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{
		store:    deps.Store,
		orders:   deps.Orders,
		accounts: deps.Accounts,
		catalog:  deps.Catalog,
		stack:    deps.Stack,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Decompose 拆分订单。NEW 订单按资金比例拆分，REPLACE 与目标子订单一一对应，
// CANCEL 为目标的每个在途子订单生成撤单子订单。
func (d *Decomposer) Decompose(ctx context.Context, orderID int64) error {
	o, err := d.orders.Get(ctx, d.store.DB(), orderID)
	if err != nil {
		return fmt.Errorf("decompose: 读取订单 %d 失败: %w", orderID, err)
	}
	if err := checkPreconditions(o); err != nil {
		return err
	}

	switch o.Type {
	case order.TypeNew:
		return d.decomposeNew(ctx, o)
	case order.TypeReplace:
		return d.decomposeReplace(ctx, o)
	case order.TypeCancel:
		return d.decomposeCancel(ctx, o)
	default:
		return apperr.Validationf("订单 %d: 未知类型 %q", o.ID, o.Type)
	}
}

func checkPreconditions(o order.Order) error {
	if o.Status != order.StatusNew || o.StatusCode != order.CodeNew {
		return apperr.Validationf("订单 %d: 状态 %s/%s 不可拆单", o.ID, o.Status, o.StatusCode)
	}
	if o.ApproverID <= 0 {
		return apperr.Validationf("订单 %d: 缺少审批人", o.ID)
	}
	if !o.Enabled {
		return apperr.Validationf("订单 %d: 已停用", o.ID)
	}
	return o.Validate()
}

// eligibleExchange 为订单可用的交易所及交易对约束。
type eligibleExchange struct {
	exchange catalog.Exchange
	pair     catalog.ExchangePair
}

func (d *Decomposer) eligibleExchanges(ctx context.Context, q store.Querier, o order.Order) ([]eligibleExchange, error) {
	ids, err := d.orders.ExchangeIDs(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	out := make([]eligibleExchange, 0, len(ids))
	for _, id := range ids {
		ex, err := d.catalog.GetExchange(ctx, q, id)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ex.Enabled {
			continue
		}
		ep, err := d.catalog.GetExchangePair(ctx, q, id, o.CurrencyPairID)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ep.Enabled {
			continue
		}
		out = append(out, eligibleExchange{exchange: ex, pair: ep})
	}
	return out, nil
}

func (d *Decomposer) decomposeNew(ctx context.Context, o order.Order) error {
	db := d.store.DB()
	logger := d.logger.With(zap.Int64("order_id", o.ID), zap.String("complexity", string(o.Complexity)))

	pair, err := d.catalog.GetPair(ctx, db, o.CurrencyPairID)
	if errors.Is(err, catalog.ErrNotFound) {
		return apperr.Validationf("订单 %d: 交易对 %d 不存在", o.ID, o.CurrencyPairID)
	}
	if err != nil {
		return fmt.Errorf("decompose: 读取交易对失败: %w", err)
	}
	if pair.Settings.PerAccountOrdersCount <= 0 {
		return apperr.Validationf("交易对 %s: per_account_orders_count 必须大于0", pair.Symbol)
	}

	exchanges, err := d.eligibleExchanges(ctx, db, o)
	if err != nil {
		return fmt.Errorf("decompose: 读取可用交易所失败: %w", err)
	}

	snapshotID, baseRate, err := d.resolveRates(ctx, o, pair)
	if err != nil {
		return err
	}

	slots, err := d.selectSlots(ctx, o, pair, exchanges, snapshotID, baseRate)
	if err != nil {
		return err
	}

	p := params{
		complexity:   o.Complexity,
		amount:       o.Amount,
		multiplier:   o.AmountMultiplier,
		amountPrice:  baseRate,
		perAccount:   pair.Settings.PerAccountOrdersCount,
		shareSumMin:  decimal.NewFromFloat(d.cfg.ShareSumMin),
		controlRatio: decimal.NewFromFloat(d.cfg.ControlRatio),
	}
	a, err := allocate(p, slots)
	if err != nil {
		return err
	}

	group := requeststack.NewGroupStrID()
	childCode := order.CodeNew
	parentCode := order.CodeWaitApprove
	if d.cfg.AutoApprove {
		childCode = order.CodeCreateBuildReq
		parentCode = order.CodeApproved
	}
	children := make([]order.Decomposed, 0, len(a.children))
	for _, c := range a.children {
		children = append(children, order.Decomposed{
			OrderID:           o.ID,
			Type:              order.TypeNew,
			ExchangeID:        c.exchange.ExchangeID,
			CurrencyPairID:    o.CurrencyPairID,
			Credential:        c.candidate.Credential.Ref,
			CredentialHash:    c.candidate.Credential.Hash,
			Amount:            c.amount,
			Remain:            c.amount,
			Price:             o.Price,
			Side:              o.Side,
			Exec:              o.Exec,
			Share:             c.share,
			Status:            order.StatusNew,
			StatusCode:        childCode,
			RequestGroupStrID: group,
		})
	}

	amount := o.Amount
	if o.Complexity == order.ComplexityType2 {
		amount = a.amountSum
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := d.orders.InsertDecomposed(ctx, tx, children); err != nil {
			return err
		}
		if err := d.orders.UpdateStats(ctx, tx, o.ID, order.Stats{DecomposedTotal: int64(len(children))}); err != nil {
			return err
		}
		if err := d.orders.SetDecomposition(ctx, tx, o.ID, amount, amount, a.availableSum); err != nil {
			return err
		}
		return d.orders.UpdateStatus(ctx, tx, o.ID, order.StatusDoing, parentCode, "")
	})
	if err != nil {
		return fmt.Errorf("decompose: 写入拆单结果失败: %w", err)
	}

	logger.Info("订单拆单完成",
		zap.Int("children", len(children)),
		zap.Int("dropped", len(a.dropped)),
		zap.String("available_in_usd_sum", a.availableSum.String()),
		zap.String("share_sum", a.shareSum.String()),
		zap.String("status_code", string(parentCode)),
	)
	d.metrics.AddDecomposed(len(children))
	d.monitor.RecordDecomposed(ctx, monitor.DecomposedPayload{
		OrderID:           o.ID,
		Children:          len(children),
		Dropped:           len(a.dropped),
		AvailableInUsdSum: a.availableSum.String(),
		StatusCode:        string(parentCode),
	})
	return nil
}

// resolveRates 返回余额所用的快照与基础币种美元汇率。TYPE2 首次拆单时创建快照。
func (d *Decomposer) resolveRates(ctx context.Context, o order.Order, pair catalog.Pair) (int64, decimal.Decimal, error) {
	if o.Complexity != order.ComplexityType2 {
		return 0, pair.Base.USDRate, nil
	}

	snapshotID := o.SnapshotID
	if snapshotID == 0 {
		err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
			id, err := d.accounts.CreateSnapshot(ctx, tx)
			if err != nil {
				return err
			}
			if err := d.orders.SetSnapshot(ctx, tx, o.ID, id); err != nil {
				return err
			}
			snapshotID = id
			return nil
		})
		if err != nil {
			return 0, decimal.Zero, fmt.Errorf("decompose: 创建余额快照失败: %w", err)
		}
	}

	rate, err := d.accounts.SnapshotRate(ctx, d.store.DB(), snapshotID, pair.Base.ID)
	if errors.Is(err, account.ErrNotFound) {
		return 0, decimal.Zero, apperr.Validationf("快照 %d 缺少 %s 汇率", snapshotID, pair.Base.Code)
	}
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("decompose: 读取快照汇率失败: %w", err)
	}
	if !rate.IsPositive() {
		return 0, decimal.Zero, apperr.Validationf("快照 %d 中 %s 汇率必须为正", snapshotID, pair.Base.Code)
	}
	return snapshotID, rate, nil
}

// selectSlots 加载全部候选账户并按凭证状态、去重、交易对许可与最小下单量筛选。
func (d *Decomposer) selectSlots(ctx context.Context, o order.Order, pair catalog.Pair, exchanges []eligibleExchange, snapshotID int64, baseRate decimal.Decimal) ([]slot, error) {
	db := d.store.DB()
	currencyID := pair.Quote.ID
	if o.Side == order.SideSell {
		currencyID = pair.Base.ID
	}
	correction := decimal.NewFromFloat(d.cfg.CorrectionFactor)

	seen := make(map[string]bool)
	var slots []slot
	for _, ex := range exchanges {
		var tradeable int64
		if o.Complexity == order.ComplexityType2 {
			n, err := d.catalog.TradeablePairsCount(ctx, db, ex.exchange.ID)
			if err != nil {
				return nil, fmt.Errorf("decompose: 统计可交易交易对失败: %w", err)
			}
			tradeable = n
		}
		minUSD := ex.pair.OrderAmountMin.Mul(baseRate)

		for _, kind := range account.Kinds {
			candidates, err := d.accounts.LoadCandidates(ctx, db, kind, ex.exchange.ID, currencyID, snapshotID)
			if err != nil {
				return nil, fmt.Errorf("decompose: 加载 %s 候选账户失败: %w", kind, err)
			}
			for _, c := range candidates {
				cred := c.Credential
				if err := cred.CheckUsable(account.ModeNormal); err != nil {
					d.logger.Debug("跳过不可用凭证", zap.Stringer("credential", cred.Ref), zap.Error(err))
					continue
				}
				if seen[cred.Hash] {
					d.logger.Debug("跳过重复凭证", zap.Stringer("credential", cred.Ref))
					continue
				}
				ok, err := d.accounts.PermitsPair(ctx, db, cred.Ref, o.CurrencyPairID)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}

				balance := c.Balance.TradingUSD
				if o.Side == order.SideSell {
					balance = c.Balance.PositionUSD
				}
				available := fixed.FloorTo(
					balance.Mul(cred.OrderBalanceShareMax).Mul(cred.MarginTradeAsset).Mul(correction),
					d.cfg.FractionDigits,
				)
				if !available.IsPositive() || available.LessThan(minUSD) {
					continue
				}

				seen[cred.Hash] = true
				slots = append(slots, slot{
					candidate: c,
					exchange:  ex.pair,
					available: available,
					tradeable: tradeable,
				})
			}
		}
	}
	return slots, nil
}

// loadTarget 读取并校验 REPLACE/CANCEL 的目标订单，返回其在途子订单。
func (d *Decomposer) loadTarget(ctx context.Context, o order.Order) (order.Order, []order.Decomposed, error) {
	db := d.store.DB()
	targetID := o.TargetID()
	if targetID == o.ID {
		return order.Order{}, nil, apperr.Newf(apperr.CodeInvalidTarget, "订单 %d 不能以自身为目标", o.ID)
	}
	target, err := d.orders.Get(ctx, db, targetID)
	if errors.Is(err, order.ErrNotFound) {
		return target, nil, apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 不存在", targetID)
	}
	if err != nil {
		return target, nil, fmt.Errorf("decompose: 读取目标订单失败: %w", err)
	}

	switch {
	case !target.Enabled:
		return target, nil, apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 已停用", target.ID)
	case target.Status.Terminal():
		return target, nil, apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 已终结 (%s)", target.ID, target.Status)
	case target.CurrencyPairID != o.CurrencyPairID:
		return target, nil, apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 交易对不一致", target.ID)
	case target.Type == order.TypeCancel:
		return target, nil, apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 为撤单订单", target.ID)
	case target.StatusCode == order.CodeCancelWait:
		return target, nil, apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 正在等待撤单确认", target.ID)
	}

	children, err := d.orders.GetDecomposedByOrderID(ctx, db, target.ID, true)
	if err != nil {
		return target, nil, fmt.Errorf("decompose: 读取目标子订单失败: %w", err)
	}
	live := children[:0]
	for _, c := range children {
		if c.Status == order.StatusNew || c.Status == order.StatusDoing {
			live = append(live, c)
		}
	}
	return target, live, nil
}

func (d *Decomposer) decomposeReplace(ctx context.Context, o order.Order) error {
	if o.Complexity == order.ComplexityType2 {
		return apperr.Validationf("订单 %d: TYPE2 订单不支持改单", o.ID)
	}
	target, live, err := d.loadTarget(ctx, o)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return apperr.Newf(apperr.CodeInvalidTarget, "目标订单 %d 没有在途子订单", target.ID)
	}
	for _, c := range live {
		if c.ExchangeOrderID == "" {
			return apperr.Newf(apperr.CodeInvalidTarget, "目标子订单 %d 尚未在交易所创建", c.ID)
		}
	}

	group := requeststack.NewGroupStrID()
	childCode := order.CodeNew
	parentCode := order.CodeWaitApprove
	if d.cfg.AutoApprove {
		childCode = order.CodeCreateBuildReq
		parentCode = order.CodeApproved
	}
	children := make([]order.Decomposed, 0, len(live))
	for _, old := range live {
		amount := fixed.FloorMul(o.Amount, old.Share)
		if !amount.IsPositive() {
			return apperr.Newf(apperr.CodeNoDecomposedOrders, "子订单 %d 改单后数量为零", old.ID)
		}
		children = append(children, order.Decomposed{
			OrderID:             o.ID,
			Type:                order.TypeReplace,
			ExchangeID:          old.ExchangeID,
			CurrencyPairID:      o.CurrencyPairID,
			Credential:          old.Credential,
			CredentialHash:      old.CredentialHash,
			Amount:              amount,
			Remain:              amount,
			Price:               o.Price,
			Side:                o.Side,
			Exec:                o.Exec,
			Share:               old.Share,
			Status:              order.StatusNew,
			StatusCode:          childCode,
			RequestGroupStrID:   group,
			ReplaceDecomposedID: old.ID,
		})
	}
	if err := pairReplacements(children, live); err != nil {
		return err
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := d.orders.InsertDecomposed(ctx, tx, children); err != nil {
			return err
		}
		if err := d.orders.UpdateStats(ctx, tx, o.ID, order.Stats{DecomposedTotal: int64(len(children))}); err != nil {
			return err
		}
		if err := d.orders.SetDecomposition(ctx, tx, o.ID, o.Amount, o.Amount, target.AvailableInUsdSum); err != nil {
			return err
		}
		return d.orders.UpdateStatus(ctx, tx, o.ID, order.StatusDoing, parentCode, "")
	})
	if err != nil {
		return fmt.Errorf("decompose: 写入改单子订单失败: %w", err)
	}

	d.logger.Info("改单拆单完成",
		zap.Int64("order_id", o.ID),
		zap.Int64("target_id", target.ID),
		zap.Int("children", len(children)),
	)
	d.metrics.AddDecomposed(len(children))
	d.monitor.RecordDecomposed(ctx, monitor.DecomposedPayload{
		OrderID:           o.ID,
		Children:          len(children),
		AvailableInUsdSum: target.AvailableInUsdSum.String(),
		StatusCode:        string(parentCode),
	})
	return nil
}

// pairReplacements 校验新旧子订单一一对应。
func pairReplacements(children, live []order.Decomposed) error {
	if len(children) != len(live) {
		return apperr.Validationf("改单子订单数量 %d 与目标在途子订单数量 %d 不一致", len(children), len(live))
	}
	targets := make(map[int64]bool, len(live))
	for _, c := range live {
		targets[c.ID] = true
	}
	used := make(map[int64]bool, len(children))
	for _, c := range children {
		id := c.TargetDecomposedID()
		if !targets[id] {
			return apperr.Validationf("改单子订单指向未知目标子订单 %d", id)
		}
		if used[id] {
			return apperr.Validationf("目标子订单 %d 被重复改单", id)
		}
		used[id] = true
	}
	return nil
}

func (d *Decomposer) decomposeCancel(ctx context.Context, o order.Order) error {
	target, live, err := d.loadTarget(ctx, o)
	if err != nil {
		return err
	}

	reached := false
	for _, c := range live {
		if c.ExchangeOrderID != "" {
			reached = true
			break
		}
	}
	if !reached {
		return d.cancelLocally(ctx, o, target)
	}

	group := requeststack.NewGroupStrID()
	children := make([]order.Decomposed, 0, len(live))
	for _, old := range live {
		children = append(children, order.Decomposed{
			OrderID:            o.ID,
			Type:               order.TypeCancel,
			ExchangeID:         old.ExchangeID,
			CurrencyPairID:     o.CurrencyPairID,
			Credential:         old.Credential,
			CredentialHash:     old.CredentialHash,
			Amount:             old.Remain,
			Remain:             old.Remain,
			Price:              old.Price,
			Side:               old.Side,
			Exec:               old.Exec,
			Share:              old.Share,
			Status:             order.StatusNew,
			StatusCode:         order.CodeCreateBuildReq,
			RequestGroupStrID:  group,
			CancelDecomposedID: old.ID,
		})
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := d.orders.InsertDecomposed(ctx, tx, children); err != nil {
			return err
		}
		if err := d.orders.UpdateStats(ctx, tx, o.ID, order.Stats{DecomposedTotal: int64(len(children))}); err != nil {
			return err
		}
		return d.orders.UpdateStatus(ctx, tx, o.ID, order.StatusDoing, order.CodeCancelRequested, "")
	})
	if err != nil {
		return fmt.Errorf("decompose: 写入撤单子订单失败: %w", err)
	}

	d.logger.Info("撤单拆单完成",
		zap.Int64("order_id", o.ID),
		zap.Int64("target_id", target.ID),
		zap.Int("children", len(children)),
	)
	d.metrics.AddDecomposed(len(children))
	d.monitor.RecordDecomposed(ctx, monitor.DecomposedPayload{
		OrderID:    o.ID,
		Children:   len(children),
		StatusCode: string(order.CodeCancelRequested),
	})
	return nil
}

// cancelLocally 目标订单尚未到达交易所，直接拒绝目标并完成撤单订单。
func (d *Decomposer) cancelLocally(ctx context.Context, o, target order.Order) error {
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		groups, err := d.orders.DisableInFlight(ctx, tx, target.ID)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if _, err := d.stack.DisableByGroupStrID(ctx, tx, g); err != nil {
				return err
			}
		}
		msg := fmt.Sprintf("被撤单订单 %d 撤销", o.ID)
		if err := d.orders.UpdateStatus(ctx, tx, target.ID, order.StatusRejected, order.CodeCanceled, msg); err != nil {
			return err
		}
		return d.orders.UpdateStatus(ctx, tx, o.ID, order.StatusCompleted, order.CodeCompleted, "")
	})
	if err != nil {
		return fmt.Errorf("decompose: 本地撤单失败: %w", err)
	}

	d.logger.Info("目标订单未到达交易所，已本地撤销",
		zap.Int64("order_id", o.ID),
		zap.Int64("target_id", target.ID),
	)
	d.monitor.RecordOrderStatus(ctx, monitor.OrderStatusPayload{
		OrderID:    target.ID,
		Status:     string(order.StatusRejected),
		StatusCode: string(order.CodeCanceled),
		Remain:     target.Remain.String(),
	})
	return nil
}
