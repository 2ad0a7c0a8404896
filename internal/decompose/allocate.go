package decompose

import (
	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/fixed"
	"trades-exec/internal/order"
)

var (
	one = decimal.NewFromInt(1)
	// controlTolerance 为 TYPE1 子订单数量合计允许低于控制数量的上限。
	controlTolerance = decimal.New(1, -7)
)

// slot 为通过筛选的候选账户。
type slot struct {
	candidate account.Candidate
	exchange  catalog.ExchangePair
	available decimal.Decimal
	// tradeable 为该交易所可交易的交易对数量，仅 TYPE2 使用。
	tradeable int64
}

// params 为分配所需的订单侧参数。
type params struct {
	complexity   order.Complexity
	amount       decimal.Decimal
	multiplier   decimal.Decimal
	amountPrice  decimal.Decimal
	perAccount   int64
	shareSumMin  decimal.Decimal
	controlRatio decimal.Decimal
}

type allocated struct {
	slot
	share  decimal.Decimal
	amount decimal.Decimal
}

// allocation 为一次按比例分配的结果。
type allocation struct {
	children      []allocated
	dropped       []allocated
	availableSum  decimal.Decimal
	shareSum      decimal.Decimal
	amountSum     decimal.Decimal
	droppedSum    decimal.Decimal
	controlAmount decimal.Decimal
}

// allocate 按可用资金比例计算每个账户的份额与数量，剔除超出交易所下单范围的子订单，
// 并在写库前校验合计约束。
func allocate(p params, slots []slot) (allocation, error) {
	var a allocation
	if len(slots) == 0 {
		return a, apperr.New(apperr.CodeNoEligibleAccounts, "没有满足条件的账户")
	}
	for _, s := range slots {
		a.availableSum = a.availableSum.Add(s.available)
	}
	if !a.availableSum.IsPositive() {
		return a, apperr.New(apperr.CodeNoEligibleAccounts, "可用资金合计为零")
	}

	for _, s := range slots {
		share, err := fixed.FloorDiv(s.available, a.availableSum)
		if err != nil {
			return a, apperr.Wrap(apperr.CodeValidation, "计算份额失败", err)
		}
		a.shareSum = a.shareSum.Add(share)

		amount, err := childAmount(p, s, share)
		if err != nil {
			return a, err
		}
		item := allocated{slot: s, share: share, amount: amount}
		if !share.IsPositive() || !amount.IsPositive() || !s.exchange.Contains(amount) {
			a.dropped = append(a.dropped, item)
			a.droppedSum = a.droppedSum.Add(amount)
			continue
		}
		a.children = append(a.children, item)
		a.amountSum = a.amountSum.Add(amount)
	}

	if len(a.children) == 0 {
		return a, apperr.Newf(apperr.CodeNoDecomposedOrders, "全部 %d 个候选子订单超出交易所下单范围", len(a.dropped))
	}
	if err := a.check(p); err != nil {
		return a, err
	}
	return a, nil
}

func childAmount(p params, s slot, share decimal.Decimal) (decimal.Decimal, error) {
	switch p.complexity {
	case order.ComplexityType1:
		return fixed.FloorMul(p.amount, share), nil
	case order.ComplexityType2:
		if s.tradeable <= 0 || p.perAccount <= 0 || !p.amountPrice.IsPositive() {
			return decimal.Zero, apperr.Validationf("TYPE2 数量参数无效: tradeable=%d perAccount=%d price=%s",
				s.tradeable, p.perAccount, p.amountPrice)
		}
		denom := decimal.NewFromInt(s.tradeable).Mul(decimal.NewFromInt(p.perAccount)).Mul(p.amountPrice)
		base, err := fixed.FloorDivTo(s.available, denom, 1)
		if err != nil {
			return decimal.Zero, apperr.Wrap(apperr.CodeValidation, "计算 TYPE2 数量失败", err)
		}
		return fixed.FloorMul(base, p.multiplier), nil
	default:
		return decimal.Zero, apperr.Validationf("未知复杂度 %q", p.complexity)
	}
}

func (a *allocation) check(p params) error {
	if a.shareSum.LessThan(p.shareSumMin) || a.shareSum.GreaterThan(one) {
		return apperr.Validationf("份额合计 %s 不在 [%s, 1] 内", a.shareSum, p.shareSumMin)
	}

	switch p.complexity {
	case order.ComplexityType1:
		a.controlAmount = fixed.FloorMul(p.amount, a.shareSum).Sub(a.droppedSum)
		if a.controlAmount.LessThan(p.amount.Mul(p.controlRatio)) {
			return apperr.Validationf("控制数量 %s 低于订单数量 %s 的 %s", a.controlAmount, p.amount, p.controlRatio)
		}
		diff := a.controlAmount.Sub(a.amountSum)
		if diff.IsNegative() {
			return apperr.Validationf("子订单数量合计 %s 超过控制数量 %s", a.amountSum, a.controlAmount)
		}
		if diff.GreaterThanOrEqual(controlTolerance) {
			return apperr.Validationf("子订单数量合计 %s 与控制数量 %s 偏差过大", a.amountSum, a.controlAmount)
		}
		if a.amountSum.GreaterThan(p.amount) {
			return apperr.Validationf("子订单数量合计 %s 超过订单数量 %s", a.amountSum, p.amount)
		}
	case order.ComplexityType2:
		usd := decimal.Zero
		for _, c := range a.children {
			usd = usd.Add(c.amount.Mul(p.amountPrice))
		}
		if !usd.IsPositive() || usd.GreaterThan(a.availableSum) {
			return apperr.Validationf("子订单美元合计 %s 不在 (0, %s] 内", usd, a.availableSum)
		}
	}
	return nil
}
