package checker

import (
	"github.com/shopspring/decimal"

	"trades-exec/internal/apperr"
	"trades-exec/internal/fixed"
	"trades-exec/internal/order"
)

// priceDeviationMax 为非市价单成交均价相对限价的最大偏离。
var priceDeviationMax = decimal.RequireFromString("0.2")

// statusPriority 为子订单状态不一致时父订单取值的优先级。
var statusPriority = []order.Status{order.StatusFailed, order.StatusRejected, order.StatusDoing}

// progressCodes 为进行中状态码的优先级，排在失败、拒绝类状态码之后。
var progressCodes = []order.StatusCode{
	order.CodeCreateBuildReq,
	order.CodeCreateWaitReq,
	order.CodeCreated,
	order.CodeStateWaitReq,
}

// summary 为子订单聚合结果。
type summary struct {
	remain       decimal.Decimal
	priceAvgExec decimal.Decimal
	fee          decimal.Decimal
	stats        order.Stats
	status       order.Status
	code         order.StatusCode
	message      string
}

// aggregate 由子订单推导父订单的成交信息、计数与状态。
func aggregate(o order.Order, children []order.Decomposed) (summary, error) {
	var s summary
	if len(children) == 0 {
		return s, apperr.Validationf("订单 %d: 没有子订单可聚合", o.ID)
	}
	for _, c := range children {
		if c.Status == order.StatusSpecial || c.StatusCode == order.CodeSpecial {
			return s, apperr.Validationf("订单 %d: 子订单 %d 出现 SPECIAL 状态", o.ID, c.ID)
		}
	}

	var err error
	if s.remain, s.priceAvgExec, s.fee, err = financials(o, children); err != nil {
		return s, err
	}
	s.stats = countStats(children)
	if s.status, err = aggregateStatus(o.ID, children); err != nil {
		return s, err
	}
	if s.code, err = aggregateCode(o.ID, children); err != nil {
		return s, err
	}
	for _, c := range children {
		if c.StatusCode == s.code && c.StatusMessage != "" {
			s.message = c.StatusMessage
			break
		}
	}
	return s, nil
}

// financials 汇总剩余数量与手续费，成交均价按成交量加权。
func financials(o order.Order, children []order.Decomposed) (remain, avg, fee decimal.Decimal, err error) {
	var weighted, filled decimal.Decimal
	for _, c := range children {
		remain = remain.Add(c.Remain)
		fee = fee.Add(c.Fee)
		f := c.Filled()
		if f.IsPositive() && c.PriceAvgExec.IsPositive() {
			weighted = weighted.Add(c.PriceAvgExec.Mul(f))
			filled = filled.Add(f)
		}
	}
	remain, fee = fixed.Floor(remain), fixed.Floor(fee)
	if filled.IsZero() {
		return remain, decimal.Zero, fee, nil
	}
	if avg, err = fixed.FloorDiv(weighted, filled); err != nil {
		return remain, avg, fee, apperr.Wrap(apperr.CodeValidation, "计算成交均价失败", err)
	}
	if o.Exec != order.ExecMarket && o.Price.IsPositive() {
		bound := o.Price.Mul(priceDeviationMax)
		if avg.Sub(o.Price).Abs().GreaterThan(bound) {
			return remain, avg, fee, apperr.Validationf("订单 %d: 成交均价 %s 偏离限价 %s 超过 20%%", o.ID, avg, o.Price)
		}
	}
	return remain, avg, fee, nil
}

func countStats(children []order.Decomposed) order.Stats {
	st := order.Stats{DecomposedTotal: int64(len(children))}
	for _, c := range children {
		switch c.Status {
		case order.StatusDoing:
			st.Doing++
		case order.StatusCompleted:
			st.Completed++
		case order.StatusRejected:
			st.Rejected++
		case order.StatusFailed:
			st.Failed++
		case order.StatusSpecial:
			st.Special++
		}
	}
	return st
}

// aggregateStatus 全部一致时取该状态，否则按 FAILED > REJECTED > DOING 取第一个出现的。
func aggregateStatus(orderID int64, children []order.Decomposed) (order.Status, error) {
	hist := make(map[order.Status]int, len(statusPriority))
	for _, c := range children {
		hist[c.Status]++
	}
	if len(hist) == 1 {
		return children[0].Status, nil
	}
	for _, st := range statusPriority {
		if hist[st] > 0 {
			return st, nil
		}
	}
	return "", apperr.Validationf("订单 %d: 子订单状态组合 %v 无法聚合", orderID, hist)
}

// aggregateCode 与 aggregateStatus 规则相同：失败类 > 拒绝类 > 进行中各阶段。
// 同一类中取子订单顺序里最先出现的状态码。
func aggregateCode(orderID int64, children []order.Decomposed) (order.StatusCode, error) {
	hist := make(map[order.StatusCode]int)
	for _, c := range children {
		hist[c.StatusCode]++
	}
	if len(hist) == 1 {
		return children[0].StatusCode, nil
	}
	for _, c := range children {
		if c.StatusCode.IsFailed() {
			return c.StatusCode, nil
		}
	}
	for _, c := range children {
		if c.StatusCode.IsRejected() {
			return c.StatusCode, nil
		}
	}
	for _, code := range progressCodes {
		if hist[code] > 0 {
			return code, nil
		}
	}
	return "", apperr.Validationf("订单 %d: 子订单状态码组合 %v 无法聚合", orderID, hist)
}
