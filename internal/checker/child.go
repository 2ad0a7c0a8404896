package checker

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"trades-exec/internal/apperr"
	"trades-exec/internal/exchange"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
)

// requestFailures 为请求失败编码到子订单失败码的映射，未登记的编码记为 FAILED_REQUEST。
var requestFailures = map[requeststack.Code]order.StatusCode{
	requeststack.CodeHungRequest:       order.CodeFailedHungRequest,
	requeststack.CodeUnaliveCredential: order.CodeFailedUnaliveCredential,
	requeststack.CodeInactiveUser:      order.CodeFailedInactiveUser,
}

// failChild 把请求失败记录到子订单上，同时消费该请求。
func (c *Checker) failChild(ctx context.Context, child order.Decomposed, e requeststack.Entry, msg string) error {
	code, ok := requestFailures[e.StatusCode]
	if !ok {
		code = order.CodeFailedRequest
	}
	if msg == "" {
		msg = e.StatusMessage
	}
	c.logger.Warn("子订单请求失败",
		zap.Int64("decomposed_id", child.ID),
		zap.String("str_id", e.StrID),
		zap.String("status_code", string(code)),
		zap.String("message", msg),
	)
	return c.consume(ctx, e, func(tx *sql.Tx) error {
		return c.orders.UpdateDecomposedStatus(ctx, tx, child.ID, order.StatusFailed, code, msg)
	})
}

// parseFailed 区分交易所返回的错误与响应不一致：前者记录到子订单，后者原样返回。
func (c *Checker) parseFailed(ctx context.Context, child order.Decomposed, e requeststack.Entry, err error) error {
	if apperr.Is(err, apperr.CodeAdapter) {
		return c.failChild(ctx, child, e, apperr.Message(err))
	}
	return err
}

// consumeCreate 读取下单或改单响应，写入交易所订单号并进入 CREATED。
func (c *Checker) consumeCreate(ctx context.Context, symbol string, child order.Decomposed) error {
	e, ready, err := c.lookup(ctx, child)
	if err != nil || !ready {
		return err
	}
	if !e.Succeeded() {
		return c.failChild(ctx, child, e, "")
	}
	adapter, err := c.adapterFor(ctx, child.ExchangeID)
	if err != nil {
		return err
	}
	spec := orderSpec(child, symbol)
	st, err := adapter.ParseCreateOrder(e.ResponseCode, e.ResponseBody, &spec)
	if err != nil {
		return c.parseFailed(ctx, child, e, err)
	}

	status, code, msg := order.StatusDoing, order.CodeCreated, ""
	if st.Status == exchange.OrderRejected {
		status, code, msg = order.StatusRejected, order.CodeRejectedByExchange, "交易所拒绝下单"
	}
	err = c.consume(ctx, e, func(tx *sql.Tx) error {
		if err := c.orders.SetExchangeOrderID(ctx, tx, child.ID, st.ExchangeOrderID); err != nil {
			return err
		}
		if err := c.orders.UpdateDecomposedFinancials(ctx, tx, child.ID, st.Remain, st.PriceAvgExec, st.Fee); err != nil {
			return err
		}
		return c.orders.UpdateDecomposedStatus(ctx, tx, child.ID, status, code, msg)
	})
	if err != nil {
		return err
	}
	c.logger.Info("子订单已在交易所创建",
		zap.Int64("decomposed_id", child.ID),
		zap.String("exchange_order_id", st.ExchangeOrderID),
		zap.String("status_code", string(code)),
	)
	return nil
}

// requestState 入队一条订单状态查询，不消费任何请求。
func (c *Checker) requestState(ctx context.Context, symbol string, child order.Decomposed) error {
	if child.ExchangeOrderID == "" {
		return apperr.Validationf("子订单 %d: CREATED 但缺少交易所订单号", child.ID)
	}
	buf, next, err := c.buildGetOrder(ctx, symbol, child)
	if err != nil {
		return err
	}
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := c.stack.CommitStaged(ctx, tx, buf); err != nil {
			return err
		}
		if err := c.orders.SetRequestIDs(ctx, tx, child.ID, next.StrID, next.GroupStrID); err != nil {
			return err
		}
		return c.orders.UpdateDecomposedStatus(ctx, tx, child.ID, order.StatusDoing, order.CodeStateWaitReq, "")
	})
	if err != nil {
		return fmt.Errorf("checker: 入队状态查询失败: %w", err)
	}
	return nil
}

func (c *Checker) buildGetOrder(ctx context.Context, symbol string, child order.Decomposed) (*requeststack.Buffer, requeststack.Entry, error) {
	adapter, err := c.adapterFor(ctx, child.ExchangeID)
	if err != nil {
		return nil, requeststack.Entry{}, err
	}
	req, err := adapter.BuildGetOrder(symbol, child.ExchangeOrderID)
	if err != nil {
		return nil, requeststack.Entry{}, apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("子订单 %d: 构建状态查询失败", child.ID), err)
	}
	return stageRequest(child, req)
}

// consumeState 读取订单状态。未完结时更新成交信息并再次查询；完结时写入终态。
func (c *Checker) consumeState(ctx context.Context, symbol string, child order.Decomposed) error {
	e, ready, err := c.lookup(ctx, child)
	if err != nil || !ready {
		return err
	}
	if !e.Succeeded() {
		return c.failChild(ctx, child, e, "")
	}
	adapter, err := c.adapterFor(ctx, child.ExchangeID)
	if err != nil {
		return err
	}
	spec := orderSpec(child, symbol)
	st, err := adapter.ParseGetOrder(e.ResponseCode, e.ResponseBody, &spec)
	if err != nil {
		return c.parseFailed(ctx, child, e, err)
	}
	if st.ExchangeOrderID != child.ExchangeOrderID {
		return apperr.Validationf("子订单 %d: 响应订单号 %s 与 %s 不符", child.ID, st.ExchangeOrderID, child.ExchangeOrderID)
	}

	switch st.Status {
	case exchange.OrderOpen:
		buf, next, err := c.buildGetOrder(ctx, symbol, child)
		if err != nil {
			return err
		}
		return c.consume(ctx, e, func(tx *sql.Tx) error {
			if err := c.orders.UpdateDecomposedFinancials(ctx, tx, child.ID, st.Remain, st.PriceAvgExec, st.Fee); err != nil {
				return err
			}
			if _, err := c.stack.CommitStaged(ctx, tx, buf); err != nil {
				return err
			}
			return c.orders.SetRequestIDs(ctx, tx, child.ID, next.StrID, next.GroupStrID)
		})
	case exchange.OrderCompleted:
		if !st.Remain.IsZero() {
			return apperr.Validationf("子订单 %d: 交易所报告已完成但剩余数量为 %s", child.ID, st.Remain)
		}
		return c.finish(ctx, child, e, st, order.StatusCompleted, order.CodeCompleted, "")
	case exchange.OrderRejected:
		code := order.CodeRejectedByExchange
		if st.Cancelled {
			code = order.CodeCanceled
		}
		return c.finish(ctx, child, e, st, order.StatusRejected, code, "交易所终止订单")
	default:
		return apperr.Validationf("子订单 %d: 未知交易所订单状态 %q", child.ID, st.Status)
	}
}

func (c *Checker) finish(ctx context.Context, child order.Decomposed, e requeststack.Entry, st exchange.OrderState, status order.Status, code order.StatusCode, msg string) error {
	err := c.consume(ctx, e, func(tx *sql.Tx) error {
		if err := c.orders.UpdateDecomposedFinancials(ctx, tx, child.ID, st.Remain, st.PriceAvgExec, st.Fee); err != nil {
			return err
		}
		return c.orders.UpdateDecomposedStatus(ctx, tx, child.ID, status, code, msg)
	})
	if err != nil {
		return err
	}
	c.logger.Info("子订单已终结",
		zap.Int64("decomposed_id", child.ID),
		zap.String("status", string(status)),
		zap.String("status_code", string(code)),
		zap.String("remain", st.Remain.String()),
	)
	return nil
}

// consumeCancel 读取撤单确认：撤单子订单完成，被撤子订单按响应刷新成交信息后标记 CANCELED，
// 目标订单的成交汇总随之更新。目标订单的终态在撤单订单聚合时写入。
func (c *Checker) consumeCancel(ctx context.Context, symbol string, child order.Decomposed) error {
	e, ready, err := c.lookup(ctx, child)
	if err != nil || !ready {
		return err
	}
	if !e.Succeeded() {
		return c.failChild(ctx, child, e, "")
	}

	db := c.store.DB()
	target, err := c.orders.GetDecomposed(ctx, db, child.CancelDecomposedID)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("撤单子订单 %d: 读取目标子订单失败", child.ID), err)
	}
	targetOrder, err := c.orders.Get(ctx, db, target.OrderID)
	if err != nil {
		return fmt.Errorf("checker: 读取目标订单失败: %w", err)
	}
	adapter, err := c.adapterFor(ctx, child.ExchangeID)
	if err != nil {
		return err
	}
	spec := orderSpec(target, symbol)
	st, err := adapter.ParseCancelOrder(e.ResponseCode, e.ResponseBody, &spec)
	if err != nil {
		return c.parseFailed(ctx, child, e, err)
	}
	if st.ExchangeOrderID != target.ExchangeOrderID {
		return apperr.Validationf("撤单子订单 %d: 响应订单号 %s 与目标 %s 不符", child.ID, st.ExchangeOrderID, target.ExchangeOrderID)
	}

	return c.consume(ctx, e, func(tx *sql.Tx) error {
		if err := c.orders.UpdateDecomposedFinancials(ctx, tx, target.ID, st.Remain, st.PriceAvgExec, st.Fee); err != nil {
			return err
		}
		if err := c.orders.UpdateDecomposedStatus(ctx, tx, target.ID, order.StatusRejected, order.CodeCanceled, fmt.Sprintf("被子订单 %d 撤销", child.ID)); err != nil {
			return err
		}
		if err := c.orders.DisableDecomposed(ctx, tx, target.ID); err != nil {
			return err
		}
		if err := c.orders.UpdateDecomposedStatus(ctx, tx, child.ID, order.StatusCompleted, order.CodeCompleted, ""); err != nil {
			return err
		}
		siblings, err := c.orders.GetDecomposedByOrderID(ctx, tx, targetOrder.ID, false)
		if err != nil {
			return err
		}
		remain, avg, fee, err := financials(targetOrder, siblings)
		if err != nil {
			return err
		}
		return c.orders.UpdateFinancials(ctx, tx, targetOrder.ID, remain, avg, fee)
	})
}
