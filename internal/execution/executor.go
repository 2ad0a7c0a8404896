package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
	"trades-exec/internal/requeststack"
)

// Transport 将队列请求翻译为交易所调用并把结果包装为响应信封。
type Transport struct {
	venues  VenueFactory
	cfg     config.ExchangesConfig
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	timeout time.Duration
}

// NewTransport 创建传输层。
func NewTransport(venues VenueFactory, cfg config.ExchangesConfig, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Transport{
		venues:  venues,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
		timeout: timeout,
	}
}

// Do 执行一条请求。网络层失败返回错误，交易所业务拒绝写入非 2xx 响应。
func (t *Transport) Do(ctx context.Context, cred account.Credential, entry requeststack.Entry) (Response, error) {
	code, op, err := exchange.ParseURL(entry.URL)
	if err != nil {
		return Response{}, err
	}
	payload, err := exchange.DecodePayload(entry.Body)
	if err != nil {
		return Response{}, err
	}
	venue, err := t.venues.Venue(code, cred)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	logger := t.logger.With(
		zap.String("exchange", code),
		zap.String("operation", string(op)),
		zap.String("str_id", entry.StrID),
		zap.Stringer("credential", cred.Ref),
	)

	var result interface{}
	call := func() error {
		var callErr error
		result, callErr = t.dispatch(venue, op, payload)
		return callErr
	}
	if isIdempotent(op) {
		err = t.callWithRetry(ctx, logger, call)
	} else {
		err = runWithContext(ctx, call)
	}

	if err != nil {
		normalized, _ := exchange.ClassifyError(err)
		if exchange.IsTransportError(normalized) {
			return Response{}, normalized
		}
		status := http.StatusBadRequest
		if exchange.IsCredentialError(normalized) {
			status = http.StatusUnauthorized
		}
		logger.Warn("交易所拒绝请求", zap.Int("status", status), zap.Error(normalized))
		return encodeResponse(code, op, status, nil, exchange.ErrorBodyOf(normalized))
	}
	return encodeResponse(code, op, http.StatusOK, result, nil)
}

func (t *Transport) dispatch(venue Venue, op exchange.Operation, p exchange.Payload) (interface{}, error) {
	switch op {
	case exchange.OpGetOrders:
		return venue.FetchOpenOrders(p.Symbol)
	case exchange.OpGetOrder:
		return venue.FetchOrder(p.OrderID, p.Symbol)
	case exchange.OpGetPositions:
		return venue.FetchPositions()
	case exchange.OpGetBalances:
		return venue.FetchBalance()
	case exchange.OpCreateOrderNew:
		return createOrder(venue, p)
	case exchange.OpCreateOrderReplace:
		if _, err := venue.CancelOrder(p.OrderID, p.Symbol); err != nil {
			return nil, err
		}
		return createOrder(venue, p)
	case exchange.OpCreateOrderCancel:
		return venue.CancelOrder(p.OrderID, p.Symbol)
	case exchange.OpGeneric:
		return genericCall(venue, p)
	default:
		return nil, fmt.Errorf("execution: 未知操作 %q", op)
	}
}

func createOrder(venue Venue, p exchange.Payload) (exchange.OrderResult, error) {
	amount, err := strconv.ParseFloat(p.Amount, 64)
	if err != nil || amount <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("execution: 下单数量无效 %q", p.Amount)
	}
	var price *float64
	if p.Price != "" && p.Type != "market" {
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || v <= 0 {
			return exchange.OrderResult{}, fmt.Errorf("execution: 下单价格无效 %q", p.Price)
		}
		price = &v
	}
	return venue.CreateOrder(p.Symbol, p.Type, p.Side, amount, price, p.ClientOrderID)
}

func genericCall(venue Venue, p exchange.Payload) (interface{}, error) {
	switch strings.ToLower(p.Call) {
	case "fetch_balance":
		return venue.FetchBalance()
	case "fetch_positions":
		return venue.FetchPositions()
	case "fetch_open_orders":
		return venue.FetchOpenOrders(p.Symbol)
	default:
		return nil, fmt.Errorf("execution: 不支持的通用调用 %q", p.Call)
	}
}

func isIdempotent(op exchange.Operation) bool {
	switch op {
	case exchange.OpGetOrders, exchange.OpGetOrder, exchange.OpGetPositions, exchange.OpGetBalances:
		return true
	default:
		return false
	}
}

func encodeResponse(code string, op exchange.Operation, status int, result interface{}, errBody *exchange.ErrorBody) (Response, error) {
	env := exchange.Envelope{Exchange: code, Operation: op, Error: errBody}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Response{}, fmt.Errorf("execution: 编码结果失败: %w", err)
		}
		env.Result = raw
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Response{}, fmt.Errorf("execution: 编码响应失败: %w", err)
	}
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}, nil
}

// callWithRetry 对只读调用按指数退避重试，维护状态立即放弃。
func (t *Transport) callWithRetry(ctx context.Context, logger *zap.Logger, fn func() error) error {
	attempt := 0
	delay := t.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := t.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := t.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := runWithContext(ctx, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				logger.Info("交易所调用重试后成功",
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := exchange.ClassifyError(err)
		if errors.Is(normalizedErr, exchange.ErrMaintenance) {
			logger.Warn("交易所维护中", zap.Error(normalizedErr))
			return normalizedErr
		}
		if !retry || attempt >= maxAttempts {
			logger.Error("交易所调用失败",
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		logger.Warn("交易所调用失败，等待重试",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
		delay *= 2
	}
}

// runWithContext 在 ctx 超时后立即返回，ccxt 调用本身不接受 ctx。
func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Doer = (*Transport)(nil)
