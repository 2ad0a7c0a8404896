// Package dispatch 把请求队列中的等待请求发往交易所并写回结果。
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
	"trades-exec/internal/execution"
	"trades-exec/internal/locktable"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为调度器依赖。
type Deps struct {
	Store     *store.Store
	Stack     *requeststack.Stack
	Accounts  *account.Registry
	Transport execution.Doer
	Monitor   *monitor.Service
	Metrics   *metrics.Metrics
}

// Dispatcher 每轮按凭证去重发送等待中的请求。
type Dispatcher struct {
	store     *store.Store
	stack     *requeststack.Stack
	accounts  *account.Registry
	transport execution.Doer
	monitor   *monitor.Service
	metrics   *metrics.Metrics
	cfg       config.DispatcherConfig
	locks     *locktable.Table
	logger    *zap.Logger

	now  func() time.Time
	roll func(n int) int
}

// New 创建调度器，冷却锁表由实例独占。
func New(deps Deps, cfg config.DispatcherConfig, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Store == nil || deps.Stack == nil || deps.Accounts == nil || deps.Transport == nil {
		return nil, fmt.Errorf("dispatch: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HungAfter <= 0 {
		cfg.HungAfter = 600 * time.Second
	}
	if cfg.HungScanOneIn <= 0 {
		cfg.HungScanOneIn = 10
	}
	return &Dispatcher{
		store:     deps.Store,
		stack:     deps.Stack,
		accounts:  deps.Accounts,
		transport: deps.Transport,
		monitor:   deps.Monitor,
		metrics:   deps.Metrics,
		cfg:       cfg,
		locks:     locktable.New(),
		logger:    logger,
		now:       time.Now,
		roll:      rand.IntN,
	}, nil
}

// SetClock 替换时钟，同时作用于冷却锁表。
func (d *Dispatcher) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	d.now = now
	d.locks.SetClock(now)
}

// SetRoll 替换挂起扫描的随机源，roll(n) 返回 [0,n) 内的整数。
func (d *Dispatcher) SetRoll(roll func(n int) int) {
	if roll != nil {
		d.roll = roll
	}
}

// Pass 执行一轮调度，返回实际发送的请求数。
// 单条请求的交易所失败记录在请求上，只有存储错误会中断本轮。
func (d *Dispatcher) Pass(ctx context.Context) (int, error) {
	started := d.now()
	defer func() { d.metrics.ObservePass("dispatcher", d.now().Sub(started)) }()

	if d.roll(d.cfg.HungScanOneIn) == 0 {
		if err := d.failHung(ctx); err != nil {
			return 0, err
		}
	}

	entries, err := d.stack.GetWaiting(ctx, d.store.DB(), d.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	sent := 0
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		key := e.Credential.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if d.locks.Locked(key) {
			continue
		}
		ok, err := d.dispatch(ctx, e)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) failHung(ctx context.Context) error {
	n, err := d.stack.FailHung(ctx, d.store.DB(), d.now().Add(-d.cfg.HungAfter))
	if err != nil {
		return err
	}
	d.metrics.AddHung(n)
	return nil
}

// outcome 为一次请求的落库结果。
type outcome struct {
	status requeststack.Status
	code   requeststack.Code
	msg    string
	resp   execution.Response
}

func (o outcome) failed() bool { return o.status == requeststack.StatusFailed }

// dispatch 认领并发送一条请求，返回是否调用了交易所。
func (d *Dispatcher) dispatch(ctx context.Context, e requeststack.Entry) (bool, error) {
	if err := e.Validate(); err != nil {
		d.logger.Warn("请求字段不完整，直接置为失败", zap.Int64("id", e.ID), zap.Error(err))
		return false, d.store.WithTx(ctx, func(tx *sql.Tx) error {
			return d.stack.UpdateStatus(ctx, tx, e.ID, requeststack.StatusFailed, requeststack.CodeInvalidEntry, apperr.Message(err))
		})
	}

	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		return d.stack.Claim(ctx, tx, e.ID)
	})
	if errors.Is(err, requeststack.ErrNotWaiting) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	key := e.Credential.String()
	d.locks.Lock(key, d.cfg.CredentialCooldown)

	logger := d.logger.With(
		zap.String("str_id", e.StrID),
		zap.String("operation", e.Operation),
		zap.String("credential", key),
	)

	cred, err := d.accounts.GetCredential(ctx, d.store.DB(), e.Credential)
	if err == nil {
		err = cred.CheckUsable(e.Mode())
	}
	if err != nil {
		logger.Warn("凭证不可用，请求未发送", zap.Error(err))
		out := outcome{status: requeststack.StatusFailed, code: unusableCode(err), msg: apperr.Message(err)}
		return false, d.persist(ctx, e, out, false, 0)
	}

	started := d.now()
	resp, err := d.transport.Do(ctx, cred, e)
	elapsed := d.now().Sub(started)
	out := classify(resp, err)
	if out.failed() {
		logger.Warn("交易所请求失败", zap.String("code", string(out.code)), zap.String("message", out.msg))
	} else {
		logger.Debug("交易所请求完成", zap.Int("status", resp.StatusCode), zap.Duration("elapsed", elapsed))
	}
	if err := d.persist(ctx, e, out, true, elapsed); err != nil {
		logger.Error("写回请求结果失败，等待挂起扫描处理", zap.Error(err))
		return true, err
	}
	return true, nil
}

// persist 在一个事务内写入请求状态、响应与凭证计数。counted 为 false 表示请求未发出，不计入凭证统计。
// 请求已不在发送中时整个事务回滚，迟到的结果被丢弃。
func (d *Dispatcher) persist(ctx context.Context, e requeststack.Entry, out outcome, counted bool, elapsed time.Duration) error {
	var killed bool
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.stack.Complete(ctx, tx, e.ID, out.status, out.code, out.msg); err != nil {
			return err
		}
		if out.resp.StatusCode != 0 || len(out.resp.Body) > 0 {
			if err := d.stack.SetResponse(ctx, tx, e.ID, out.resp.StatusCode, out.resp.Headers, out.resp.Body); err != nil {
				return err
			}
		}
		if counted {
			var err error
			killed, err = d.accounts.RecordRequest(ctx, tx, e.Credential, out.failed(), d.now(), d.cfg.MaxFailedInRow)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, requeststack.ErrNotRequesting) {
		d.logger.Warn("请求已被终结，丢弃迟到的结果",
			zap.String("str_id", e.StrID),
			zap.String("status", string(out.status)),
			zap.String("code", string(out.code)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: 写回请求 %s 失败: %w", e.StrID, err)
	}

	if killed {
		d.metrics.CredentialDead()
	}
	d.metrics.ObserveRequest(e.Operation, string(out.status), elapsed)
	d.monitor.RecordRequest(ctx, monitor.RequestPayload{
		StrID:        e.StrID,
		Credential:   e.Credential.String(),
		Operation:    e.Operation,
		Status:       string(out.status),
		Code:         string(out.code),
		ResponseCode: out.resp.StatusCode,
		LatencyMS:    elapsed.Milliseconds(),
	})
	return nil
}

// unusableCode 保留凭证不可用的具体原因，供子订单记录对应的失败码。
func unusableCode(err error) requeststack.Code {
	switch apperr.CodeOf(err) {
	case apperr.CodeUnaliveCredential:
		return requeststack.CodeUnaliveCredential
	case apperr.CodeInactiveUser:
		return requeststack.CodeInactiveUser
	default:
		return requeststack.CodeCredentialRejected
	}
}

// classify 把传输结果映射为请求状态：未得到答复为传输失败，401 为凭证被拒，其余非 2xx 为交易所错误。
func classify(resp execution.Response, err error) outcome {
	if err != nil {
		return outcome{status: requeststack.StatusFailed, code: requeststack.CodeTransportError, msg: err.Error()}
	}
	out := outcome{resp: resp}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		out.status, out.code = requeststack.StatusFailed, requeststack.CodeCredentialRejected
	case resp.StatusCode >= http.StatusBadRequest || resp.StatusCode == 0:
		out.status, out.code = requeststack.StatusFailed, requeststack.CodeExchangeError
	default:
		out.status, out.code = requeststack.StatusSuccess, requeststack.CodeOK
		return out
	}
	out.msg = errorMessage(resp)
	return out
}

func errorMessage(resp execution.Response) string {
	var env exchange.Envelope
	if err := json.Unmarshal(resp.Body, &env); err == nil && env.Error != nil {
		return env.Error.Type + ": " + env.Error.Message
	}
	return fmt.Sprintf("交易所返回状态码 %d", resp.StatusCode)
}
