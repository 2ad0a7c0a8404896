// Package balance 通过请求队列定期刷新凭证余额，并借余额查询复活失效凭证。
package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
	"trades-exec/internal/fixed"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为余额同步依赖。
type Deps struct {
	Store    *store.Store
	Accounts *account.Registry
	Catalog  *catalog.Repository
	Stack    *requeststack.Stack
	Adapters *exchange.Registry
	Monitor  *monitor.Service
	Metrics  *metrics.Metrics
}

// pending 为已入队、尚未消费的余额查询。
type pending struct {
	ref     account.Ref
	strID   string
	enliven bool
	since   time.Time
}

// Syncer 每轮先消费已返回的余额查询，到达间隔后再为每个启用凭证入队新的查询。
type Syncer struct {
	store    *store.Store
	accounts *account.Registry
	catalog  *catalog.Repository
	stack    *requeststack.Stack
	adapters *exchange.Registry
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	cfg      config.BalancesConfig
	logger   *zap.Logger

	pending   map[string]pending
	lastRound time.Time
	now       func() time.Time
}

// New 创建余额同步器。
func New(deps Deps, cfg config.BalancesConfig, logger *zap.Logger) (*Syncer, error) {
	if deps.Store == nil || deps.Accounts == nil || deps.Catalog == nil || deps.Stack == nil || deps.Adapters == nil {
		return nil, fmt.Errorf("balance: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Syncer{
		store:    deps.Store,
		accounts: deps.Accounts,
		catalog:  deps.Catalog,
		stack:    deps.Stack,
		adapters: deps.Adapters,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]pending),
		now:      time.Now,
	}, nil
}

// SetClock 替换时钟，仅用于测试。
func (s *Syncer) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Pending 返回尚未消费的查询数。
func (s *Syncer) Pending() int {
	return len(s.pending)
}

// Pass 执行一轮同步。
func (s *Syncer) Pass(ctx context.Context) error {
	started := s.now()
	defer func() { s.metrics.ObservePass("balances", s.now().Sub(started)) }()

	if err := s.collect(ctx); err != nil {
		return err
	}
	if !s.lastRound.IsZero() && s.now().Sub(s.lastRound) < s.cfg.Interval {
		return nil
	}
	if err := s.enqueueAll(ctx); err != nil {
		return err
	}
	s.lastRound = s.now()
	return nil
}

func (s *Syncer) collect(ctx context.Context) error {
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	db := s.store.DB()
	for _, key := range keys {
		p := s.pending[key]
		lookup, err := s.stack.GetAndValidateUnprocessedByStrID(ctx, db, p.strID)
		if errors.Is(err, requeststack.ErrNotFound) {
			delete(s.pending, key)
			continue
		}
		if err != nil {
			return fmt.Errorf("balance: 查询余额请求 %s 失败: %w", p.strID, err)
		}

		switch lookup.State {
		case requeststack.StateInProgress:
			if s.now().Sub(p.since) < s.cfg.StaleAfter {
				continue
			}
			if err := s.stack.DisableByStrID(ctx, db, p.strID); err != nil {
				return err
			}
			s.logger.Warn("余额查询长时间未返回，已放弃", zap.String("credential", key), zap.String("str_id", p.strID))
			s.metrics.BalanceSynced("stale")
		case requeststack.StateReady:
			if err := s.consume(ctx, p, lookup.Entry); err != nil {
				return err
			}
		}
		delete(s.pending, key)
	}
	return nil
}

// consume 消费一条余额响应：写入各币种美元余额，复活请求成功时恢复凭证存活。
func (s *Syncer) consume(ctx context.Context, p pending, e requeststack.Entry) error {
	logger := s.logger.With(zap.String("credential", p.ref.String()), zap.String("str_id", e.StrID))

	if !e.Succeeded() {
		logger.Warn("余额查询失败", zap.String("code", string(e.StatusCode)), zap.String("message", e.StatusMessage))
		s.metrics.BalanceSynced("failed")
		return s.markProcessed(ctx, e, nil)
	}

	adapter, err := s.adapterFor(ctx, e.ExchangeID)
	if err != nil {
		return err
	}
	bal, err := adapter.ParseGetBalances(e.ResponseCode, e.ResponseBody)
	if apperr.Is(err, apperr.CodeAdapter) {
		logger.Warn("余额响应无法解析", zap.Error(err))
		s.metrics.BalanceSynced("failed")
		return s.markProcessed(ctx, e, nil)
	}
	if err != nil {
		return err
	}

	currencies, err := s.catalog.ListCurrencies(ctx, s.store.DB())
	if err != nil {
		return err
	}
	written := 0
	err = s.markProcessed(ctx, e, func(tx *sql.Tx) error {
		for _, c := range currencies {
			if !c.Enabled {
				continue
			}
			b := usdBalance(bal, c)
			if err := s.accounts.SetBalance(ctx, tx, p.ref, c.ID, b); err != nil {
				return err
			}
			written++
		}
		if p.enliven {
			return s.accounts.SetAlive(ctx, tx, p.ref, true)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if p.enliven {
		logger.Info("凭证已复活")
	}
	logger.Debug("余额已刷新", zap.Int("currencies", written))
	s.metrics.BalanceSynced("ok")
	s.monitor.RecordBalanceSync(ctx, monitor.BalanceSyncPayload{
		Credential: p.ref.String(),
		Currencies: written,
		Revived:    p.enliven,
	})
	return nil
}

// usdBalance 按币种汇率折算：交易分量取可用余额，持仓分量取总余额。
func usdBalance(bal exchange.Balances, c catalog.Currency) account.Balance {
	return account.Balance{
		TradingUSD:  fixed.FloorMul(valueOf(bal.Free, c.Code), c.USDRate),
		PositionUSD: fixed.FloorMul(valueOf(bal.Total, c.Code), c.USDRate),
	}
}

func valueOf(m map[string]decimal.Decimal, code string) decimal.Decimal {
	if v, ok := m[code]; ok {
		return v
	}
	return decimal.Zero
}

// markProcessed 在一个事务内标记请求已消费并执行 fn。请求已被他处消费时不做任何事。
func (s *Syncer) markProcessed(ctx context.Context, e requeststack.Entry, fn func(tx *sql.Tx) error) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.stack.SetProcessedByRequester(ctx, tx, e.ID); err != nil {
			return err
		}
		if fn == nil {
			return nil
		}
		return fn(tx)
	})
	if errors.Is(err, requeststack.ErrAlreadyProcessed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("balance: 消费余额请求 %s 失败: %w", e.StrID, err)
	}
	return nil
}

func (s *Syncer) enqueueAll(ctx context.Context) error {
	db := s.store.DB()
	queued := 0
	for _, kind := range account.Kinds {
		creds, err := s.accounts.ListCredentials(ctx, db, kind, 0, true)
		if err != nil {
			return err
		}
		for _, cred := range creds {
			key := cred.Ref.String()
			if _, ok := s.pending[key]; ok {
				continue
			}
			enliven := !cred.Alive
			mode := account.ModeNormal
			if enliven {
				mode = account.ModeEnliven
			}
			if err := cred.CheckUsable(mode); err != nil {
				continue
			}
			ok, err := s.enqueue(ctx, cred, enliven)
			if err != nil {
				return err
			}
			if ok {
				queued++
			}
		}
	}
	if queued > 0 {
		s.logger.Info("余额查询已入队", zap.Int("count", queued))
	}
	return nil
}

func (s *Syncer) enqueue(ctx context.Context, cred account.Credential, enliven bool) (bool, error) {
	ex, err := s.catalog.GetExchange(ctx, s.store.DB(), cred.ExchangeID)
	if err != nil {
		return false, fmt.Errorf("balance: 读取交易所 %d 失败: %w", cred.ExchangeID, err)
	}
	if !ex.Enabled {
		return false, nil
	}
	adapter, err := s.adapters.Get(ex.Code)
	if err != nil {
		s.logger.Debug("交易所未启用适配器，跳过余额同步", zap.String("exchange", ex.Code))
		return false, nil
	}
	req, err := adapter.BuildGetBalances()
	if err != nil {
		return false, err
	}
	e := requeststack.Entry{
		StrID:      requeststack.NewStrID(),
		GroupStrID: requeststack.NewGroupStrID(),
		Credential: cred.Ref,
		ExchangeID: cred.ExchangeID,
		Operation:  string(req.Operation),
		Method:     req.Method,
		URL:        req.URL,
		Headers:    req.Headers,
		Body:       req.Data,
		Nonce:      req.Nonce,
		IsEnliven:  enliven,
	}
	if _, err := s.stack.Enqueue(ctx, s.store, e); err != nil {
		return false, err
	}
	s.pending[cred.Ref.String()] = pending{ref: cred.Ref, strID: e.StrID, enliven: enliven, since: s.now()}
	return true, nil
}

func (s *Syncer) adapterFor(ctx context.Context, exchangeID int64) (exchange.Adapter, error) {
	ex, err := s.catalog.GetExchange(ctx, s.store.DB(), exchangeID)
	if err != nil {
		return nil, fmt.Errorf("balance: 读取交易所 %d 失败: %w", exchangeID, err)
	}
	return s.adapters.Get(ex.Code)
}
