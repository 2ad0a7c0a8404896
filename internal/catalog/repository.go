package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trades-exec/internal/store"
)

// Repository 管理币种、交易对与交易所目录。
type Repository struct {
	db *sql.DB
}

// NewRepository 创建目录仓储并初始化表结构。
func NewRepository(s *store.Store) (*Repository, error) {
	if s == nil {
		return nil, fmt.Errorf("catalog: store 不能为空")
	}
	r := &Repository{db: s.DB()}
	if err := store.InitSchema(r.db, "catalog", schema); err != nil {
		return nil, err
	}
	return r, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS currencies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		usd_rate TEXT NOT NULL DEFAULT '0',
		enabled INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS currency_pairs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL UNIQUE,
		base_currency_id INTEGER NOT NULL REFERENCES currencies(id),
		quote_currency_id INTEGER NOT NULL REFERENCES currencies(id),
		enabled INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS currency_pair_settings (
		currency_pair_id INTEGER PRIMARY KEY REFERENCES currency_pairs(id),
		per_account_orders_count INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS exchange_pairs (
		exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
		currency_pair_id INTEGER NOT NULL REFERENCES currency_pairs(id),
		order_amount_min TEXT NOT NULL DEFAULT '0',
		order_amount_max TEXT NOT NULL DEFAULT '0',
		enabled INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (exchange_id, currency_pair_id)
	);`,
}

// CreateCurrency 新增币种。
func (r *Repository) CreateCurrency(ctx context.Context, q store.Querier, code string, usdRate decimal.Decimal) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO currencies (code, usd_rate, enabled) VALUES (?, ?, 1)`,
		strings.ToUpper(code), usdRate.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: 写入币种失败: %w", err)
	}
	return res.LastInsertId()
}

// SetUSDRate 更新币种美元汇率。
func (r *Repository) SetUSDRate(ctx context.Context, q store.Querier, code string, usdRate decimal.Decimal) error {
	res, err := q.ExecContext(ctx,
		`UPDATE currencies SET usd_rate = ? WHERE code = ?`,
		usdRate.String(), strings.ToUpper(code),
	)
	if err != nil {
		return fmt.Errorf("catalog: 更新汇率失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCurrencyByCode 按代码查询币种。
func (r *Repository) GetCurrencyByCode(ctx context.Context, q store.Querier, code string) (Currency, error) {
	var c Currency
	err := q.QueryRowContext(ctx,
		`SELECT id, code, usd_rate, enabled FROM currencies WHERE code = ?`, strings.ToUpper(code),
	).Scan(&c.ID, &c.Code, &c.USDRate, &c.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("catalog: 查询币种失败: %w", err)
	}
	return c, nil
}

// CreatePair 新增交易对及其拆单设置。
func (r *Repository) CreatePair(ctx context.Context, q store.Querier, symbol string, baseID, quoteID int64, perAccountOrders int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO currency_pairs (symbol, base_currency_id, quote_currency_id, enabled) VALUES (?, ?, ?, 1)`,
		symbol, baseID, quoteID,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: 写入交易对失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: 读取交易对 id 失败: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO currency_pair_settings (currency_pair_id, per_account_orders_count) VALUES (?, ?)`,
		id, perAccountOrders,
	); err != nil {
		return 0, fmt.Errorf("catalog: 写入交易对设置失败: %w", err)
	}
	return id, nil
}

// GetPair 查询交易对及两侧币种。设置缺失时 PerAccountOrdersCount 为零。
func (r *Repository) GetPair(ctx context.Context, q store.Querier, id int64) (Pair, error) {
	var (
		p        Pair
		perCount sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
SELECT p.id, p.symbol, p.enabled,
       b.id, b.code, b.usd_rate, b.enabled,
       c.id, c.code, c.usd_rate, c.enabled,
       s.per_account_orders_count
FROM currency_pairs p
JOIN currencies b ON b.id = p.base_currency_id
JOIN currencies c ON c.id = p.quote_currency_id
LEFT JOIN currency_pair_settings s ON s.currency_pair_id = p.id
WHERE p.id = ?`, id).Scan(
		&p.ID, &p.Symbol, &p.Enabled,
		&p.Base.ID, &p.Base.Code, &p.Base.USDRate, &p.Base.Enabled,
		&p.Quote.ID, &p.Quote.Code, &p.Quote.USDRate, &p.Quote.Enabled,
		&perCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("catalog: 查询交易对失败: %w", err)
	}
	p.Settings.PerAccountOrdersCount = perCount.Int64
	return p, nil
}

// CreateExchange 新增交易所。
func (r *Repository) CreateExchange(ctx context.Context, q store.Querier, code, name string) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO exchanges (code, name, enabled) VALUES (?, ?, 1)`,
		strings.ToLower(code), name,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: 写入交易所失败: %w", err)
	}
	return res.LastInsertId()
}

// SetExchangeEnabled 启用或停用交易所。
func (r *Repository) SetExchangeEnabled(ctx context.Context, q store.Querier, id int64, enabled bool) error {
	if _, err := q.ExecContext(ctx, `UPDATE exchanges SET enabled = ? WHERE id = ?`, enabled, id); err != nil {
		return fmt.Errorf("catalog: 更新交易所状态失败: %w", err)
	}
	return nil
}

// GetExchange 查询交易所。
func (r *Repository) GetExchange(ctx context.Context, q store.Querier, id int64) (Exchange, error) {
	var e Exchange
	err := q.QueryRowContext(ctx,
		`SELECT id, code, name, enabled FROM exchanges WHERE id = ?`, id,
	).Scan(&e.ID, &e.Code, &e.Name, &e.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("catalog: 查询交易所失败: %w", err)
	}
	return e, nil
}

// SetExchangePair 写入或覆盖交易对在交易所上的下单约束。
func (r *Repository) SetExchangePair(ctx context.Context, q store.Querier, ep ExchangePair) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO exchange_pairs (exchange_id, currency_pair_id, order_amount_min, order_amount_max, enabled)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(exchange_id, currency_pair_id) DO UPDATE SET
	order_amount_min = excluded.order_amount_min,
	order_amount_max = excluded.order_amount_max,
	enabled = excluded.enabled`,
		ep.ExchangeID, ep.PairID, ep.OrderAmountMin.String(), ep.OrderAmountMax.String(), ep.Enabled,
	)
	if err != nil {
		return fmt.Errorf("catalog: 写入交易所交易对失败: %w", err)
	}
	return nil
}

// GetExchangePair 查询启用中的交易所交易对。
func (r *Repository) GetExchangePair(ctx context.Context, q store.Querier, exchangeID, pairID int64) (ExchangePair, error) {
	ep := ExchangePair{ExchangeID: exchangeID, PairID: pairID}
	err := q.QueryRowContext(ctx, `
SELECT order_amount_min, order_amount_max, enabled
FROM exchange_pairs WHERE exchange_id = ? AND currency_pair_id = ?`,
		exchangeID, pairID,
	).Scan(&ep.OrderAmountMin, &ep.OrderAmountMax, &ep.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return ep, ErrNotFound
	}
	if err != nil {
		return ep, fmt.Errorf("catalog: 查询交易所交易对失败: %w", err)
	}
	return ep, nil
}

// TradeablePairsCount 返回交易所上启用且交易对本身启用的数量。
func (r *Repository) TradeablePairsCount(ctx context.Context, q store.Querier, exchangeID int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
SELECT COUNT(*) FROM exchange_pairs ep
JOIN currency_pairs p ON p.id = ep.currency_pair_id
WHERE ep.exchange_id = ? AND ep.enabled = 1 AND p.enabled = 1`, exchangeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: 统计可交易交易对失败: %w", err)
	}
	return n, nil
}

// ListCurrencies 返回全部币种。
func (r *Repository) ListCurrencies(ctx context.Context, q store.Querier) ([]Currency, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, code, usd_rate, enabled FROM currencies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: 查询币种失败: %w", err)
	}
	defer rows.Close()

	var out []Currency
	for rows.Next() {
		var c Currency
		if err := rows.Scan(&c.ID, &c.Code, &c.USDRate, &c.Enabled); err != nil {
			return nil, fmt.Errorf("catalog: 解析币种失败: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: 读取币种失败: %w", err)
	}
	return out, nil
}
