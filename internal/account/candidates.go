package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trades-exec/internal/store"
)

// LoadCandidates 加载某类凭证在指定交易所上的全部候选账户及其在 currencyID 上的美元余额。
// snapshotID 大于0时余额取自快照；交易与持仓分量分别加载。
func (r *Registry) LoadCandidates(ctx context.Context, q store.Querier, kind Kind, exchangeID, currencyID, snapshotID int64) ([]Candidate, error) {
	creds, err := r.ListCredentials(ctx, q, kind, exchangeID, false)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}

	trading, err := r.loadComponent(ctx, q, kind, exchangeID, currencyID, snapshotID, ComponentTrading)
	if err != nil {
		return nil, err
	}
	position, err := r.loadComponent(ctx, q, kind, exchangeID, currencyID, snapshotID, ComponentPosition)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(creds))
	for _, c := range creds {
		out = append(out, Candidate{
			Credential: c,
			Balance: Balance{
				TradingUSD:  valueOrZero(trading, c.Ref.ID),
				PositionUSD: valueOrZero(position, c.Ref.ID),
			},
		})
	}
	return out, nil
}

func valueOrZero(m map[int64]decimal.Decimal, id int64) decimal.Decimal {
	if v, ok := m[id]; ok {
		return v
	}
	return decimal.Zero
}

func (r *Registry) loadComponent(ctx context.Context, q store.Querier, kind Kind, exchangeID, currencyID, snapshotID int64, component Component) (map[int64]decimal.Decimal, error) {
	spec, err := specOf(kind)
	if err != nil {
		return nil, err
	}
	if component != ComponentTrading && component != ComponentPosition {
		return nil, fmt.Errorf("account: 未知余额分量 %q", component)
	}

	var (
		query string
		args  []interface{}
	)
	if snapshotID > 0 {
		query = fmt.Sprintf(`
SELECT s.credential_id, s.%s FROM balance_snapshot_rows s
JOIN %s c ON c.id = s.credential_id
WHERE s.snapshot_id = ? AND s.kind = ? AND s.currency_id = ? AND c.exchange_id = ?`, component, spec.credentials)
		args = []interface{}{snapshotID, string(kind), currencyID, exchangeID}
	} else {
		query = fmt.Sprintf(`
SELECT b.credential_id, b.%s FROM %s b
JOIN %s c ON c.id = b.credential_id
WHERE b.currency_id = ? AND c.exchange_id = ?`, component, spec.balances, spec.credentials)
		args = []interface{}{currencyID, exchangeID}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("account: 查询余额失败: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			id    int64
			value decimal.Decimal
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("account: 解析余额失败: %w", err)
		}
		out[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: 读取余额失败: %w", err)
	}
	return out, nil
}

// CreateSnapshot 将当前全部余额与币种汇率固化为快照，需在事务内调用以保证一致。
func (r *Registry) CreateSnapshot(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO balance_snapshots (created_at) VALUES (?)`, store.FormatTime(r.now()))
	if err != nil {
		return 0, fmt.Errorf("account: 创建快照失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("account: 读取快照 id 失败: %w", err)
	}

	for _, kind := range Kinds {
		spec := kindSpecs[kind]
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO balance_snapshot_rows (snapshot_id, kind, credential_id, currency_id, trading_usd, position_usd)
SELECT ?, ?, credential_id, currency_id, trading_usd, position_usd FROM %s`, spec.balances),
			id, string(kind),
		); err != nil {
			return 0, fmt.Errorf("account: 固化 %s 余额失败: %w", kind, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO balance_snapshot_rates (snapshot_id, currency_id, usd_rate)
SELECT ?, id, usd_rate FROM currencies`, id); err != nil {
		return 0, fmt.Errorf("account: 固化汇率失败: %w", err)
	}

	return id, nil
}

// SnapshotRate 返回快照中的币种汇率。
func (r *Registry) SnapshotRate(ctx context.Context, q store.Querier, snapshotID, currencyID int64) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := q.QueryRowContext(ctx,
		`SELECT usd_rate FROM balance_snapshot_rates WHERE snapshot_id = ? AND currency_id = ?`,
		snapshotID, currencyID,
	).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return rate, ErrNotFound
	}
	if err != nil {
		return rate, fmt.Errorf("account: 查询快照汇率失败: %w", err)
	}
	return rate, nil
}
