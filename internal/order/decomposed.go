package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/store"
)

const decomposedColumns = `id, order_id, type, exchange_id, currency_pair_id, system_credential_id, user_credential_id,
	credential_hash, exchange_order_id, amount, remain, price, price_avg_exec, fee, side, exec, share,
	status, status_code, status_message, request_str_id, request_group_str_id,
	replace_decomposed_id, cancel_decomposed_id, enabled, created_at, updated_at`

func scanDecomposed(row scanner) (Decomposed, error) {
	var (
		d                Decomposed
		sysID, userID    sql.NullInt64
		replaceID        sql.NullInt64
		cancelID         sql.NullInt64
		created, updated string
	)
	err := row.Scan(
		&d.ID, &d.OrderID, &d.Type, &d.ExchangeID, &d.CurrencyPairID, &sysID, &userID,
		&d.CredentialHash, &d.ExchangeOrderID, &d.Amount, &d.Remain, &d.Price, &d.PriceAvgExec, &d.Fee, &d.Side, &d.Exec, &d.Share,
		&d.Status, &d.StatusCode, &d.StatusMessage, &d.RequestStrID, &d.RequestGroupStrID,
		&replaceID, &cancelID, &d.Enabled, &created, &updated,
	)
	if err != nil {
		return d, err
	}
	if d.Credential, err = account.RefFromColumns(sysID, userID); err != nil {
		return d, err
	}
	d.ReplaceDecomposedID = replaceID.Int64
	d.CancelDecomposedID = cancelID.Int64
	if d.CreatedAt, err = store.ParseTime(created); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return d, err
	}
	return d, nil
}

// InsertDecomposed 批量写入子订单，状态由调用方给定，返回写入后的 id。
func (r *Repository) InsertDecomposed(ctx context.Context, q store.Querier, items []Decomposed) ([]int64, error) {
	ids := make([]int64, 0, len(items))
	ts := store.FormatTime(r.now())
	for i := range items {
		d := items[i]
		if d.Status == "" {
			d.Status = StatusNew
			d.StatusCode = CodeNew
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		sysID, userID := d.Credential.Columns()
		res, err := q.ExecContext(ctx, `
INSERT INTO decomposed_orders (order_id, type, exchange_id, currency_pair_id, system_credential_id, user_credential_id,
	credential_hash, exchange_order_id, amount, remain, price, side, exec, share, status, status_code, status_message,
	request_str_id, request_group_str_id, replace_decomposed_id, cancel_decomposed_id, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			d.OrderID, string(d.Type), d.ExchangeID, d.CurrencyPairID, sysID, userID,
			d.CredentialHash, d.ExchangeOrderID, d.Amount.String(), d.Remain.String(), d.Price.String(),
			string(d.Side), string(d.Exec), d.Share.String(), string(d.Status), string(d.StatusCode), d.StatusMessage,
			d.RequestStrID, d.RequestGroupStrID, nullID(d.ReplaceDecomposedID), nullID(d.CancelDecomposedID), ts, ts,
		)
		if err != nil {
			return nil, fmt.Errorf("order: 写入子订单失败: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("order: 读取子订单 id 失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetDecomposed 查询单个子订单。
func (r *Repository) GetDecomposed(ctx context.Context, q store.Querier, id int64) (Decomposed, error) {
	row := q.QueryRowContext(ctx, `SELECT `+decomposedColumns+` FROM decomposed_orders WHERE id = ?`, id)
	d, err := scanDecomposed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("order: 查询子订单失败: %w", err)
	}
	return d, nil
}

// GetDecomposedByOrderID 返回订单的子订单，按 id 升序。
func (r *Repository) GetDecomposedByOrderID(ctx context.Context, q store.Querier, orderID int64, enabledOnly bool) ([]Decomposed, error) {
	query := `SELECT ` + decomposedColumns + ` FROM decomposed_orders WHERE order_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: 查询子订单失败: %w", err)
	}
	defer rows.Close()

	var out []Decomposed
	for rows.Next() {
		d, err := scanDecomposed(rows)
		if err != nil {
			return nil, fmt.Errorf("order: 解析子订单失败: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: 读取子订单失败: %w", err)
	}
	return out, nil
}

// CountDecomposed 返回订单的子订单总数与仍处于 NEW 状态的数量。
func (r *Repository) CountDecomposed(ctx context.Context, q store.Querier, orderID int64) (total, pending int64, err error) {
	err = q.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
FROM decomposed_orders WHERE order_id = ?`, string(StatusNew), orderID,
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("order: 统计子订单失败: %w", err)
	}
	return total, pending, nil
}

// UpdateDecomposedStatus 更新子订单状态。
func (r *Repository) UpdateDecomposedStatus(ctx context.Context, q store.Querier, id int64, status Status, code StatusCode, msg string) error {
	return r.exec(ctx, q, "更新子订单状态",
		`UPDATE decomposed_orders SET status = ?, status_code = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), string(code), msg, store.FormatTime(r.now()), id,
	)
}

// UpdateDecomposedFinancials 更新子订单剩余数量、成交均价与手续费。
func (r *Repository) UpdateDecomposedFinancials(ctx context.Context, q store.Querier, id int64, remain, priceAvgExec, fee decimal.Decimal) error {
	return r.exec(ctx, q, "更新子订单成交信息",
		`UPDATE decomposed_orders SET remain = ?, price_avg_exec = ?, fee = ?, updated_at = ? WHERE id = ?`,
		remain.String(), priceAvgExec.String(), fee.String(), store.FormatTime(r.now()), id,
	)
}

// SetExchangeOrderID 写入交易所订单号。
func (r *Repository) SetExchangeOrderID(ctx context.Context, q store.Querier, id int64, exchangeOrderID string) error {
	return r.exec(ctx, q, "写入交易所订单号",
		`UPDATE decomposed_orders SET exchange_order_id = ?, updated_at = ? WHERE id = ?`,
		exchangeOrderID, store.FormatTime(r.now()), id,
	)
}

// SetRequestIDs 写入子订单当前请求的关联 id。
func (r *Repository) SetRequestIDs(ctx context.Context, q store.Querier, id int64, strID, groupStrID string) error {
	return r.exec(ctx, q, "写入请求关联 id",
		`UPDATE decomposed_orders SET request_str_id = ?, request_group_str_id = ?, updated_at = ? WHERE id = ?`,
		strID, groupStrID, store.FormatTime(r.now()), id,
	)
}

// DisableDecomposed 软停用子订单。
func (r *Repository) DisableDecomposed(ctx context.Context, q store.Querier, id int64) error {
	return r.exec(ctx, q, "停用子订单",
		`UPDATE decomposed_orders SET enabled = 0, updated_at = ? WHERE id = ?`, store.FormatTime(r.now()), id,
	)
}

// DisableInFlight 停用订单下仍未终结的子订单，返回它们使用的请求组 id（去重，不含空值）。
func (r *Repository) DisableInFlight(ctx context.Context, q store.Querier, orderID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT DISTINCT request_group_str_id FROM decomposed_orders
WHERE order_id = ? AND enabled = 1 AND status IN (?, ?) AND request_group_str_id <> ''`,
		orderID, string(StatusNew), string(StatusDoing),
	)
	if err != nil {
		return nil, fmt.Errorf("order: 查询进行中子订单失败: %w", err)
	}
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("order: 解析请求组失败: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("order: 读取请求组失败: %w", err)
	}
	_ = rows.Close()

	if _, err := q.ExecContext(ctx, `
UPDATE decomposed_orders SET enabled = 0, updated_at = ?
WHERE order_id = ? AND enabled = 1 AND status IN (?, ?)`,
		store.FormatTime(r.now()), orderID, string(StatusNew), string(StatusDoing),
	); err != nil {
		return nil, fmt.Errorf("order: 停用进行中子订单失败: %w", err)
	}
	return groups, nil
}
