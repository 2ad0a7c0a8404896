package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-exec/internal/store"
)

// Repository 管理父订单与子订单。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository 创建订单仓储并初始化表结构。
func NewRepository(s *store.Store, logger *zap.Logger) (*Repository, error) {
	if s == nil {
		return nil, fmt.Errorf("order: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{db: s.DB(), logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := store.InitSchema(r.db, "order", schema); err != nil {
		return nil, err
	}
	return r, nil
}

// SetClock 替换时间来源，测试使用。
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		complexity TEXT NOT NULL,
		currency_pair_id INTEGER NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		remain TEXT NOT NULL DEFAULT '0',
		price TEXT NOT NULL DEFAULT '0',
		price_avg_exec TEXT NOT NULL DEFAULT '0',
		fee TEXT NOT NULL DEFAULT '0',
		side TEXT NOT NULL,
		exec TEXT NOT NULL,
		status TEXT NOT NULL,
		status_code TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		approver_id INTEGER NOT NULL DEFAULT 0,
		replace_order_id INTEGER,
		cancel_order_id INTEGER,
		amount_multiplier TEXT NOT NULL DEFAULT '0',
		snapshot_id INTEGER,
		decomposed_total INTEGER NOT NULL DEFAULT 0,
		decomposed_doing INTEGER NOT NULL DEFAULT 0,
		decomposed_completed INTEGER NOT NULL DEFAULT 0,
		decomposed_rejected INTEGER NOT NULL DEFAULT 0,
		decomposed_failed INTEGER NOT NULL DEFAULT 0,
		decomposed_special INTEGER NOT NULL DEFAULT 0,
		available_in_usd_sum TEXT NOT NULL DEFAULT '0',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_code ON orders(status_code, enabled);`,
	`CREATE TABLE IF NOT EXISTS order_exchanges (
		order_id INTEGER NOT NULL REFERENCES orders(id),
		exchange_id INTEGER NOT NULL,
		PRIMARY KEY (order_id, exchange_id)
	);`,
	`CREATE TABLE IF NOT EXISTS decomposed_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		type TEXT NOT NULL,
		exchange_id INTEGER NOT NULL,
		currency_pair_id INTEGER NOT NULL,
		system_credential_id INTEGER,
		user_credential_id INTEGER,
		credential_hash TEXT NOT NULL DEFAULT '',
		exchange_order_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '0',
		remain TEXT NOT NULL DEFAULT '0',
		price TEXT NOT NULL DEFAULT '0',
		price_avg_exec TEXT NOT NULL DEFAULT '0',
		fee TEXT NOT NULL DEFAULT '0',
		side TEXT NOT NULL,
		exec TEXT NOT NULL,
		share TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		status_code TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		request_str_id TEXT NOT NULL DEFAULT '',
		request_group_str_id TEXT NOT NULL DEFAULT '',
		replace_decomposed_id INTEGER,
		cancel_decomposed_id INTEGER,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((system_credential_id IS NULL) <> (user_credential_id IS NULL))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_decomposed_order ON decomposed_orders(order_id);`,
}

const orderColumns = `id, group_id, type, complexity, currency_pair_id, amount, remain, price, price_avg_exec, fee,
	side, exec, status, status_code, status_message, approver_id, replace_order_id, cancel_order_id,
	amount_multiplier, snapshot_id, decomposed_total, decomposed_doing, decomposed_completed,
	decomposed_rejected, decomposed_failed, decomposed_special, available_in_usd_sum, enabled, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

func scanOrder(row scanner) (Order, error) {
	var (
		o                 Order
		replaceID, cancel sql.NullInt64
		snapshot          sql.NullInt64
		created, updated  string
	)
	err := row.Scan(
		&o.ID, &o.GroupID, &o.Type, &o.Complexity, &o.CurrencyPairID, &o.Amount, &o.Remain, &o.Price, &o.PriceAvgExec, &o.Fee,
		&o.Side, &o.Exec, &o.Status, &o.StatusCode, &o.StatusMessage, &o.ApproverID, &replaceID, &cancel,
		&o.AmountMultiplier, &snapshot, &o.Stats.DecomposedTotal, &o.Stats.Doing, &o.Stats.Completed,
		&o.Stats.Rejected, &o.Stats.Failed, &o.Stats.Special, &o.AvailableInUsdSum, &o.Enabled, &created, &updated,
	)
	if err != nil {
		return o, err
	}
	o.ReplaceOrderID = replaceID.Int64
	o.CancelOrderID = cancel.Int64
	o.SnapshotID = snapshot.Int64
	if o.CreatedAt, err = store.ParseTime(created); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return o, err
	}
	return o, nil
}

// Create 写入新订单及其可用交易所，状态固定为 NEW/NEW。
func (r *Repository) Create(ctx context.Context, q store.Querier, o *Order, exchangeIDs []int64) (int64, error) {
	if len(exchangeIDs) == 0 {
		return 0, fmt.Errorf("order: 至少需要一个交易所")
	}
	o.Status = StatusNew
	o.StatusCode = CodeNew
	o.Enabled = true
	if o.Type != TypeCancel && o.Complexity == ComplexityType1 {
		o.Remain = o.Amount
	}
	if err := o.Validate(); err != nil {
		return 0, err
	}

	now := r.now()
	ts := store.FormatTime(now)
	res, err := q.ExecContext(ctx, `
INSERT INTO orders (group_id, type, complexity, currency_pair_id, amount, remain, price, side, exec,
	status, status_code, approver_id, replace_order_id, cancel_order_id, amount_multiplier, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		o.GroupID, string(o.Type), string(o.Complexity), o.CurrencyPairID, o.Amount.String(), o.Remain.String(), o.Price.String(),
		string(o.Side), string(o.Exec), string(o.Status), string(o.StatusCode), o.ApproverID,
		nullID(o.ReplaceOrderID), nullID(o.CancelOrderID), o.AmountMultiplier.String(), ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("order: 写入订单失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("order: 读取订单 id 失败: %w", err)
	}
	for _, exID := range exchangeIDs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO order_exchanges (order_id, exchange_id) VALUES (?, ?)`, id, exID,
		); err != nil {
			return 0, fmt.Errorf("order: 写入订单交易所失败: %w", err)
		}
	}
	o.ID = id
	o.CreatedAt = now
	o.UpdatedAt = now
	return id, nil
}

// Get 查询订单。
func (r *Repository) Get(ctx context.Context, q store.Querier, id int64) (Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("order: 查询订单失败: %w", err)
	}
	return o, nil
}

// ExchangeIDs 返回订单允许使用的交易所。
func (r *Repository) ExchangeIDs(ctx context.Context, q store.Querier, orderID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT exchange_id FROM order_exchanges WHERE order_id = ? ORDER BY exchange_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: 查询订单交易所失败: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("order: 解析订单交易所失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: 读取订单交易所失败: %w", err)
	}
	return ids, nil
}

// GetActiveOrdersByStatusCodes 返回启用中且处于给定状态码的订单，按 id 升序。
func (r *Repository) GetActiveOrdersByStatusCodes(ctx context.Context, q store.Querier, codes []StatusCode, limit int) ([]Order, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(codes))
	args := make([]interface{}, 0, len(codes)+1)
	for i, c := range codes {
		placeholders[i] = "?"
		args = append(args, string(c))
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE enabled = 1 AND status_code IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order: 查询待处理订单失败: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order: 解析订单失败: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: 读取订单失败: %w", err)
	}
	return out, nil
}

// UpdateStatus 更新订单状态。
func (r *Repository) UpdateStatus(ctx context.Context, q store.Querier, id int64, status Status, code StatusCode, msg string) error {
	return r.exec(ctx, q, "更新订单状态",
		`UPDATE orders SET status = ?, status_code = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), string(code), msg, store.FormatTime(r.now()), id,
	)
}

// UpdateFinancials 更新剩余数量、成交均价与手续费。
func (r *Repository) UpdateFinancials(ctx context.Context, q store.Querier, id int64, remain, priceAvgExec, fee decimal.Decimal) error {
	return r.exec(ctx, q, "更新订单成交信息",
		`UPDATE orders SET remain = ?, price_avg_exec = ?, fee = ?, updated_at = ? WHERE id = ?`,
		remain.String(), priceAvgExec.String(), fee.String(), store.FormatTime(r.now()), id,
	)
}

// UpdateStats 覆盖子订单计数。
func (r *Repository) UpdateStats(ctx context.Context, q store.Querier, id int64, s Stats) error {
	return r.exec(ctx, q, "更新订单计数", `
UPDATE orders SET decomposed_total = ?, decomposed_doing = ?, decomposed_completed = ?,
	decomposed_rejected = ?, decomposed_failed = ?, decomposed_special = ?, updated_at = ? WHERE id = ?`,
		s.DecomposedTotal, s.Doing, s.Completed, s.Rejected, s.Failed, s.Special, store.FormatTime(r.now()), id,
	)
}

// SetDecomposition 固化拆单结果：可分配资金总额，以及 TYPE2 推导出的数量。
func (r *Repository) SetDecomposition(ctx context.Context, q store.Querier, id int64, amount, remain, availableInUsdSum decimal.Decimal) error {
	return r.exec(ctx, q, "写入拆单结果",
		`UPDATE orders SET amount = ?, remain = ?, available_in_usd_sum = ?, updated_at = ? WHERE id = ?`,
		amount.String(), remain.String(), availableInUsdSum.String(), store.FormatTime(r.now()), id,
	)
}

// SetSnapshot 记录订单使用的快照。
func (r *Repository) SetSnapshot(ctx context.Context, q store.Querier, id, snapshotID int64) error {
	return r.exec(ctx, q, "写入订单快照",
		`UPDATE orders SET snapshot_id = ?, updated_at = ? WHERE id = ?`,
		snapshotID, store.FormatTime(r.now()), id,
	)
}

// Disable 软停用订单。
func (r *Repository) Disable(ctx context.Context, q store.Querier, id int64) error {
	return r.exec(ctx, q, "停用订单",
		`UPDATE orders SET enabled = 0, updated_at = ? WHERE id = ?`, store.FormatTime(r.now()), id,
	)
}

// ResolveCancelTarget 在撤单订单终结后处理处于 CANCEL_WAIT 的目标订单。
// canceled 为 true 时目标标记为 REJECTED/CANCELED；否则目标及其仍在交易所的子订单回到 CREATED，
// 由检查器重新查询状态。目标不在 CANCEL_WAIT 时不修改任何数据并返回 false。
func (r *Repository) ResolveCancelTarget(ctx context.Context, q store.Querier, targetID int64, canceled bool, msg string) (bool, error) {
	ts := store.FormatTime(r.now())
	status, code := StatusDoing, CodeCreated
	if canceled {
		status, code = StatusRejected, CodeCanceled
	}
	res, err := q.ExecContext(ctx, `
UPDATE orders SET status = ?, status_code = ?, status_message = ?, updated_at = ?
WHERE id = ? AND status = ? AND status_code = ?`,
		string(status), string(code), msg, ts, targetID, string(StatusDoing), string(CodeCancelWait),
	)
	if err != nil {
		return false, fmt.Errorf("order: 处理撤单目标失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return false, err
	}
	if n == 0 || canceled {
		return n > 0, nil
	}
	if _, err := q.ExecContext(ctx, `
UPDATE decomposed_orders SET status_code = ?, status_message = ?, updated_at = ?
WHERE order_id = ? AND enabled = 1 AND status = ? AND exchange_order_id <> ''`,
		string(CodeCreated), msg, ts, targetID, string(StatusDoing),
	); err != nil {
		return false, fmt.Errorf("order: 恢复目标子订单失败: %w", err)
	}
	return true, nil
}

// Approve 将 WAIT_APPROVE 的订单置为 APPROVED，子订单状态码推进到 CREATE_BUILD_REQ。
func (r *Repository) Approve(ctx context.Context, tx *sql.Tx, id, approverID int64) error {
	ts := store.FormatTime(r.now())
	res, err := tx.ExecContext(ctx, `
UPDATE orders SET status_code = ?, approver_id = CASE WHEN ? > 0 THEN ? ELSE approver_id END, updated_at = ?
WHERE id = ? AND enabled = 1 AND status = ? AND status_code = ?`,
		string(CodeApproved), approverID, approverID, ts, id, string(StatusDoing), string(CodeWaitApprove),
	)
	if err != nil {
		return fmt.Errorf("order: 审批订单失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order: 订单 %d 不处于待审批状态", id)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE decomposed_orders SET status_code = ?, updated_at = ?
WHERE order_id = ? AND enabled = 1 AND status = ? AND status_code = ?`,
		string(CodeCreateBuildReq), ts, id, string(StatusNew), string(CodeNew),
	); err != nil {
		return fmt.Errorf("order: 推进子订单状态失败: %w", err)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, q store.Querier, action, stmt string, args ...interface{}) error {
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("order: %s失败: %w", action, err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order: %s失败: %w", action, ErrNotFound)
	}
	return nil
}
