package account

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-exec/internal/store"
)

// Registry 统一管理系统与用户两类凭证及其余额，类别差异由 kindSpec 描述。
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry 创建凭证仓储并初始化表结构。
func NewRegistry(s *store.Store, logger *zap.Logger) (*Registry, error) {
	if s == nil {
		return nil, fmt.Errorf("account: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{db: s.DB(), logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS balance_snapshot_rows (
			snapshot_id INTEGER NOT NULL REFERENCES balance_snapshots(id),
			kind TEXT NOT NULL,
			credential_id INTEGER NOT NULL,
			currency_id INTEGER NOT NULL,
			trading_usd TEXT NOT NULL,
			position_usd TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, kind, credential_id, currency_id)
		);`,
		`CREATE TABLE IF NOT EXISTS balance_snapshot_rates (
			snapshot_id INTEGER NOT NULL REFERENCES balance_snapshots(id),
			currency_id INTEGER NOT NULL,
			usd_rate TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, currency_id)
		);`,
	}
	for _, kind := range Kinds {
		spec := kindSpecs[kind]
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER REFERENCES users(id),
				exchange_id INTEGER NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				api_key TEXT NOT NULL,
				api_secret TEXT NOT NULL DEFAULT '',
				api_password TEXT NOT NULL DEFAULT '',
				wallet_address TEXT NOT NULL DEFAULT '',
				private_key TEXT NOT NULL DEFAULT '',
				hash TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				alive INTEGER NOT NULL DEFAULT 1,
				order_balance_share_max TEXT NOT NULL DEFAULT '1',
				margin_trade_asset TEXT NOT NULL DEFAULT '1',
				requests_total INTEGER NOT NULL DEFAULT 0,
				requests_failed INTEGER NOT NULL DEFAULT 0,
				requests_failed_in_row INTEGER NOT NULL DEFAULT 0,
				last_request_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`, spec.credentials),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_exchange ON %s(exchange_id);`, spec.credentials, spec.credentials),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				credential_id INTEGER NOT NULL REFERENCES %s(id),
				currency_id INTEGER NOT NULL,
				trading_usd TEXT NOT NULL DEFAULT '0',
				position_usd TEXT NOT NULL DEFAULT '0',
				updated_at TEXT NOT NULL,
				PRIMARY KEY (credential_id, currency_id)
			);`, spec.balances, spec.credentials),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				credential_id INTEGER NOT NULL REFERENCES %s(id),
				currency_pair_id INTEGER NOT NULL,
				PRIMARY KEY (credential_id, currency_pair_id)
			);`, spec.pairs, spec.credentials),
		)
	}
	return store.InitSchema(r.db, "account", stmts)
}

// CreateUser 新增用户。
func (r *Registry) CreateUser(ctx context.Context, q store.Querier, name string) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO users (name, active, created_at) VALUES (?, 1, ?)`,
		name, store.FormatTime(r.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("account: 写入用户失败: %w", err)
	}
	return res.LastInsertId()
}

// SetUserActive 激活或冻结用户。
func (r *Registry) SetUserActive(ctx context.Context, q store.Querier, userID int64, active bool) error {
	if _, err := q.ExecContext(ctx, `UPDATE users SET active = ? WHERE id = ?`, active, userID); err != nil {
		return fmt.Errorf("account: 更新用户状态失败: %w", err)
	}
	return nil
}

// CredentialHash 为同一交易所上的同一 API key 生成稳定摘要，用于拆单去重。
func CredentialHash(exchangeID int64, apiKey, walletAddress string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", exchangeID, strings.TrimSpace(apiKey), strings.ToLower(strings.TrimSpace(walletAddress)))))
	return hex.EncodeToString(sum[:])
}

// CreateCredential 新增凭证，c.Ref.Kind 决定写入哪一类。
func (r *Registry) CreateCredential(ctx context.Context, q store.Querier, c Credential) (Ref, error) {
	spec, err := specOf(c.Ref.Kind)
	if err != nil {
		return Ref{}, err
	}
	if spec.requireActiveOwner && c.UserID <= 0 {
		return Ref{}, fmt.Errorf("account: 用户凭证必须指定 user_id")
	}
	if !spec.requireActiveOwner && c.UserID != 0 {
		return Ref{}, fmt.Errorf("account: 系统凭证不能关联用户")
	}
	if c.APIKey == "" && c.WalletAddress == "" {
		return Ref{}, fmt.Errorf("account: api_key 与 wallet_address 不能同时为空")
	}
	if c.OrderBalanceShareMax.IsZero() {
		c.OrderBalanceShareMax = decimal.NewFromInt(1)
	}
	if c.MarginTradeAsset.IsZero() {
		c.MarginTradeAsset = decimal.NewFromInt(1)
	}
	if c.Hash == "" {
		c.Hash = CredentialHash(c.ExchangeID, c.APIKey, c.WalletAddress)
	}

	var userID sql.NullInt64
	if c.UserID > 0 {
		userID = sql.NullInt64{Int64: c.UserID, Valid: true}
	}
	now := store.FormatTime(r.now())
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, exchange_id, label, api_key, api_secret, api_password, wallet_address, private_key,
	hash, enabled, alive, order_balance_share_max, margin_trade_asset, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`, spec.credentials),
		userID, c.ExchangeID, c.Label, c.APIKey, c.APISecret, c.APIPassword, c.WalletAddress, c.PrivateKey,
		c.Hash, c.Enabled, c.OrderBalanceShareMax.String(), c.MarginTradeAsset.String(), now, now,
	)
	if err != nil {
		return Ref{}, fmt.Errorf("account: 写入凭证失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Ref{}, fmt.Errorf("account: 读取凭证 id 失败: %w", err)
	}
	return Ref{Kind: c.Ref.Kind, ID: id}, nil
}

func credentialSelect(spec kindSpec) string {
	owner := "1"
	join := ""
	if spec.requireActiveOwner {
		owner = "COALESCE(u.active, 0)"
		join = "LEFT JOIN users u ON u.id = c.user_id"
	}
	return fmt.Sprintf(`
SELECT c.id, COALESCE(c.user_id, 0), c.exchange_id, c.label, c.api_key, c.api_secret, c.api_password,
	c.wallet_address, c.private_key, c.hash, c.enabled, c.alive, %s,
	c.order_balance_share_max, c.margin_trade_asset,
	c.requests_total, c.requests_failed, c.requests_failed_in_row, c.last_request_at
FROM %s c %s`, owner, spec.credentials, join)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row scanner, kind Kind) (Credential, error) {
	var (
		c        Credential
		lastReq  sql.NullString
		shareMax string
		margin   string
	)
	c.Ref.Kind = kind
	err := row.Scan(
		&c.Ref.ID, &c.UserID, &c.ExchangeID, &c.Label, &c.APIKey, &c.APISecret, &c.APIPassword,
		&c.WalletAddress, &c.PrivateKey, &c.Hash, &c.Enabled, &c.Alive, &c.OwnerActive,
		&shareMax, &margin,
		&c.RequestsTotal, &c.RequestsFailed, &c.FailedInRow, &lastReq,
	)
	if err != nil {
		return c, err
	}
	if c.OrderBalanceShareMax, err = decimal.NewFromString(shareMax); err != nil {
		return c, fmt.Errorf("account: 凭证 %s share_max 无效: %w", c.Ref, err)
	}
	if c.MarginTradeAsset, err = decimal.NewFromString(margin); err != nil {
		return c, fmt.Errorf("account: 凭证 %s margin_trade_asset 无效: %w", c.Ref, err)
	}
	if c.LastRequestAt, err = store.NullTime(lastReq); err != nil {
		return c, err
	}
	return c, nil
}

// GetCredential 查询单个凭证。
func (r *Registry) GetCredential(ctx context.Context, q store.Querier, ref Ref) (Credential, error) {
	if err := ref.Validate(); err != nil {
		return Credential{}, err
	}
	spec := kindSpecs[ref.Kind]
	row := q.QueryRowContext(ctx, credentialSelect(spec)+` WHERE c.id = ?`, ref.ID)
	c, err := scanCredential(row, ref.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("account: 查询凭证失败: %w", err)
	}
	return c, nil
}

// ListCredentials 列出某类凭证，exchangeID 为 0 时不过滤交易所。
func (r *Registry) ListCredentials(ctx context.Context, q store.Querier, kind Kind, exchangeID int64, enabledOnly bool) ([]Credential, error) {
	spec, err := specOf(kind)
	if err != nil {
		return nil, err
	}
	query := credentialSelect(spec) + ` WHERE 1 = 1`
	args := make([]interface{}, 0, 1)
	if exchangeID > 0 {
		query += ` AND c.exchange_id = ?`
		args = append(args, exchangeID)
	}
	if enabledOnly {
		query += ` AND c.enabled = 1`
	}
	query += ` ORDER BY c.id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("account: 查询凭证列表失败: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("account: 解析凭证失败: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: 读取凭证失败: %w", err)
	}
	return out, nil
}

// SetEnabled 启用或停用凭证。
func (r *Registry) SetEnabled(ctx context.Context, q store.Querier, ref Ref, enabled bool) error {
	return r.updateFlag(ctx, q, ref, "enabled", enabled)
}

// SetAlive 标记凭证存活状态，复活时清零连续失败计数。
func (r *Registry) SetAlive(ctx context.Context, q store.Querier, ref Ref, alive bool) error {
	if err := r.updateFlag(ctx, q, ref, "alive", alive); err != nil {
		return err
	}
	if alive {
		spec := kindSpecs[ref.Kind]
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET requests_failed_in_row = 0 WHERE id = ?`, spec.credentials), ref.ID,
		); err != nil {
			return fmt.Errorf("account: 重置失败计数失败: %w", err)
		}
	}
	return nil
}

func (r *Registry) updateFlag(ctx context.Context, q store.Querier, ref Ref, column string, value bool) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	spec := kindSpecs[ref.Kind]
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE id = ?`, spec.credentials, column),
		value, store.FormatTime(r.now()), ref.ID,
	)
	if err != nil {
		return fmt.Errorf("account: 更新凭证 %s 失败: %w", column, err)
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

// RecordRequest 累计请求计数。连续失败达到 maxFailedInRow（大于0时）会将凭证标记为失效，
// 返回值表示本次是否触发失效。
func (r *Registry) RecordRequest(ctx context.Context, q store.Querier, ref Ref, failed bool, at time.Time, maxFailedInRow int64) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	spec := kindSpecs[ref.Kind]

	var stmt string
	if failed {
		stmt = fmt.Sprintf(`UPDATE %s SET requests_total = requests_total + 1, requests_failed = requests_failed + 1,
			requests_failed_in_row = requests_failed_in_row + 1, last_request_at = ?, updated_at = ? WHERE id = ?`, spec.credentials)
	} else {
		stmt = fmt.Sprintf(`UPDATE %s SET requests_total = requests_total + 1,
			requests_failed_in_row = 0, last_request_at = ?, updated_at = ? WHERE id = ?`, spec.credentials)
	}
	ts := store.FormatTime(at)
	if _, err := q.ExecContext(ctx, stmt, ts, ts, ref.ID); err != nil {
		return false, fmt.Errorf("account: 更新请求计数失败: %w", err)
	}
	if !failed || maxFailedInRow <= 0 {
		return false, nil
	}

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET alive = 0 WHERE id = ? AND alive = 1 AND requests_failed_in_row >= ?`, spec.credentials),
		ref.ID, maxFailedInRow,
	)
	if err != nil {
		return false, fmt.Errorf("account: 标记凭证失效失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.logger.Warn("凭证连续失败，已标记失效", zap.String("credential", ref.String()), zap.Int64("threshold", maxFailedInRow))
	}
	return n > 0, nil
}

// SetAllowedPairs 覆盖凭证可交易的交易对，空列表表示不限制。
func (r *Registry) SetAllowedPairs(ctx context.Context, q store.Querier, ref Ref, pairIDs []int64) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	spec := kindSpecs[ref.Kind]
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE credential_id = ?`, spec.pairs), ref.ID); err != nil {
		return fmt.Errorf("account: 清理交易对权限失败: %w", err)
	}
	for _, pairID := range pairIDs {
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (credential_id, currency_pair_id) VALUES (?, ?)`, spec.pairs), ref.ID, pairID,
		); err != nil {
			return fmt.Errorf("account: 写入交易对权限失败: %w", err)
		}
	}
	return nil
}

// PermitsPair 判断凭证是否允许交易该交易对。
func (r *Registry) PermitsPair(ctx context.Context, q store.Querier, ref Ref, pairID int64) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	spec := kindSpecs[ref.Kind]
	var total, matched int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN currency_pair_id = ? THEN 1 ELSE 0 END), 0) FROM %s WHERE credential_id = ?`, spec.pairs),
		pairID, ref.ID,
	).Scan(&total, &matched)
	if err != nil {
		return false, fmt.Errorf("account: 查询交易对权限失败: %w", err)
	}
	return total == 0 || matched > 0, nil
}

// SetBalance 写入凭证在某币种上的美元余额。
func (r *Registry) SetBalance(ctx context.Context, q store.Querier, ref Ref, currencyID int64, b Balance) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	spec := kindSpecs[ref.Kind]
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (credential_id, currency_id, trading_usd, position_usd, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(credential_id, currency_id) DO UPDATE SET
	trading_usd = excluded.trading_usd,
	position_usd = excluded.position_usd,
	updated_at = excluded.updated_at`, spec.balances),
		ref.ID, currencyID, b.TradingUSD.String(), b.PositionUSD.String(), store.FormatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("account: 写入余额失败: %w", err)
	}
	return nil
}
