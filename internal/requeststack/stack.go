package requeststack

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/store"
)

// Stack 为请求队列仓储。
type Stack struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewStack 创建队列仓储并初始化表结构。
func NewStack(s *store.Store, logger *zap.Logger) (*Stack, error) {
	if s == nil {
		return nil, fmt.Errorf("requeststack: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &Stack{db: s.DB(), logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := store.InitSchema(st.db, "requeststack", schema); err != nil {
		return nil, err
	}
	return st, nil
}

// SetClock 替换时间来源。
func (s *Stack) SetClock(now func() time.Time) {
	s.now = now
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS request_stack (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		str_id TEXT NOT NULL UNIQUE,
		group_str_id TEXT NOT NULL,
		system_credential_id INTEGER,
		user_credential_id INTEGER,
		exchange_id INTEGER NOT NULL,
		operation TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		body BLOB,
		nonce TEXT NOT NULL DEFAULT '',
		is_direct INTEGER NOT NULL DEFAULT 0,
		is_enliven INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		status_code TEXT NOT NULL DEFAULT '',
		status_message TEXT NOT NULL DEFAULT '',
		response_code INTEGER NOT NULL DEFAULT 0,
		response_headers TEXT NOT NULL DEFAULT '{}',
		response_body BLOB,
		enabled INTEGER NOT NULL DEFAULT 1,
		processed_at TEXT,
		requested_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((system_credential_id IS NULL) <> (user_credential_id IS NULL))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_request_stack_status ON request_stack(status, enabled);`,
	`CREATE INDEX IF NOT EXISTS idx_request_stack_group ON request_stack(group_str_id);`,
}

const entryColumns = `id, str_id, group_str_id, system_credential_id, user_credential_id, exchange_id, operation,
	method, url, headers, body, nonce, is_direct, is_enliven, status, status_code, status_message,
	response_code, response_headers, response_body, enabled, processed_at, requested_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                    Entry
		sysID, userID        sql.NullInt64
		headers, respHeaders string
		processed, requested sql.NullString
		created, updated     string
	)
	err := row.Scan(
		&e.ID, &e.StrID, &e.GroupStrID, &sysID, &userID, &e.ExchangeID, &e.Operation,
		&e.Method, &e.URL, &headers, &e.Body, &e.Nonce, &e.IsDirect, &e.IsEnliven, &e.Status, &e.StatusCode, &e.StatusMessage,
		&e.ResponseCode, &respHeaders, &e.ResponseBody, &e.Enabled, &processed, &requested, &created, &updated,
	)
	if err != nil {
		return e, err
	}
	if e.Credential, err = account.RefFromColumns(sysID, userID); err != nil {
		return e, err
	}
	if e.Headers, err = decodeHeaders(headers); err != nil {
		return e, err
	}
	if e.ResponseHeaders, err = decodeHeaders(respHeaders); err != nil {
		return e, err
	}
	if e.ProcessedAt, err = store.NullTime(processed); err != nil {
		return e, err
	}
	if e.RequestedAt, err = store.NullTime(requested); err != nil {
		return e, err
	}
	if e.CreatedAt, err = store.ParseTime(created); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return e, err
	}
	return e, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("requeststack: 编码请求头失败: %w", err)
	}
	return string(raw), nil
}

func decodeHeaders(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("requeststack: 解析请求头失败: %w", err)
	}
	return h, nil
}

// CommitStaged 在事务内写入缓冲中的全部请求，成功后清空缓冲。
func (s *Stack) CommitStaged(ctx context.Context, tx *sql.Tx, buf *Buffer) ([]int64, error) {
	if buf == nil || buf.Len() == 0 {
		return nil, nil
	}
	ts := store.FormatTime(s.now())
	ids := make([]int64, 0, buf.Len())
	for _, e := range buf.entries {
		headers, err := encodeHeaders(e.Headers)
		if err != nil {
			return nil, err
		}
		sysID, userID := e.Credential.Columns()
		res, err := tx.ExecContext(ctx, `
INSERT INTO request_stack (str_id, group_str_id, system_credential_id, user_credential_id, exchange_id, operation,
	method, url, headers, body, nonce, is_direct, is_enliven, status, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			e.StrID, e.GroupStrID, sysID, userID, e.ExchangeID, e.Operation,
			e.Method, e.URL, headers, e.Body, e.Nonce, e.IsDirect, e.IsEnliven, string(StatusWaiting), ts, ts,
		)
		if err != nil {
			return nil, fmt.Errorf("requeststack: 写入请求 %s 失败: %w", e.StrID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("requeststack: 读取请求 id 失败: %w", err)
		}
		ids = append(ids, id)
	}
	s.logger.Debug("请求已入队", zap.Int("count", len(ids)))
	buf.Reset()
	return ids, nil
}

// Enqueue 在独立事务中写入单个请求，供运维直发与余额同步使用。
func (s *Stack) Enqueue(ctx context.Context, st *store.Store, e Entry) (int64, error) {
	buf := NewBuffer()
	if err := buf.Stage(e); err != nil {
		return 0, err
	}
	var ids []int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = s.CommitStaged(ctx, tx, buf)
		return err
	})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Get 按 id 查询请求。
func (s *Stack) Get(ctx context.Context, q store.Querier, id int64) (Entry, error) {
	return s.getOne(ctx, q, `SELECT `+entryColumns+` FROM request_stack WHERE id = ?`, id)
}

// GetByStrID 按 str_id 查询请求。
func (s *Stack) GetByStrID(ctx context.Context, q store.Querier, strID string) (Entry, error) {
	return s.getOne(ctx, q, `SELECT `+entryColumns+` FROM request_stack WHERE str_id = ?`, strID)
}

func (s *Stack) getOne(ctx context.Context, q store.Querier, query string, arg interface{}) (Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("requeststack: 查询请求失败: %w", err)
	}
	return e, nil
}

// GetWaiting 返回启用中的等待请求，按入队顺序。
func (s *Stack) GetWaiting(ctx context.Context, q store.Querier, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM request_stack WHERE enabled = 1 AND status = ? ORDER BY id`
	args := []interface{}{string(StatusWaiting)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("requeststack: 查询等待请求失败: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("requeststack: 解析请求失败: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requeststack: 读取请求失败: %w", err)
	}
	return out, nil
}

// GetAndValidateUnprocessedByStrID 查询消费方关联的请求并判断其阶段。
// 记录字段不完整时返回校验错误。
func (s *Stack) GetAndValidateUnprocessedByStrID(ctx context.Context, q store.Querier, strID string) (Lookup, error) {
	if strID == "" {
		return Lookup{}, fmt.Errorf("requeststack: str_id 为空")
	}
	e, err := s.GetByStrID(ctx, q, strID)
	if err != nil {
		return Lookup{}, err
	}
	if err := e.Validate(); err != nil {
		return Lookup{Entry: e}, err
	}
	switch {
	case !e.Enabled:
		return Lookup{Entry: e, State: StateDisabled}, nil
	case e.ProcessedAt != nil:
		return Lookup{Entry: e, State: StateConsumed}, nil
	case !e.Status.Finished():
		return Lookup{Entry: e, State: StateInProgress}, nil
	default:
		return Lookup{Entry: e, State: StateReady}, nil
	}
}

// SetProcessedByRequester 标记请求已被消费，重复标记返回 ErrAlreadyProcessed。
func (s *Stack) SetProcessedByRequester(ctx context.Context, q store.Querier, id int64) error {
	ts := store.FormatTime(s.now())
	res, err := q.ExecContext(ctx, `
UPDATE request_stack SET processed_at = ?, updated_at = ?
WHERE id = ? AND processed_at IS NULL AND status IN (?, ?)`,
		ts, ts, id, string(StatusSuccess), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("requeststack: 标记请求已处理失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// Claim 将等待中的请求置为发送中，只有一个调用方能成功。
func (s *Stack) Claim(ctx context.Context, q store.Querier, id int64) error {
	ts := store.FormatTime(s.now())
	res, err := q.ExecContext(ctx, `
UPDATE request_stack SET status = ?, requested_at = ?, updated_at = ?
WHERE id = ? AND status = ? AND enabled = 1`,
		string(StatusRequesting), ts, ts, id, string(StatusWaiting),
	)
	if err != nil {
		return fmt.Errorf("requeststack: 认领请求失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotWaiting
	}
	return nil
}

// SetResponse 写入响应码、响应头与响应体。
func (s *Stack) SetResponse(ctx context.Context, q store.Querier, id int64, code int, headers map[string]string, body []byte) error {
	encoded, err := encodeHeaders(headers)
	if err != nil {
		return err
	}
	return s.exec(ctx, q, "写入响应",
		`UPDATE request_stack SET response_code = ?, response_headers = ?, response_body = ?, updated_at = ? WHERE id = ?`,
		code, encoded, body, store.FormatTime(s.now()), id,
	)
}

// UpdateStatus 更新请求状态。
func (s *Stack) UpdateStatus(ctx context.Context, q store.Querier, id int64, status Status, code Code, msg string) error {
	return s.exec(ctx, q, "更新请求状态",
		`UPDATE request_stack SET status = ?, status_code = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), string(code), msg, store.FormatTime(s.now()), id,
	)
}

// Complete 写入发送中请求的最终状态。请求已被挂起扫描等其他方终结时返回 ErrNotRequesting。
func (s *Stack) Complete(ctx context.Context, q store.Querier, id int64, status Status, code Code, msg string) error {
	res, err := q.ExecContext(ctx, `
UPDATE request_stack SET status = ?, status_code = ?, status_message = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(status), string(code), msg, store.FormatTime(s.now()), id, string(StatusRequesting),
	)
	if err != nil {
		return fmt.Errorf("requeststack: 写回请求结果失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotRequesting
	}
	return nil
}

// DisableByGroupStrID 停用组内尚未消费的请求，返回停用数量。
func (s *Stack) DisableByGroupStrID(ctx context.Context, q store.Querier, groupStrID string) (int64, error) {
	if groupStrID == "" {
		return 0, nil
	}
	res, err := q.ExecContext(ctx, `
UPDATE request_stack SET enabled = 0, updated_at = ?
WHERE group_str_id = ? AND enabled = 1 AND processed_at IS NULL`,
		store.FormatTime(s.now()), groupStrID,
	)
	if err != nil {
		return 0, fmt.Errorf("requeststack: 停用请求组失败: %w", err)
	}
	return store.RowsAffected(res)
}

// DisableByStrID 停用单个请求。
func (s *Stack) DisableByStrID(ctx context.Context, q store.Querier, strID string) error {
	return s.exec(ctx, q, "停用请求",
		`UPDATE request_stack SET enabled = 0, updated_at = ? WHERE str_id = ?`,
		store.FormatTime(s.now()), strID,
	)
}

// FailHung 将早于 before 开始发送仍未返回的请求置为失败。
func (s *Stack) FailHung(ctx context.Context, q store.Querier, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
UPDATE request_stack SET status = ?, status_code = ?, status_message = ?, updated_at = ?
WHERE status = ? AND requested_at IS NOT NULL AND requested_at < ?`,
		string(StatusFailed), string(CodeHungRequest), "请求超时未返回", store.FormatTime(s.now()),
		string(StatusRequesting), store.FormatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("requeststack: 处理挂起请求失败: %w", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("挂起请求已置为失败", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Stack) exec(ctx context.Context, q store.Querier, action, stmt string, args ...interface{}) error {
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("requeststack: %s失败: %w", action, err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("requeststack: %s失败: %w", action, ErrNotFound)
	}
	return nil
}
