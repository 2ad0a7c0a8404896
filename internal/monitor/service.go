package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/store"
)

const defaultListLimit = 100

// Service 负责持久化监控事件。nil 的 *Service 可以安全调用，所有记录被丢弃。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(s *store.Store, logger *zap.Logger) (*Service, error) {
	if s == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		db:     s.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := store.InitSchema(svc.db, "monitor", []string{
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			order_id INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_order ON monitor_events(order_id) WHERE order_id > 0;`,
	}); err != nil {
		return nil, err
	}
	return svc, nil
}

// SetClock 替换时间源，仅用于测试。
func (s *Service) SetClock(now func() time.Time) {
	if s != nil && now != nil {
		s.now = now
	}
}

// Record 写入单个事件。负载实现了订单归属时，OrderID 为空会自动补齐。
func (s *Service) Record(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if scoped, ok := event.Payload.(orderScoped); ok && event.OrderID == 0 {
		event.OrderID = scoped.scopeOrderID()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, order_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.OrderID, string(raw), store.FormatTime(event.Timestamp),
	); err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// record 写入失败只记日志，调度流程不因监控受阻。
func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordDecomposed 记录拆单结果。
func (s *Service) RecordDecomposed(ctx context.Context, p DecomposedPayload) {
	s.record(ctx, EventOrderDecomposed, p)
}

// RecordOrderStatus 记录订单聚合状态。
func (s *Service) RecordOrderStatus(ctx context.Context, p OrderStatusPayload) {
	s.record(ctx, EventOrderStatus, p)
}

// RecordOrderFailed 记录订单失败。
func (s *Service) RecordOrderFailed(ctx context.Context, p OrderFailedPayload) {
	s.record(ctx, EventOrderFailed, p)
}

// RecordRequest 记录请求结果。
func (s *Service) RecordRequest(ctx context.Context, p RequestPayload) {
	s.record(ctx, EventRequest, p)
}

// RecordBalanceSync 记录余额同步。
func (s *Service) RecordBalanceSync(ctx context.Context, p BalanceSyncPayload) {
	s.record(ctx, EventBalanceSync, p)
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: ctxMap}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, payload)
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	return s.Query(ctx, Filter{Type: eventType, Limit: limit})
}

// Query 按过滤条件返回事件，新事件在前。
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	var (
		conds []string
		args  []interface{}
	)
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.OrderID > 0 {
		conds = append(conds, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, store.FormatTime(f.Since))
	}
	query := `SELECT id, event_type, order_id, payload, created_at FROM monitor_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			payload string
			created string
		)
		if err := rows.Scan(&e.ID, &typ, &e.OrderID, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		if e.Timestamp, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}
