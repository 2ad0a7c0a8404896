package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/exchange"
	"trades-exec/internal/monitor"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// listEvents 按类型、订单与起始时间列出最近的监控事件。
func (s *Server) listEvents(c *gin.Context) {
	f := monitor.Filter{
		Type:  monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		Limit: defaultEventLimit,
	}
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > maxEventLimit {
				v = maxEventLimit
			}
			f.Limit = v
		}
	}
	if qs := c.Query("order_id"); qs != "" {
		id, err := strconv.ParseInt(qs, 10, 64)
		if err != nil || id <= 0 {
			s.abort(c, http.StatusBadRequest, apperr.Validationf("无效的 order_id %q", qs))
			return
		}
		f.OrderID = id
	}
	if qs := c.Query("since"); qs != "" {
		since, err := time.Parse(time.RFC3339, qs)
		if err != nil {
			s.abort(c, http.StatusBadRequest, apperr.Validationf("since 须为 RFC3339 时间: %v", err))
			return
		}
		f.Since = since
	}

	events, err := s.monitor.Query(c.Request.Context(), f)
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []monitor.Event{}
	}
	c.JSON(http.StatusOK, events)
}

type createOrderRequest struct {
	GroupID          int64            `json:"group_id"`
	Type             order.Type       `json:"type"`
	Complexity       order.Complexity `json:"complexity"`
	CurrencyPairID   int64            `json:"currency_pair_id"`
	Amount           decimal.Decimal  `json:"amount"`
	Price            decimal.Decimal  `json:"price"`
	Side             order.Side       `json:"side"`
	Exec             order.Exec       `json:"exec"`
	ApproverID       int64            `json:"approver_id"`
	ReplaceOrderID   int64            `json:"replace_order_id"`
	CancelOrderID    int64            `json:"cancel_order_id"`
	AmountMultiplier decimal.Decimal  `json:"amount_multiplier"`
	ExchangeIDs      []int64          `json:"exchange_ids"`
}

// createOrder 录入一笔 NEW 订单。
func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	if len(req.ExchangeIDs) == 0 {
		s.abort(c, http.StatusBadRequest, apperr.Validationf("exchange_ids 不能为空"))
		return
	}

	o := &order.Order{
		GroupID:          req.GroupID,
		Type:             req.Type,
		Complexity:       req.Complexity,
		CurrencyPairID:   req.CurrencyPairID,
		Amount:           req.Amount,
		Price:            req.Price,
		Side:             req.Side,
		Exec:             req.Exec,
		ApproverID:       req.ApproverID,
		ReplaceOrderID:   req.ReplaceOrderID,
		CancelOrderID:    req.CancelOrderID,
		AmountMultiplier: req.AmountMultiplier,
	}
	ctx := c.Request.Context()
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.orders.Create(ctx, tx, o, req.ExchangeIDs)
		return err
	})
	if apperr.Is(err, apperr.CodeValidation) {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("运维录入订单",
		zap.Int64("order_id", o.ID),
		zap.String("type", string(o.Type)),
		zap.String("amount", o.Amount.String()),
	)
	c.JSON(http.StatusCreated, o)
}

// getOrder 返回订单及其全部子订单。
func (s *Server) getOrder(c *gin.Context) {
	id, ok := s.paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	db := s.store.DB()

	o, err := s.orders.Get(ctx, db, id)
	if errors.Is(err, order.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	children, err := s.orders.GetDecomposedByOrderID(ctx, db, id, false)
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "children": children})
}

type approveRequest struct {
	ApproverID int64 `json:"approver_id"`
}

// approveOrder 审批 WAIT_APPROVE 订单。
func (s *Server) approveOrder(c *gin.Context) {
	id, ok := s.paramID(c)
	if !ok {
		return
	}
	var req approveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abort(c, http.StatusBadRequest, err)
			return
		}
	}

	ctx := c.Request.Context()
	o, err := s.orders.Get(ctx, s.store.DB(), id)
	if errors.Is(err, order.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	if !o.Enabled || o.StatusCode != order.CodeWaitApprove {
		s.abort(c, http.StatusConflict, apperr.Validationf("订单 %d 状态为 %s，无法审批", id, o.StatusCode))
		return
	}

	if err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.orders.Approve(ctx, tx, id, req.ApproverID)
	}); err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("订单已审批", zap.Int64("order_id", id), zap.Int64("approver_id", req.ApproverID))
	c.JSON(http.StatusOK, gin.H{"order_id": id, "status_code": order.CodeApproved})
}

// disableOrder 停用尚未进入交易所流程的订单，之后各处理循环不再选中它。
func (s *Server) disableOrder(c *gin.Context) {
	id, ok := s.paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	o, err := s.orders.Get(ctx, s.store.DB(), id)
	if errors.Is(err, order.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	if !o.Enabled || o.Status != order.StatusNew {
		s.abort(c, http.StatusConflict, apperr.Validationf("订单 %d 状态为 %s/%s，无法停用", id, o.Status, o.StatusCode))
		return
	}

	if err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.orders.Disable(ctx, tx, id)
	}); err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("订单已停用", zap.Int64("order_id", id), zap.String("status_code", string(o.StatusCode)))
	c.JSON(http.StatusOK, gin.H{"order_id": id, "enabled": false})
}

type directRequest struct {
	Credential      account.Ref            `json:"credential"`
	Operation       exchange.Operation     `json:"operation"`
	Symbol          string                 `json:"symbol"`
	ExchangeOrderID string                 `json:"exchange_order_id"`
	Call            string                 `json:"call"`
	Params          map[string]interface{} `json:"params"`
}

// directRequest 为任意凭证入队一条直接请求，结果通过 GET /requests/:str_id 查询。
// 下单与改单必须经过订单流程，这里不接受。
func (s *Server) directRequest(c *gin.Context) {
	var req directRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Credential.Validate(); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	db := s.store.DB()
	cred, err := s.accounts.GetCredential(ctx, db, req.Credential)
	if errors.Is(err, account.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	if err := cred.CheckUsable(account.ModeDirect); err != nil {
		s.abort(c, http.StatusConflict, err)
		return
	}

	ex, err := s.catalog.GetExchange(ctx, db, cred.ExchangeID)
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	adapter, err := s.adapters.Get(ex.Code)
	if err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	built, err := buildDirect(adapter, req)
	if err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}

	e := requeststack.Entry{
		StrID:      requeststack.NewStrID(),
		GroupStrID: requeststack.NewGroupStrID(),
		Credential: cred.Ref,
		ExchangeID: cred.ExchangeID,
		Operation:  string(built.Operation),
		Method:     built.Method,
		URL:        built.URL,
		Headers:    built.Headers,
		Body:       built.Data,
		Nonce:      built.Nonce,
		IsDirect:   true,
	}
	id, err := s.stack.Enqueue(ctx, s.store, e)
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("直接请求已入队",
		zap.String("str_id", e.StrID),
		zap.String("operation", e.Operation),
		zap.Stringer("credential", cred.Ref),
	)
	c.JSON(http.StatusAccepted, gin.H{"id": id, "str_id": e.StrID, "group_str_id": e.GroupStrID})
}

func buildDirect(a exchange.Adapter, req directRequest) (exchange.Request, error) {
	switch req.Operation {
	case exchange.OpGetOrders:
		return a.BuildGetOrders(req.Symbol)
	case exchange.OpGetOrder:
		return a.BuildGetOrder(req.Symbol, req.ExchangeOrderID)
	case exchange.OpGetPositions:
		return a.BuildGetPositions()
	case exchange.OpGetBalances:
		return a.BuildGetBalances()
	case exchange.OpCreateOrderCancel:
		return a.BuildCreateOrderCancel(req.Symbol, req.ExchangeOrderID)
	case exchange.OpGeneric:
		return a.BuildGeneric(req.Call, req.Params)
	default:
		return exchange.Request{}, apperr.Validationf("不支持的直接请求操作 %q", req.Operation)
	}
}

// requestView 为请求的对外视图，响应体为合法 JSON 时原样嵌入。
// 成功的直接请求附带按操作解析后的结果，解析失败时给出 parse_error。
type requestView struct {
	requeststack.Entry
	Body         json.RawMessage `json:"body,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	Result       interface{}     `json:"result,omitempty"`
	ParseError   string          `json:"parse_error,omitempty"`
}

func newRequestView(e requeststack.Entry) requestView {
	v := requestView{Entry: e}
	if json.Valid(e.Body) {
		v.Body = e.Body
	}
	if json.Valid(e.ResponseBody) {
		v.ResponseBody = e.ResponseBody
	}
	return v
}

func (s *Server) getRequest(c *gin.Context) {
	strID := strings.TrimSpace(c.Param("str_id"))
	e, err := s.stack.GetByStrID(c.Request.Context(), s.store.DB(), strID)
	if errors.Is(err, requeststack.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	v := newRequestView(e)
	if e.IsDirect && e.Status == requeststack.StatusSuccess {
		if result, err := s.parseDirect(c.Request.Context(), e); err != nil {
			v.ParseError = apperr.Message(err)
		} else {
			v.Result = result
		}
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) parseDirect(ctx context.Context, e requeststack.Entry) (interface{}, error) {
	ex, err := s.catalog.GetExchange(ctx, s.store.DB(), e.ExchangeID)
	if err != nil {
		return nil, err
	}
	a, err := s.adapters.Get(ex.Code)
	if err != nil {
		return nil, err
	}
	switch exchange.Operation(e.Operation) {
	case exchange.OpGetOrders:
		return a.ParseGetOrders(e.ResponseCode, e.ResponseBody)
	case exchange.OpGetOrder:
		return a.ParseGetOrder(e.ResponseCode, e.ResponseBody, nil)
	case exchange.OpGetPositions:
		return a.ParseGetPositions(e.ResponseCode, e.ResponseBody)
	case exchange.OpGetBalances:
		return a.ParseGetBalances(e.ResponseCode, e.ResponseBody)
	case exchange.OpCreateOrderCancel:
		return a.ParseCancelOrder(e.ResponseCode, e.ResponseBody, nil)
	case exchange.OpGeneric:
		return a.ParseGeneric(e.ResponseCode, e.ResponseBody)
	default:
		return nil, apperr.Validationf("不支持解析的操作 %q", e.Operation)
	}
}

type rateRequest struct {
	USDRate decimal.Decimal `json:"usd_rate"`
}

// setRate 更新币种美元汇率，影响后续拆单与余额折算。
func (s *Server) setRate(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	if !req.USDRate.IsPositive() {
		s.abort(c, http.StatusBadRequest, apperr.Validationf("币种 %s 汇率必须为正", code))
		return
	}

	err := s.catalog.SetUSDRate(c.Request.Context(), s.store.DB(), code, req.USDRate)
	if errors.Is(err, catalog.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("币种汇率已更新", zap.String("currency", code), zap.String("usd_rate", req.USDRate.String()))
	c.JSON(http.StatusOK, gin.H{"code": code, "usd_rate": req.USDRate})
}

func (s *Server) paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.abort(c, http.StatusBadRequest, apperr.Validationf("无效的 id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err)})
}
