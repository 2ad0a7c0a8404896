package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
)

// ErrNotFound 表示订单不存在。
var ErrNotFound = errors.New("order: 订单不存在")

// Type 为订单操作类型。
type Type string

const (
	TypeNew     Type = "NEW"
	TypeReplace Type = "REPLACE"
	TypeCancel  Type = "CANCEL"
)

// Complexity 区分固定数量与按公式推导数量两种下单模式。
type Complexity string

const (
	ComplexityType1 Complexity = "TYPE1"
	ComplexityType2 Complexity = "TYPE2"
)

// Side 为买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Exec 为执行方式。
type Exec string

const (
	ExecMarket Exec = "MARKET"
	ExecLimit  Exec = "LIMIT"
)

// Status 为订单与子订单的粗粒度状态。
type Status string

const (
	StatusNew       Status = "NEW"
	StatusDoing     Status = "DOING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
	// StatusSpecial 没有定义语义，出现即视为数据被破坏。
	StatusSpecial Status = "SPECIAL"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// StatusCode 为细粒度状态码。
type StatusCode string

const (
	CodeNew             StatusCode = "NEW"
	CodeWaitApprove     StatusCode = "WAIT_APPROVE"
	CodeApproved        StatusCode = "APPROVED"
	CodeCancelRequested StatusCode = "CANCEL_REQUESTED"
	CodeCreateBuildReq  StatusCode = "CREATE_BUILD_REQ"
	CodeCreateWaitReq   StatusCode = "CREATE_WAIT_REQ"
	// CodeCreated 即 STATE_BUILD_REQ：交易所已受理，等待构建状态查询。
	CodeCreated      StatusCode = "CREATED"
	CodeStateWaitReq StatusCode = "STATE_WAIT_REQ"
	CodeCompleted    StatusCode = "COMPLETED"
	// CodeCancelWait 表示撤单已发往交易所，订单等待撤单订单终结，期间不参与调度。
	CodeCancelWait StatusCode = "CANCEL_WAIT"

	CodeRejected           StatusCode = "REJECTED"
	CodeRejectedByExchange StatusCode = "REJECTED_BY_EXCHANGE"
	CodeReplaced           StatusCode = "REPLACED"
	CodeCanceled           StatusCode = "CANCELED"

	CodeFailed                    StatusCode = "FAILED"
	CodeFailedValidation          StatusCode = "FAILED_VALIDATION"
	CodeFailedNoAccounts          StatusCode = "FAILED_NO_ACCOUNTS"
	CodeFailedNoDecomposed        StatusCode = "FAILED_NO_DECOMPOSED"
	CodeFailedInvalidTarget       StatusCode = "FAILED_INVALID_TARGET"
	CodeFailedUnaliveCredential   StatusCode = "FAILED_UNALIVE_CREDENTIAL"
	CodeFailedDuplicateCredential StatusCode = "FAILED_DUPLICATE_CREDENTIAL"
	CodeFailedInactiveUser        StatusCode = "FAILED_INACTIVE_USER"
	CodeFailedHungRequest         StatusCode = "FAILED_HUNG_REQUEST"
	CodeFailedRequest             StatusCode = "FAILED_REQUEST"
	CodeSpecial                   StatusCode = "SPECIAL"
)

var failedCodes = map[StatusCode]bool{
	CodeFailed:                    true,
	CodeFailedValidation:          true,
	CodeFailedNoAccounts:          true,
	CodeFailedNoDecomposed:        true,
	CodeFailedInvalidTarget:       true,
	CodeFailedUnaliveCredential:   true,
	CodeFailedDuplicateCredential: true,
	CodeFailedInactiveUser:        true,
	CodeFailedHungRequest:         true,
	CodeFailedRequest:             true,
}

var rejectedCodes = map[StatusCode]bool{
	CodeRejected:           true,
	CodeRejectedByExchange: true,
	CodeReplaced:           true,
	CodeCanceled:           true,
}

// IsFailed 判断是否为失败类状态码。
func (c StatusCode) IsFailed() bool { return failedCodes[c] }

// IsRejected 判断是否为拒绝类状态码。
func (c StatusCode) IsRejected() bool { return rejectedCodes[c] }

// Stats 为订单的子订单计数。
type Stats struct {
	DecomposedTotal int64 `json:"decomposed_total"`
	Doing           int64 `json:"doing"`
	Completed       int64 `json:"completed"`
	Rejected        int64 `json:"rejected"`
	Failed          int64 `json:"failed"`
	Special         int64 `json:"special"`
}

// Order 为父订单。
type Order struct {
	ID                int64           `json:"id"`
	GroupID           int64           `json:"group_id"`
	Type              Type            `json:"type"`
	Complexity        Complexity      `json:"complexity"`
	CurrencyPairID    int64           `json:"currency_pair_id"`
	Amount            decimal.Decimal `json:"amount"`
	Remain            decimal.Decimal `json:"remain"`
	Price             decimal.Decimal `json:"price"`
	PriceAvgExec      decimal.Decimal `json:"price_avg_exec"`
	Fee               decimal.Decimal `json:"fee"`
	Side              Side            `json:"side"`
	Exec              Exec            `json:"exec"`
	Status            Status          `json:"status"`
	StatusCode        StatusCode      `json:"status_code"`
	StatusMessage     string          `json:"status_message"`
	ApproverID        int64           `json:"approver_id"`
	ReplaceOrderID    int64           `json:"replace_order_id,omitempty"`
	CancelOrderID     int64           `json:"cancel_order_id,omitempty"`
	AmountMultiplier  decimal.Decimal `json:"amount_multiplier"`
	SnapshotID        int64           `json:"snapshot_id,omitempty"`
	Stats             Stats           `json:"stats"`
	AvailableInUsdSum decimal.Decimal `json:"available_in_usd_sum"`
	Enabled           bool            `json:"enabled"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TargetID 返回 REPLACE/CANCEL 订单指向的目标订单。
func (o Order) TargetID() int64 {
	switch o.Type {
	case TypeReplace:
		return o.ReplaceOrderID
	case TypeCancel:
		return o.CancelOrderID
	default:
		return 0
	}
}

// Validate 校验订单字段组合，失败时返回 CodeValidation。
func (o Order) Validate() error {
	switch o.Type {
	case TypeNew:
		if o.ReplaceOrderID != 0 || o.CancelOrderID != 0 {
			return apperr.Validationf("订单 %d: NEW 订单不能引用目标订单", o.ID)
		}
	case TypeReplace:
		if o.ReplaceOrderID <= 0 || o.CancelOrderID != 0 {
			return apperr.Validationf("订单 %d: REPLACE 订单必须且只能引用 replace 目标", o.ID)
		}
	case TypeCancel:
		if o.CancelOrderID <= 0 || o.ReplaceOrderID != 0 {
			return apperr.Validationf("订单 %d: CANCEL 订单必须且只能引用 cancel 目标", o.ID)
		}
	default:
		return apperr.Validationf("订单 %d: 未知类型 %q", o.ID, o.Type)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return apperr.Validationf("订单 %d: 未知方向 %q", o.ID, o.Side)
	}
	if o.Exec != ExecMarket && o.Exec != ExecLimit {
		return apperr.Validationf("订单 %d: 未知执行方式 %q", o.ID, o.Exec)
	}
	if o.Exec == ExecLimit && o.Type != TypeCancel && !o.Price.IsPositive() {
		return apperr.Validationf("订单 %d: 限价单价格必须为正", o.ID)
	}
	if o.CurrencyPairID <= 0 {
		return apperr.Validationf("订单 %d: 缺少交易对", o.ID)
	}
	if o.Status == StatusSpecial || o.StatusCode == CodeSpecial {
		return apperr.Validationf("订单 %d: 出现未定义的 SPECIAL 状态", o.ID)
	}
	if o.Type == TypeCancel {
		return nil
	}
	return o.ValidateComplexity()
}

// ValidateComplexity 校验 TYPE1/TYPE2 只填充各自的字段。
// TYPE2 的数量在拆单后才固定，拆单前必须为零。
func (o Order) ValidateComplexity() error {
	switch o.Complexity {
	case ComplexityType1:
		if !o.Amount.IsPositive() {
			return apperr.Validationf("订单 %d: TYPE1 数量必须为正", o.ID)
		}
		if !o.AmountMultiplier.IsZero() || o.SnapshotID != 0 {
			return apperr.Validationf("订单 %d: TYPE1 不能设置数量倍数或快照", o.ID)
		}
	case ComplexityType2:
		if !o.AmountMultiplier.IsPositive() {
			return apperr.Validationf("订单 %d: TYPE2 数量倍数必须为正", o.ID)
		}
		if o.StatusCode == CodeNew && !o.Amount.IsZero() {
			return apperr.Validationf("订单 %d: TYPE2 拆单前数量必须为零", o.ID)
		}
	default:
		return apperr.Validationf("订单 %d: 未知复杂度 %q", o.ID, o.Complexity)
	}
	return nil
}

// Decomposed 为子订单。
type Decomposed struct {
	ID                  int64           `json:"id"`
	OrderID             int64           `json:"order_id"`
	Type                Type            `json:"type"`
	ExchangeID          int64           `json:"exchange_id"`
	CurrencyPairID      int64           `json:"currency_pair_id"`
	Credential          account.Ref     `json:"credential"`
	CredentialHash      string          `json:"credential_hash"`
	ExchangeOrderID     string          `json:"exchange_order_id,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Remain              decimal.Decimal `json:"remain"`
	Price               decimal.Decimal `json:"price"`
	PriceAvgExec        decimal.Decimal `json:"price_avg_exec"`
	Fee                 decimal.Decimal `json:"fee"`
	Side                Side            `json:"side"`
	Exec                Exec            `json:"exec"`
	Share               decimal.Decimal `json:"share"`
	Status              Status          `json:"status"`
	StatusCode          StatusCode      `json:"status_code"`
	StatusMessage       string          `json:"status_message"`
	RequestStrID        string          `json:"request_str_id,omitempty"`
	RequestGroupStrID   string          `json:"request_group_str_id"`
	ReplaceDecomposedID int64           `json:"replace_decomposed_id,omitempty"`
	CancelDecomposedID  int64           `json:"cancel_decomposed_id,omitempty"`
	Enabled             bool            `json:"enabled"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Filled 返回已成交数量。
func (d Decomposed) Filled() decimal.Decimal {
	return d.Amount.Sub(d.Remain)
}

// Validate 校验子订单字段组合。
func (d Decomposed) Validate() error {
	if err := d.Credential.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "子订单凭证引用无效", err)
	}
	if d.OrderID <= 0 || d.ExchangeID <= 0 {
		return apperr.Validationf("子订单 %d: 缺少订单或交易所", d.ID)
	}
	if d.Type != TypeCancel {
		if !d.Share.IsPositive() || d.Share.GreaterThan(decimal.NewFromInt(1)) {
			return apperr.Validationf("子订单 %d: 占比 %s 不在 (0,1] 内", d.ID, d.Share)
		}
		if !d.Amount.IsPositive() {
			return apperr.Validationf("子订单 %d: 数量必须为正", d.ID)
		}
	}
	switch d.Type {
	case TypeNew:
		if d.ReplaceDecomposedID != 0 || d.CancelDecomposedID != 0 {
			return apperr.Validationf("子订单 %d: NEW 子订单不能引用其他子订单", d.ID)
		}
	case TypeReplace:
		if d.ReplaceDecomposedID <= 0 {
			return apperr.Validationf("子订单 %d: REPLACE 子订单缺少 replace 目标", d.ID)
		}
	case TypeCancel:
		if d.CancelDecomposedID <= 0 {
			return apperr.Validationf("子订单 %d: CANCEL 子订单缺少 cancel 目标", d.ID)
		}
	default:
		return apperr.Validationf("子订单 %d: 未知类型 %q", d.ID, d.Type)
	}
	if d.Status == StatusSpecial || d.StatusCode == CodeSpecial {
		return apperr.Validationf("子订单 %d: 出现未定义的 SPECIAL 状态", d.ID)
	}
	return nil
}

// TargetDecomposedID 返回 REPLACE/CANCEL 子订单指向的旧子订单。
func (d Decomposed) TargetDecomposedID() int64 {
	if d.Type == TypeReplace {
		return d.ReplaceDecomposedID
	}
	return d.CancelDecomposedID
}
