// Package requeststack 持久化对外交易所请求队列。
//
// 每条记录以唯一的 str_id 标识，只属于一个凭证；调度器负责发送并写回响应，
// 消费方读取响应后通过受保护的更新标记已处理，保证每条响应只被消费一次。
package requeststack

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
)

var (
	// ErrNotFound 表示请求不存在。
	ErrNotFound = errors.New("requeststack: 请求不存在")
	// ErrAlreadyProcessed 表示请求已被其他消费方处理。
	ErrAlreadyProcessed = errors.New("requeststack: 请求已被处理")
	// ErrNotWaiting 表示请求已不在等待状态，无法认领。
	ErrNotWaiting = errors.New("requeststack: 请求不在等待状态")
	// ErrNotRequesting 表示请求已不在发送中，结果不再写回。
	ErrNotRequesting = errors.New("requeststack: 请求不在发送中")
)

// Status 为请求生命周期状态。
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusRequesting Status = "REQUESTING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Finished 判断请求是否已有结果。
func (s Status) Finished() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Code 为请求结果的细分编码。
type Code string

const (
	CodeNone               Code = ""
	CodeOK                 Code = "OK"
	CodeHungRequest        Code = "HUNG_REQUEST"
	CodeTransportError     Code = "TRANSPORT_ERROR"
	CodeCredentialRejected Code = "CREDENTIAL_REJECTED"
	CodeUnaliveCredential  Code = "UNALIVE_CREDENTIAL"
	CodeInactiveUser       Code = "INACTIVE_USER"
	CodeInvalidEntry       Code = "INVALID_ENTRY"
	CodeExchangeError      Code = "EXCHANGE_ERROR"
)

// Entry 为一条队列记录。
type Entry struct {
	ID              int64             `json:"id"`
	StrID           string            `json:"str_id"`
	GroupStrID      string            `json:"group_str_id"`
	Credential      account.Ref       `json:"credential"`
	ExchangeID      int64             `json:"exchange_id"`
	Operation       string            `json:"operation"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            []byte            `json:"body,omitempty"`
	Nonce           string            `json:"nonce,omitempty"`
	IsDirect        bool              `json:"is_direct"`
	IsEnliven       bool              `json:"is_enliven"`
	Status          Status            `json:"status"`
	StatusCode      Code              `json:"status_code"`
	StatusMessage   string            `json:"status_message"`
	ResponseCode    int               `json:"response_code"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	Enabled         bool              `json:"enabled"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
	RequestedAt     *time.Time        `json:"requested_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Validate 校验发送所需字段。
func (e Entry) Validate() error {
	if e.StrID == "" || e.GroupStrID == "" {
		return apperr.Validationf("请求 %d: 缺少 str_id 或 group_str_id", e.ID)
	}
	if err := e.Credential.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "请求凭证引用无效", err)
	}
	if e.ExchangeID <= 0 {
		return apperr.Validationf("请求 %s: 缺少交易所", e.StrID)
	}
	if e.Method == "" || e.URL == "" || e.Operation == "" {
		return apperr.Validationf("请求 %s: 缺少 method/url/operation", e.StrID)
	}
	if e.IsDirect && e.IsEnliven {
		return apperr.Validationf("请求 %s: direct 与 enliven 不能同时设置", e.StrID)
	}
	return nil
}

// Mode 返回凭证校验使用的场景。
func (e Entry) Mode() account.Mode {
	switch {
	case e.IsDirect:
		return account.ModeDirect
	case e.IsEnliven:
		return account.ModeEnliven
	default:
		return account.ModeNormal
	}
}

// Succeeded 判断请求成功返回。
func (e Entry) Succeeded() bool {
	return e.Status == StatusSuccess
}

// State 描述消费方查到的请求所处阶段。
type State int

const (
	// StateReady 表示已有结果且尚未被消费。
	StateReady State = iota
	// StateInProgress 表示仍在等待或发送中。
	StateInProgress
	// StateConsumed 表示已被消费。
	StateConsumed
	// StateDisabled 表示请求已被停用，响应应被忽略。
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateConsumed:
		return "CONSUMED"
	case StateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Lookup 为按 str_id 查询的结果。
type Lookup struct {
	Entry Entry
	State State
}

// Ready 判断是否可以消费。
func (l Lookup) Ready() bool {
	return l.State == StateReady
}

// NewStrID 生成请求 str_id。
func NewStrID() string {
	return uuid.NewString()
}

// NewGroupStrID 生成请求组 id。
func NewGroupStrID() string {
	return "grp-" + uuid.NewString()
}
