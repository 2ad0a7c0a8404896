package account

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trades-exec/internal/apperr"
)

// ErrNotFound 表示凭证或用户不存在。
var ErrNotFound = errors.New("account: 记录不存在")

// Kind 区分系统自有凭证与用户凭证。
type Kind string

const (
	KindSystem Kind = "SYSTEM"
	KindUser   Kind = "USER"
)

// Kinds 为全部凭证类别，决定加载顺序。
var Kinds = []Kind{KindSystem, KindUser}

// Valid 判断类别是否已知。
func (k Kind) Valid() bool {
	_, ok := kindSpecs[k]
	return ok
}

// kindSpec 携带每个类别的表与校验规则。
type kindSpec struct {
	credentials        string
	balances           string
	pairs              string
	requireActiveOwner bool
}

var kindSpecs = map[Kind]kindSpec{
	KindSystem: {
		credentials: "system_credentials",
		balances:    "system_balances",
		pairs:       "system_credential_pairs",
	},
	KindUser: {
		credentials:        "user_credentials",
		balances:           "user_balances",
		pairs:              "user_credential_pairs",
		requireActiveOwner: true,
	},
}

func specOf(k Kind) (kindSpec, error) {
	spec, ok := kindSpecs[k]
	if !ok {
		return kindSpec{}, apperr.Validationf("未知凭证类别 %q", k)
	}
	return spec, nil
}

// Ref 指向唯一一个系统或用户凭证。
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

// Validate 校验引用完整。
func (r Ref) Validate() error {
	if !r.Kind.Valid() {
		return apperr.Validationf("凭证引用类别无效: %q", r.Kind)
	}
	if r.ID <= 0 {
		return apperr.Validationf("凭证引用 id 无效: %d", r.ID)
	}
	return nil
}

// Columns 拆分为 system_credential_id / user_credential_id 两列。
func (r Ref) Columns() (system, user sql.NullInt64) {
	switch r.Kind {
	case KindSystem:
		system = sql.NullInt64{Int64: r.ID, Valid: true}
	case KindUser:
		user = sql.NullInt64{Int64: r.ID, Valid: true}
	}
	return system, user
}

// RefFromColumns 从两列还原引用，要求恰好一列有值。
func RefFromColumns(system, user sql.NullInt64) (Ref, error) {
	switch {
	case system.Valid && user.Valid:
		return Ref{}, apperr.Validationf("凭证引用同时指向系统凭证 %d 与用户凭证 %d", system.Int64, user.Int64)
	case system.Valid:
		return Ref{Kind: KindSystem, ID: system.Int64}, nil
	case user.Valid:
		return Ref{Kind: KindUser, ID: user.Int64}, nil
	default:
		return Ref{}, apperr.Validationf("凭证引用为空")
	}
}

// Mode 区分凭证的使用场景，存活要求各不相同。
type Mode int

const (
	// ModeNormal 为普通下单与查询，要求启用、存活且所属用户活跃。
	ModeNormal Mode = iota
	// ModeEnliven 用于复活已判定失效的凭证，不要求存活。
	ModeEnliven
	// ModeDirect 为运维直接请求，只要求启用。
	ModeDirect
)

// Credential 为交易所 API 凭证。
type Credential struct {
	Ref                  Ref             `json:"ref"`
	UserID               int64           `json:"user_id,omitempty"`
	ExchangeID           int64           `json:"exchange_id"`
	Label                string          `json:"label"`
	APIKey               string          `json:"-"`
	APISecret            string          `json:"-"`
	APIPassword          string          `json:"-"`
	WalletAddress        string          `json:"wallet_address,omitempty"`
	PrivateKey           string          `json:"-"`
	Hash                 string          `json:"hash"`
	Enabled              bool            `json:"enabled"`
	Alive                bool            `json:"alive"`
	OwnerActive          bool            `json:"owner_active"`
	OrderBalanceShareMax decimal.Decimal `json:"order_balance_share_max"`
	MarginTradeAsset     decimal.Decimal `json:"margin_trade_asset"`
	RequestsTotal        int64           `json:"requests_total"`
	RequestsFailed       int64           `json:"requests_failed"`
	FailedInRow          int64           `json:"failed_in_row"`
	LastRequestAt        *time.Time      `json:"last_request_at,omitempty"`
}

// CheckUsable 按使用场景校验凭证是否可用。
func (c Credential) CheckUsable(mode Mode) error {
	if !c.Enabled {
		return apperr.Newf(apperr.CodeUnaliveCredential, "凭证 %s 已停用", c.Ref)
	}
	if mode == ModeDirect {
		return nil
	}
	spec, err := specOf(c.Ref.Kind)
	if err != nil {
		return err
	}
	if spec.requireActiveOwner && !c.OwnerActive {
		return apperr.Newf(apperr.CodeInactiveUser, "凭证 %s 所属用户 %d 未激活", c.Ref, c.UserID)
	}
	if mode == ModeNormal && !c.Alive {
		return apperr.Newf(apperr.CodeUnaliveCredential, "凭证 %s 已失效", c.Ref)
	}
	return nil
}

// Balance 为凭证在某币种上的美元余额，交易与持仓分量独立维护。
type Balance struct {
	TradingUSD  decimal.Decimal `json:"trading_usd"`
	PositionUSD decimal.Decimal `json:"position_usd"`
}

// Component 选择余额分量。
type Component string

const (
	ComponentTrading  Component = "trading_usd"
	ComponentPosition Component = "position_usd"
)

// Candidate 为拆单候选账户。
type Candidate struct {
	Credential Credential
	Balance    Balance
}
