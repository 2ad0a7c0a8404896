package execution

import (
	"context"

	"trades-exec/internal/account"
	"trades-exec/internal/exchange"
	"trades-exec/internal/requeststack"
)

// Response 为一次交易所调用的结果，写回请求队列。
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Doer 执行队列中的请求。返回错误表示请求未能到达交易所或未得到答复，
// 交易所业务拒绝以非 2xx 的 Response 返回。
type Doer interface {
	Do(ctx context.Context, cred account.Credential, entry requeststack.Entry) (Response, error)
}

// Venue 为单个凭证在某交易所上的交易通道。
type Venue interface {
	CreateOrder(symbol, typ, side string, amount float64, price *float64, clientOrderID string) (exchange.OrderResult, error)
	FetchOrder(id, symbol string) (exchange.OrderResult, error)
	CancelOrder(id, symbol string) (exchange.OrderResult, error)
	FetchOpenOrders(symbol string) ([]exchange.OrderResult, error)
	FetchBalance() (exchange.BalanceResult, error)
	FetchPositions() ([]exchange.PositionResult, error)
}

// VenueFactory 为凭证提供交易通道。
type VenueFactory interface {
	Venue(code string, cred account.Credential) (Venue, error)
}
