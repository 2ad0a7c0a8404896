package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，本次请求应按传输失败处理。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrUnknownExchange 表示没有为该交易所注册适配器。
	ErrUnknownExchange = errors.New("exchange: 未注册的交易所")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	_, retry := ClassifyError(err)
	return retry
}

// ClassifyError 归一化 ccxt 错误并判断是否值得重试。
func ClassifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

// IsTransportError 判断错误来自网络或交易所不可用，而不是业务拒绝。
// 这类错误不写入响应体，请求直接失败。
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMaintenance) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return IsRetryable(err)
}

// IsCredentialError 判断交易所是否拒绝了凭证。
func IsCredentialError(err error) bool {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.AuthenticationErrorErrType, ccxt.PermissionDeniedErrType:
			return true
		}
	}
	return false
}

// ErrorBodyOf 将业务错误转换为响应体中的错误描述。
func ErrorBodyOf(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return &ErrorBody{Type: fmt.Sprint(ccxtErr.Type), Message: ccxtErr.Message}
	}
	return &ErrorBody{Type: "Error", Message: err.Error()}
}
