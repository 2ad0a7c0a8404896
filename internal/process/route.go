package process

import (
	"context"
	"sort"

	"trades-exec/internal/apperr"
	"trades-exec/internal/order"
)

// Route 由订单类型与状态码组成，决定由哪个组件处理订单。
type Route struct {
	Type order.Type
	Code order.StatusCode
}

// Handler 处理单个订单。
type Handler func(ctx context.Context, orderID int64) error

type handler struct {
	name     string
	fn       Handler
	debounce bool
}

// Decomposer 拆分 NEW 订单。
type Decomposer interface {
	Decompose(ctx context.Context, orderID int64) error
}

// Builder 为已审批订单构建请求。
type Builder interface {
	Build(ctx context.Context, orderID int64) error
}

// Checker 推进 DOING 订单。
type Checker interface {
	Check(ctx context.Context, orderID int64) error
}

var orderTypes = []order.Type{order.TypeNew, order.TypeReplace, order.TypeCancel}

var checkCodes = []order.StatusCode{
	order.CodeCreateBuildReq,
	order.CodeCreateWaitReq,
	order.CodeCreated,
	order.CodeStateWaitReq,
}

func buildRoutes(d Decomposer, b Builder, c Checker) map[Route]handler {
	routes := make(map[Route]handler)
	for _, t := range orderTypes {
		routes[Route{Type: t, Code: order.CodeNew}] = handler{name: "decompose", fn: d.Decompose}
		for _, code := range checkCodes {
			routes[Route{Type: t, Code: code}] = handler{name: "check", fn: c.Check, debounce: true}
		}
	}
	routes[Route{Type: order.TypeNew, Code: order.CodeApproved}] = handler{name: "build", fn: b.Build}
	routes[Route{Type: order.TypeReplace, Code: order.CodeApproved}] = handler{name: "build", fn: b.Build}
	routes[Route{Type: order.TypeCancel, Code: order.CodeCancelRequested}] = handler{name: "build", fn: b.Build}
	return routes
}

// routedCodes 返回路由表涉及的全部状态码，用于筛选待处理订单。
func routedCodes(routes map[Route]handler) []order.StatusCode {
	seen := make(map[order.StatusCode]bool)
	var out []order.StatusCode
	for r := range routes {
		if !seen[r.Code] {
			seen[r.Code] = true
			out = append(out, r.Code)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// failure 为错误映射结果。
type failure struct {
	code  order.StatusCode
	fatal bool
}

var failures = map[apperr.Code]failure{
	apperr.CodeNoEligibleAccounts:  {order.CodeFailedNoAccounts, false},
	apperr.CodeNoDecomposedOrders:  {order.CodeFailedNoDecomposed, false},
	apperr.CodeInvalidTarget:       {order.CodeFailedInvalidTarget, false},
	apperr.CodeUnaliveCredential:   {order.CodeFailedUnaliveCredential, false},
	apperr.CodeDuplicateCredential: {order.CodeFailedDuplicateCredential, false},
	apperr.CodeInactiveUser:        {order.CodeFailedInactiveUser, false},
	apperr.CodeHungRequest:         {order.CodeFailedHungRequest, false},
	apperr.CodeAdapter:             {order.CodeFailedRequest, false},
	apperr.CodeValidation:          {order.CodeFailedValidation, true},
}

// classify 把处理错误映射为订单失败码。未登记的错误一律视为致命。
func classify(err error) failure {
	if f, ok := failures[apperr.CodeOf(err)]; ok {
		return f
	}
	return failure{code: order.CodeFailed, fatal: true}
}
