package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry 按交易所代码管理适配器。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry 为给定交易所代码创建 ccxt 适配器。
func NewRegistry(codes ...string) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(codes))}
	for _, code := range codes {
		r.Register(NewCCXTAdapter(code))
	}
	return r
}

// Register 注册或替换适配器。
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Code())] = a
}

// Get 返回交易所适配器。
func (r *Registry) Get(code string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, code)
	}
	return a, nil
}

// Codes 返回已注册的交易所代码。
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
