//go:build integration
// +build integration

package execution

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
)

// 需要设置 TRADES_SANDBOX_EXCHANGE / TRADES_SANDBOX_API_KEY / TRADES_SANDBOX_API_SECRET，
// 仅在沙盒环境下查询余额与挂单，不下单。
func TestTransportIntegration_SandboxReads(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("integration test panic: %v", r)
		}
	}()

	configPath := os.Getenv("TRADES_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if !cfg.Exchanges.UseSandbox {
		t.Skip("exchanges.use_sandbox=false，出于安全考虑跳过真实交易所测试")
	}

	code := os.Getenv("TRADES_SANDBOX_EXCHANGE")
	key := os.Getenv("TRADES_SANDBOX_API_KEY")
	secret := os.Getenv("TRADES_SANDBOX_API_SECRET")
	if code == "" || key == "" || secret == "" {
		t.Skip("缺少沙盒凭证，跳过测试")
	}

	logger, _ := zap.NewDevelopment()
	cred := account.Credential{
		Ref:       account.Ref{Kind: account.KindSystem, ID: 1},
		APIKey:    key,
		APISecret: secret,
		Hash:      account.CredentialHash(1, key, ""),
		Enabled:   true,
		Alive:     true,
	}
	tr := NewTransport(NewCCXTFactory(true, logger), cfg.Exchanges, logger)
	adapter := exchange.NewCCXTAdapter(code)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	balReq, err := adapter.BuildGetBalances()
	if err != nil {
		t.Fatalf("BuildGetBalances: %v", err)
	}
	resp, err := tr.Do(ctx, cred, entryFor(t, balReq))
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("查询余额被拒绝: %s", resp.Body)
	}
	bal, err := adapter.ParseGetBalances(resp.StatusCode, resp.Body)
	if err != nil {
		t.Fatalf("解析余额失败: %v", err)
	}
	t.Logf("sandbox balances: %v", bal.Total)

	openReq, _ := adapter.BuildGetOrders("")
	resp, err = tr.Do(ctx, cred, entryFor(t, openReq))
	if err != nil {
		t.Fatalf("查询挂单失败: %v", err)
	}
	orders, err := adapter.ParseGetOrders(resp.StatusCode, resp.Body)
	if err != nil {
		t.Fatalf("解析挂单失败: %v", err)
	}
	t.Logf("sandbox open orders: %d", len(orders))
}
