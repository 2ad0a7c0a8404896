// Package admin 提供运维 HTTP 接口：监控事件、订单录入、审批与停用、直接请求和汇率维护。
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/catalog"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
	"trades-exec/internal/metrics"
	"trades-exec/internal/monitor"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// Deps 为运维接口依赖。Monitor 与 Metrics 为空时对应路由返回 404。
type Deps struct {
	Store    *store.Store
	Orders   *order.Repository
	Accounts *account.Registry
	Catalog  *catalog.Repository
	Stack    *requeststack.Stack
	Adapters *exchange.Registry
	Monitor  *monitor.Service
	Metrics  *metrics.Metrics
}

// Server 为运维接口服务。
type Server struct {
	store    *store.Store
	orders   *order.Repository
	accounts *account.Registry
	catalog  *catalog.Repository
	stack    *requeststack.Stack
	adapters *exchange.Registry
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	cfg      config.AdminConfig
	logger   *zap.Logger

	engine *gin.Engine
}

// New 创建运维接口并注册路由。
func New(deps Deps, cfg config.AdminConfig, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Accounts == nil ||
		deps.Catalog == nil || deps.Stack == nil || deps.Adapters == nil {
		return nil, fmt.Errorf("admin: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    deps.Store,
		orders:   deps.Orders,
		accounts: deps.Accounts,
		catalog:  deps.Catalog,
		stack:    deps.Stack,
		adapters: deps.Adapters,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(engine)
	s.engine = engine
	return s, nil
}

// Handler 返回路由引擎。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", s.health)
	if s.monitor != nil {
		r.GET("/events", s.listEvents)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	orders := r.Group("/orders")
	{
		orders.POST("", s.createOrder)
		orders.GET("/:id", s.getOrder)
		orders.POST("/:id/approve", s.approveOrder)
		orders.POST("/:id/disable", s.disableOrder)
	}

	requests := r.Group("/requests")
	{
		requests.POST("/direct", s.directRequest)
		requests.GET("/:str_id", s.getRequest)
	}

	r.PUT("/currencies/:code/rate", s.setRate)
}

// requestLogger 为每个请求分配 request_id 并记录耗时。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("运维请求失败", fields...)
			return
		}
		s.logger.Debug("运维请求完成", fields...)
	}
}

// Run 监听配置地址直到 ctx 结束，随后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("运维接口已启动", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin: 运维接口异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭运维接口失败", zap.Error(err))
	}
	s.logger.Info("运维接口已停止")
	return nil
}
