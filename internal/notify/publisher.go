// Package notify 发布订单状态变更通知。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"trades-exec/internal/config"
)

// OrderEvent 为订单状态变更通知。
type OrderEvent struct {
	OrderID       int64     `json:"order_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	StatusCode    string    `json:"status_code"`
	StatusMessage string    `json:"status_message,omitempty"`
	Remain        string    `json:"remain"`
	PriceAvgExec  string    `json:"price_avg_exec"`
	Fee           string    `json:"fee"`
	At            time.Time `json:"at"`
}

// Publisher 发布订单事件。发布失败不影响已提交的状态。
type Publisher interface {
	PublishOrder(ctx context.Context, ev OrderEvent) error
	Close() error
}

// Nop 丢弃全部事件。
type Nop struct{}

func (Nop) PublishOrder(context.Context, OrderEvent) error { return nil }
func (Nop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 将订单事件写入 Kafka，以订单 id 为 key 保证同一订单有序。
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaPublisher 创建 Kafka 生产者。
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("notify: kafka brokers 与 topic 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            attempts,
		WriteTimeout:           cfg.WriteTimeout,
	}
	logger.Info("Kafka 生产者已创建", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return newKafkaPublisher(w, cfg.Topic, cfg.WriteTimeout, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, timeout time.Duration, logger *zap.Logger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, topic: topic, timeout: timeout, logger: logger}
}

// PublishOrder 发布单条订单事件。
func (p *KafkaPublisher) PublishOrder(ctx context.Context, ev OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: 序列化订单事件失败: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: data,
		Time:  ev.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("发送订单事件失败",
			zap.String("topic", p.topic),
			zap.Int64("order_id", ev.OrderID),
			zap.Error(err),
		)
		return fmt.Errorf("notify: 写入 kafka 失败: %w", err)
	}
	p.logger.Debug("订单事件已发送", zap.Int64("order_id", ev.OrderID), zap.String("status", ev.Status))
	return nil
}

// Close 关闭生产者。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// New 按配置创建发布器，未启用时返回 Nop。
func New(cfg config.NotifyConfig, logger *zap.Logger) (Publisher, error) {
	if !cfg.Kafka.Enabled {
		return Nop{}, nil
	}
	return NewKafkaPublisher(cfg.Kafka, logger)
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*KafkaPublisher)(nil)
)
