package forward

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/logger"
)

// Message 为合成完毕、等待外发的邮件。
type Message struct {
	From     string // 信封发件地址，即别名地址
	FromName string // From 头显示名
	To       string // 解密后的真实目标地址
	ReplyTo  string
	Subject  string
	Text     string
	HTML     string
	Headers  map[string]string
}

// Result 外发结果。
type Result struct {
	MessageID string
}

// Transport 把合成后的邮件交给外部投递通道。
//
// 实现只负责投递本身，重试和熔断由调用方组合。
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Name() string
}

// NewTransport 按配置创建外发通道。
func NewTransport(cfg *config.TransportConfig, log *zap.Logger) (Transport, error) {
	switch cfg.Kind {
	case "log", "":
		return NewLogTransport(log), nil
	case "smtp":
		return NewSMTPTransport(cfg, log), nil
	case "ses":
		return NewSESTransport(cfg, log)
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Kind)
	}
}

// LogTransport 只记录日志、不实际投递，供开发环境使用。
type LogTransport struct {
	log *zap.Logger
}

// NewLogTransport 创建日志外发通道。
func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: log}
}

// Send 记录投递内容并返回生成的消息 ID。
func (t *LogTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	id := uuid.NewString()
	t.log.Info("outbound message (log transport)",
		zap.String("message_id", id),
		zap.String("from", msg.From),
		zap.String("to", logger.MaskEmail(msg.To)),
		zap.String("reply_to", logger.MaskEmail(msg.ReplyTo)),
		zap.String("subject", msg.Subject),
		zap.Int("text_bytes", len(msg.Text)),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	return &Result{MessageID: id}, nil
}

// Name 返回通道名称。
func (t *LogTransport) Name() string {
	return "log"
}
