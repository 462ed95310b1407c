package forward

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerTransport 在外发通道外包一层熔断。
//
// 上游持续失败时快速拒绝，避免每封入站邮件都吊死在
// 失效的投递通道上；半开状态放行单个探测请求。
type BreakerTransport struct {
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerTransport 包装一个外发通道。
func NewBreakerTransport(inner Transport, log *zap.Logger) *BreakerTransport {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbound-" + inner.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("outbound breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerTransport{inner: inner, cb: cb}
}

// Send 经熔断器投递，熔断打开时直接返回 gobreaker.ErrOpenState。
func (t *BreakerTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	res, err := t.cb.Execute(func() (interface{}, error) {
		return t.inner.Send(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Result), nil
}

// Name 返回被包装通道的名称。
func (t *BreakerTransport) Name() string {
	return t.inner.Name()
}

// State 返回当前熔断状态，供健康检查和指标上报使用。
func (t *BreakerTransport) State() gobreaker.State {
	return t.cb.State()
}
