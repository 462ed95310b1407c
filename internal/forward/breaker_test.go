package forward

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubTransport struct {
	calls int
	err   error
}

func (s *stubTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Result{MessageID: "stub-1"}, nil
}

func (s *stubTransport) Name() string { return "stub" }

func TestBreakerTransport(t *testing.T) {
	t.Run("成功时透传结果", func(t *testing.T) {
		stub := &stubTransport{}
		bt := NewBreakerTransport(stub, zap.NewNop())

		res, err := bt.Send(context.Background(), &Message{To: "real@example.net"})
		require.NoError(t, err)
		assert.Equal(t, "stub-1", res.MessageID)
		assert.Equal(t, 1, stub.calls)
		assert.Equal(t, gobreaker.StateClosed, bt.State())
	})

	t.Run("连续失败后熔断并快速拒绝", func(t *testing.T) {
		stub := &stubTransport{err: errors.New("relay down")}
		bt := NewBreakerTransport(stub, zap.NewNop())

		for i := 0; i < 3; i++ {
			_, err := bt.Send(context.Background(), &Message{})
			require.Error(t, err)
		}
		require.Equal(t, gobreaker.StateOpen, bt.State())

		before := stub.calls
		_, err := bt.Send(context.Background(), &Message{})
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, before, stub.calls, "熔断打开后不应再调用底层通道")
	})
}
