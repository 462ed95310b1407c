package smtp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/forward"
	"mailmask/backend/internal/service"
	"mailmask/backend/internal/storage/memory"
)

// recordingTransport 记录投递请求，供断言使用
type recordingTransport struct {
	mu   sync.Mutex
	sent []*forward.Message
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, msg *forward.Message) (*forward.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.sent = append(r.sent, msg)
	return &forward.Result{MessageID: fmt.Sprintf("out-%d", len(r.sent))}, nil
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) messages() []*forward.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*forward.Message(nil), r.sent...)
}

type backendFixture struct {
	store     *memory.Store
	engine    *crypto.Engine
	lifecycle *service.LifecycleService
	transport *recordingTransport
	backend   *Backend
	cfg       *config.Config
}

func newBackendFixture(t *testing.T, mutate ...func(*config.Config)) *backendFixture {
	t.Helper()

	engine, err := crypto.NewEngine(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	cfg := &config.Config{
		SMTP: config.SMTPConfig{
			Domains:         []string{"mailmask.example"},
			MaxMessageBytes: 25 << 20,
		},
		RateLimit: config.RateLimitConfig{
			SenderLimit:  100,
			SenderWindow: time.Minute,
			AliasLimit:   100,
			AliasWindow:  time.Minute,
		},
		Lifecycle: config.LifecycleConfig{
			UnverifiedTTL:  72 * time.Hour,
			DisabledTTL:    720 * time.Hour,
			TokenTTL:       24 * time.Hour,
			ResendCooldown: 10 * time.Minute,
			CacheTTL:       time.Minute,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID: "dom-1", Name: "mailmask.example",
		IsActive: true, IsPublic: true, IsDefault: true,
	}))

	log := zap.NewNop()
	directory := service.NewDirectoryService(store, store, nil, cfg, log)
	guard := service.NewGuardService(store, engine, cfg, log)
	lifecycle := service.NewLifecycleService(store, engine, directory, cfg, log)
	transport := &recordingTransport{}
	composer := forward.NewComposer(cfg.SMTP.MaxMessageBytes)
	backend := NewBackend(directory, guard, lifecycle, engine, composer, transport, &cfg.SMTP, log)

	return &backendFixture{
		store:     store,
		engine:    engine,
		lifecycle: lifecycle,
		transport: transport,
		backend:   backend,
		cfg:       cfg,
	}
}

// createAlias 建一个已启用的别名
func (f *backendFixture) createAlias(t *testing.T, label, destination string, replyEnabled bool) *domain.Alias {
	t.Helper()
	result, err := f.lifecycle.CreateAlias(service.CreateAliasInput{
		Label:        label,
		Destination:  destination,
		ReplyEnabled: replyEnabled,
	})
	require.NoError(t, err)
	return result.Alias
}

// deliver 走一遍完整的会话：MAIL FROM、RCPT TO、DATA
func deliver(t *testing.T, b *Backend, from, to, raw string) error {
	t.Helper()
	sess, err := b.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, sess.Mail(from, nil))
	if err := sess.Rcpt(to, nil); err != nil {
		return err
	}
	return sess.Data(strings.NewReader(raw))
}

func sampleMessage(subject string) string {
	return "From: Alice <alice@example.com>\r\n" +
		"To: shopping@mailmask.example\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"The package is on its way.\r\n"
}

func TestSessionRcpt(t *testing.T) {
	f := newBackendFixture(t)

	newSession := func(t *testing.T) gosmtp.Session {
		sess, err := f.backend.NewSession(nil)
		require.NoError(t, err)
		require.NoError(t, sess.Mail("alice@example.com", nil))
		return sess
	}

	t.Run("形状不合法的地址 501", func(t *testing.T) {
		err := newSession(t).Rcpt("not-an-address", nil)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 501, smtpErr.Code)
		assert.Equal(t, gosmtp.EnhancedCode{5, 1, 3}, smtpErr.EnhancedCode)
	})

	t.Run("未启用的收信域 550", func(t *testing.T) {
		err := newSession(t).Rcpt("anyone@elsewhere.example", nil)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
		assert.Equal(t, gosmtp.EnhancedCode{5, 1, 2}, smtpErr.EnhancedCode)
	})

	t.Run("不存在的别名在 RCPT 阶段照常接受", func(t *testing.T) {
		// 存在性不在 RCPT 阶段暴露，响应必须与存在的别名一致
		assert.NoError(t, newSession(t).Rcpt("ghost@mailmask.example", nil))
	})

	t.Run("存在的别名接受", func(t *testing.T) {
		f.createAlias(t, "shopping", "real@example.net", false)
		assert.NoError(t, newSession(t).Rcpt("shopping@mailmask.example", nil))
	})
}

func TestSessionData_Forward(t *testing.T) {
	f := newBackendFixture(t)
	alias := f.createAlias(t, "shopping", "real@example.net", true)

	err := deliver(t, f.backend, "alice@example.com", "shopping@mailmask.example", sampleMessage("Your order shipped"))
	require.NoError(t, err)

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, "real@example.net", msg.To)
	assert.Equal(t, "shopping@mailmask.example", msg.From)
	assert.Equal(t, "[via shopping@mailmask.example] Your order shipped", msg.Subject)
	assert.Equal(t, alias.ReplyToken+"@mailmask.example", msg.ReplyTo)
	assert.Equal(t, "alice@example.com", msg.Headers["X-MailMask-Original-Sender"])
	assert.Contains(t, msg.Text, "Forwarded by MailMask")
	assert.Contains(t, msg.Text, "The package is on its way.")

	stored, err := f.store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ForwardCount)
	assert.NotNil(t, stored.LastForwardAt)

	logs, err := f.store.ListEmailLogs(alias.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogStatusForwarded, logs[0].Status)
	assert.Equal(t, "out-1", logs[0].OutboundID)
	assert.Equal(t, "a***e@example.com", logs[0].Sender)
}

func TestSessionData_BlockedSenderPattern(t *testing.T) {
	f := newBackendFixture(t)
	alias := f.createAlias(t, "shopping", "real@example.net", false)
	_, err := f.lifecycle.BlockSender(alias.ID, "*@evil.com", "spam wave")
	require.NoError(t, err)

	err = deliver(t, f.backend, "spammer@evil.com", "shopping@mailmask.example", sampleMessage("hot deal"))
	require.NoError(t, err, "拦截不影响协议层的接收响应")

	assert.Empty(t, f.transport.messages(), "拦截的邮件不能外发")

	stored, err := f.store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.BlockedCount)
	assert.Equal(t, int64(0), stored.ForwardCount)

	logs, err := f.store.ListEmailLogs(alias.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogStatusBlocked, logs[0].Status)
	assert.Contains(t, logs[0].Reason, "*@evil.com")
}

func TestSessionData_UnknownAliasLatencyFloor(t *testing.T) {
	const floor = 60 * time.Millisecond
	f := newBackendFixture(t, func(cfg *config.Config) {
		cfg.Guard.MinLatency = floor
	})

	sess, err := f.backend.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, sess.Mail("probe@example.com", nil))
	require.NoError(t, sess.Rcpt("ghost@mailmask.example", nil), "RCPT 不暴露存在性")

	start := time.Now()
	err = sess.Data(strings.NewReader(sampleMessage("probe")))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, floor, "未知别名的响应时间不能低于延迟下限")
	assert.Empty(t, f.transport.messages())

	logs, err := f.store.ListEmailLogs("", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogStatusFailed, logs[0].Status)
	assert.Equal(t, "alias not found", logs[0].Reason)
	assert.Nil(t, logs[0].AliasID)
}

func TestSessionData_InactiveAlias(t *testing.T) {
	f := newBackendFixture(t)
	alias := f.createAlias(t, "shopping", "real@example.net", false)
	_, err := f.lifecycle.SetActive(alias.ID, false)
	require.NoError(t, err)

	err = deliver(t, f.backend, "alice@example.com", "shopping@mailmask.example", sampleMessage("hi"))
	require.NoError(t, err)

	assert.Empty(t, f.transport.messages())

	stored, err := f.store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.BlockedCount, "停用拦截不递增名单计数")

	logs, err := f.store.ListEmailLogs(alias.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogStatusBlocked, logs[0].Status)
	assert.Equal(t, "alias not active", logs[0].Reason)
}

func TestSessionData_AliasRateLimit(t *testing.T) {
	f := newBackendFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.AliasLimit = 1
		cfg.RateLimit.AliasWindow = time.Minute
	})
	alias := f.createAlias(t, "shopping", "real@example.net", false)

	require.NoError(t, deliver(t, f.backend, "alice@example.com", "shopping@mailmask.example", sampleMessage("first")))
	require.NoError(t, deliver(t, f.backend, "alice@example.com", "shopping@mailmask.example", sampleMessage("second")))

	assert.Len(t, f.transport.messages(), 1, "超出配额的投递不能外发")

	logs, err := f.store.ListEmailLogs(alias.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.LogStatusBlocked, logs[0].Status)
	assert.Equal(t, "alias rate limit exceeded", logs[0].Reason)
	assert.Equal(t, domain.LogStatusForwarded, logs[1].Status)

	stored, err := f.store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.BlockedCount, "限流拦截不递增名单计数")
}

func TestSessionData_TransportFailure(t *testing.T) {
	f := newBackendFixture(t)
	alias := f.createAlias(t, "shopping", "real@example.net", false)
	f.transport.err = fmt.Errorf("relay unavailable")

	err := deliver(t, f.backend, "alice@example.com", "shopping@mailmask.example", sampleMessage("hi"))
	require.NoError(t, err, "投递失败不影响协议层的接收响应")

	stored, err := f.store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.ForwardCount, "失败不递增转发计数")

	logs, err := f.store.ListEmailLogs(alias.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogStatusFailed, logs[0].Status)
	assert.Equal(t, "transport send failed", logs[0].Reason)
}

func TestSessionData_ReplyPath(t *testing.T) {
	f := newBackendFixture(t)
	alias := f.createAlias(t, "shopping", "owner@example.net", true)
	replyAddr := alias.ReplyToken + "@mailmask.example"

	t.Run("未知回复令牌记失败", func(t *testing.T) {
		err := deliver(t, f.backend, "anyone@example.com", "r000000000000@mailmask.example", sampleMessage("re"))
		require.NoError(t, err)

		logs, err := f.store.ListEmailLogs("", 10)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Equal(t, domain.LogStatusFailed, logs[0].Status)
		assert.Equal(t, "reply token not found", logs[0].Reason)
	})

	t.Run("非属主发件人拦截", func(t *testing.T) {
		err := deliver(t, f.backend, "stranger@example.com", replyAddr, sampleMessage("re"))
		require.NoError(t, err)

		logs, err := f.store.ListEmailLogs(alias.ID, 10)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Equal(t, domain.LogStatusBlocked, logs[0].Status)
		assert.Equal(t, "reply sender mismatch", logs[0].Reason)
	})

	t.Run("属主回复按未实现记失败", func(t *testing.T) {
		err := deliver(t, f.backend, "owner@example.net", replyAddr, sampleMessage("re"))
		require.NoError(t, err)

		logs, err := f.store.ListEmailLogs(alias.ID, 10)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Equal(t, domain.LogStatusFailed, logs[0].Status)
		assert.Equal(t, "reply forwarding not implemented", logs[0].Reason)
		assert.Empty(t, f.transport.messages(), "回复存根不外发")
	})

	t.Run("回复关闭时拦截", func(t *testing.T) {
		closed := f.createAlias(t, "noreturn", "owner2@example.net", false)
		err := deliver(t, f.backend, "owner2@example.net", closed.ReplyToken+"@mailmask.example", sampleMessage("re"))
		require.NoError(t, err)

		logs, err := f.store.ListEmailLogs(closed.ID, 10)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Equal(t, domain.LogStatusBlocked, logs[0].Status)
		assert.Equal(t, "reply not enabled", logs[0].Reason)
	})
}

func TestSessionData_Oversize(t *testing.T) {
	f := newBackendFixture(t, func(cfg *config.Config) {
		cfg.SMTP.MaxMessageBytes = 256
	})
	f.createAlias(t, "shopping", "real@example.net", false)

	big := sampleMessage("big") + strings.Repeat("x", 512)
	err := deliver(t, f.backend, "alice@example.com", "shopping@mailmask.example", big)

	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 552, smtpErr.Code)
	assert.Equal(t, gosmtp.EnhancedCode{5, 3, 4}, smtpErr.EnhancedCode)
	assert.Empty(t, f.transport.messages())
}

func TestSessionData_MultipleRecipientsIsolated(t *testing.T) {
	f := newBackendFixture(t)
	first := f.createAlias(t, "first", "one@example.net", false)
	second := f.createAlias(t, "second", "two@example.net", false)
	_, err := f.lifecycle.BlockSender(second.ID, "alice@example.com", "manual")
	require.NoError(t, err)

	sess, err := f.backend.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, sess.Mail("alice@example.com", nil))
	require.NoError(t, sess.Rcpt("first@mailmask.example", nil))
	require.NoError(t, sess.Rcpt("second@mailmask.example", nil))
	require.NoError(t, sess.Data(strings.NewReader(sampleMessage("fanout"))))

	sent := f.transport.messages()
	require.Len(t, sent, 1, "只有未被拦截的收件人收到转发")
	assert.Equal(t, "one@example.net", sent[0].To)

	firstStored, err := f.store.GetAlias(first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), firstStored.ForwardCount)

	secondStored, err := f.store.GetAlias(second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), secondStored.BlockedCount)
}

func TestConnLimiter(t *testing.T) {
	limiter := NewConnLimiter(60, 2)
	addr := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 2525}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr))
	assert.False(t, limiter.Allow(addr), "突发额度用尽后应拒绝")

	other := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 2525}
	assert.True(t, limiter.Allow(other), "不同来源互不影响")
}
