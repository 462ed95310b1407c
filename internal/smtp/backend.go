package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/forward"
	"mailmask/backend/internal/logger"
	"mailmask/backend/internal/monitoring"
	"mailmask/backend/internal/service"
	"mailmask/backend/internal/storage"
)

// sendTimeout 单次外发投递的时间上限
const sendTimeout = 30 * time.Second

// errNoDestination 表示别名既没有密文也没有旧明文目标地址
var errNoDestination = errors.New("alias has no destination")

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【安全说明】
// 这是收信入口，不是开放中继：
// - RCPT 阶段只验证地址形状和收信域，故意不查别名是否存在，
//   响应内容和时延都不暴露存在性信号；
// - 别名解析、名单、限流全部在正文阶段执行，所有结果路径
//   都经过统一的最小延迟；
// - 转发只发往解密出的目标地址，外部地址无法作为收件人。
type Backend struct {
	directory *service.DirectoryService
	guard     *service.GuardService
	lifecycle *service.LifecycleService
	engine    *crypto.Engine
	composer  *forward.Composer
	transport forward.Transport
	limiter   *ConnLimiter // 可为 nil，表示不限制连接
	maxBytes  int64
	log       *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(
	directory *service.DirectoryService,
	guard *service.GuardService,
	lifecycle *service.LifecycleService,
	engine *crypto.Engine,
	composer *forward.Composer,
	transport forward.Transport,
	cfg *config.SMTPConfig,
	log *zap.Logger,
) *Backend {
	b := &Backend{
		directory: directory,
		guard:     guard,
		lifecycle: lifecycle,
		engine:    engine,
		composer:  composer,
		transport: transport,
		maxBytes:  cfg.MaxMessageBytes,
		log:       log,
	}
	if b.maxBytes <= 0 {
		b.maxBytes = forward.DefaultMaxMessageBytes
	}
	if cfg.ConnPerMinute > 0 {
		b.limiter = NewConnLimiter(cfg.ConnPerMinute, cfg.ConnBurst)
	}
	return b
}

// NewSession 建立新会话，来源连接超速时在会话建立阶段直接拒绝。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	metrics := monitoring.GetMetrics()
	metrics.RecordConnection()

	if b.limiter != nil && !b.limiter.Allow(remoteAddr(c)) {
		metrics.RecordConnectionRejected()
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}

	return &session{backend: b}, nil
}

// recipient 一条通过了 RCPT 检查的收件地址
type recipient struct {
	address string
	local   string
	domain  string
}

// session 表示一次 SMTP 会话。
type session struct {
	backend     *Backend
	fromAddress string
	recipients  []recipient
}

// Mail 记录规范化后的信封发件人。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = domain.NormalizeAddress(from)
	return nil
}

// Rcpt 在收正文前做最小验证：地址形状和收信域。
//
// 这里故意不查别名是否存在。存在性只有在正文阶段、经过统一
// 最小延迟之后才可能间接体现，RCPT 响应不能当枚举探针用。
func (s *session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	address := domain.NormalizeAddress(to)

	local, domainName, err := domain.ParseRecipient(address)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	active, err := s.backend.directory.DomainActive(domainName)
	if err != nil {
		s.backend.log.Error("domain lookup failed",
			zap.String("domain", domainName),
			zap.Error(err),
		)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure",
		}
	}
	if !active {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 2},
			Message:      "domain not handled here",
		}
	}

	s.recipients = append(s.recipients, recipient{address: address, local: local, domain: domainName})
	return nil
}

// Data 接收正文并对每个收件人独立执行转发管道。
//
// 协议层面统一返回 250：单个收件人的结果只进投递日志，
// 不反馈给发送方。
func (s *session) Data(r io.Reader) error {
	start := time.Now()
	metrics := monitoring.GetMetrics()

	// 所有路径补足最小延迟后才写协议响应
	defer s.backend.guard.EnforceMinLatency(start)

	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message",
		}
	}
	if int64(len(raw)) > s.backend.maxBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message exceeds maximum size",
		}
	}
	metrics.RecordMessageSize(int64(len(raw)))

	env, err := ParseEnvelope(raw)
	if err != nil {
		s.backend.log.Warn("failed to parse inbound message",
			zap.String("sender", logger.MaskEmail(s.fromAddress)),
			zap.Error(err),
		)
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message content rejected",
		}
	}

	for _, rcpt := range s.recipients {
		s.processRecipient(rcpt, env, start)
	}

	metrics.RecordProcessingDuration(time.Since(start))
	return nil
}

// processRecipient 对单个收件地址执行转发管道。
//
// 每个收件人独立处理，结果互不影响；已提交的计数和日志
// 不随后续收件人的失败回滚。
func (s *session) processRecipient(rcpt recipient, env *forward.ParsedEnvelope, start time.Time) {
	b := s.backend
	metrics := monitoring.GetMetrics()

	// 回复令牌形状的地址走回复路径
	if domain.IsReplyTokenShape(rcpt.local) {
		s.processReply(rcpt, env, start)
		return
	}

	alias, err := b.directory.Resolve(rcpt.address)
	if err != nil {
		reason := "alias not found"
		if !errors.Is(err, storage.ErrAliasNotFound) {
			b.log.Error("alias lookup failed", zap.String("recipient", rcpt.address), zap.Error(err))
			reason = "directory lookup failed"
		}
		b.lifecycle.RecordFailure(nil, s.fromAddress, rcpt.address, reason, time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusFailed))
		return
	}

	if !alias.IsForwardable() {
		b.lifecycle.RecordBlocked(alias, s.fromAddress, "alias not active", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusBlocked))
		return
	}

	if err := b.guard.CheckSender(alias, s.fromAddress); err != nil {
		b.lifecycle.RecordSenderBlocked(alias, s.fromAddress, err.Error(), time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusBlocked))
		return
	}

	if err := b.guard.CheckSenderRate(s.fromAddress); err != nil {
		b.lifecycle.RecordBlocked(alias, s.fromAddress, "sender rate limit exceeded", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusBlocked))
		return
	}
	if err := b.guard.CheckAliasRate(alias.ID); err != nil {
		b.lifecycle.RecordBlocked(alias, s.fromAddress, "alias rate limit exceeded", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusBlocked))
		return
	}

	destination, err := s.destinationFor(alias)
	if err != nil {
		b.log.Error("failed to resolve destination",
			zap.String("alias_id", alias.ID),
			zap.Error(err),
		)
		b.lifecycle.RecordFailure(&alias.ID, s.fromAddress, rcpt.address, "destination unavailable", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusFailed))
		return
	}

	msg, err := b.composer.BuildForward(alias, destination, s.fromAddress, env)
	if err != nil {
		b.lifecycle.RecordFailure(&alias.ID, s.fromAddress, rcpt.address, "compose failed: "+err.Error(), time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusFailed))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	sendStart := time.Now()
	result, err := b.transport.Send(ctx, msg)
	metrics.RecordOutboundSend(b.transport.Name(), time.Since(sendStart), err)
	if err != nil {
		b.log.Warn("outbound send failed",
			zap.String("alias_id", alias.ID),
			zap.String("transport", b.transport.Name()),
			zap.Error(err),
		)
		b.lifecycle.RecordFailure(&alias.ID, s.fromAddress, rcpt.address, "transport send failed", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusFailed))
		return
	}

	b.lifecycle.RecordForward(alias, s.fromAddress, time.Since(start), result.MessageID)
	metrics.RecordEmailProcessed(string(domain.LogStatusForwarded))
	b.log.Info("message forwarded",
		zap.String("alias", rcpt.address),
		zap.String("sender", logger.MaskEmail(s.fromAddress)),
		zap.String("outbound_id", result.MessageID),
	)
}

// processReply 处理发往回复令牌地址的邮件。
//
// 回复只属于别名属主：发件地址必须等于解密后的目标地址，
// 且别名开启了回复。其余一律按拦截处理，不转发。
func (s *session) processReply(rcpt recipient, env *forward.ParsedEnvelope, start time.Time) {
	b := s.backend
	metrics := monitoring.GetMetrics()

	alias, err := b.directory.ResolveByReplyToken(rcpt.local)
	if err != nil {
		reason := "reply token not found"
		if !errors.Is(err, storage.ErrAliasNotFound) {
			b.log.Error("reply token lookup failed", zap.Error(err))
			reason = "directory lookup failed"
		}
		b.lifecycle.RecordFailure(nil, s.fromAddress, rcpt.address, reason, time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusFailed))
		return
	}

	if !alias.ReplyEnabled {
		b.lifecycle.RecordBlocked(alias, s.fromAddress, "reply not enabled", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusBlocked))
		return
	}

	destination, err := s.destinationFor(alias)
	if err != nil || !strings.EqualFold(destination, s.fromAddress) {
		b.lifecycle.RecordBlocked(alias, s.fromAddress, "reply sender mismatch", time.Since(start))
		metrics.RecordEmailProcessed(string(domain.LogStatusBlocked))
		return
	}

	// 属主验证通过。对外回复（以别名身份发往原始发件人）尚未
	// 实现，如实记录失败而不是静默丢弃。
	b.lifecycle.RecordFailure(&alias.ID, s.fromAddress, rcpt.address, "reply forwarding not implemented", time.Since(start))
	metrics.RecordEmailProcessed(string(domain.LogStatusFailed))
}

// destinationFor 解出别名的真实目标地址。
//
// 已加密的记录走解密；尚未迁移的旧记录退回明文字段。
func (s *session) destinationFor(alias *domain.Alias) (string, error) {
	if alias.HasEncryptedDestination() {
		return s.backend.engine.Decrypt(alias.Encrypted, alias.ID)
	}
	if alias.LegacyDestination != "" {
		return alias.LegacyDestination, nil
	}
	return "", errNoDestination
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

// remoteAddr 取对端地址，连接信息缺失时返回 nil
func remoteAddr(c *gosmtp.Conn) net.Addr {
	if c == nil {
		return nil
	}
	if conn := c.Conn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}
