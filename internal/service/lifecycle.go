package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/logger"
	"mailmask/backend/internal/storage"
)

var (
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrLabelReserved    = errors.New("label shape reserved for reply tokens")
	ErrTokenExpired     = errors.New("verification token expired")
	ErrTokenCooldown    = errors.New("verification token recently issued, wait before resending")
	ErrWrongPurpose     = errors.New("verification token purpose mismatch")
)

// 回复令牌唯一冲突时的重新生成次数
const replyTokenRetries = 5

// LifecycleService 管理别名的全生命周期：创建、验证、启停、删除，
// 以及发件人名单、投递记录和后台清理。
type LifecycleService struct {
	store     storage.Store
	engine    *crypto.Engine
	directory *DirectoryService
	cfg       *config.Config
	log       *zap.Logger

	// now 可在测试中替换以控制时间
	now func() time.Time
}

// NewLifecycleService 创建别名生命周期服务。
func NewLifecycleService(store storage.Store, engine *crypto.Engine, directory *DirectoryService, cfg *config.Config, log *zap.Logger) *LifecycleService {
	return &LifecycleService{
		store:     store,
		engine:    engine,
		directory: directory,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// CreateAliasInput 定义创建别名所需的输入。
type CreateAliasInput struct {
	Label        string // 为空时随机生成
	Domain       string // 为空时使用默认收信域
	Destination  string // 必填：真实目标地址
	ReplyEnabled bool
	Public       bool
	ExpiresAt    *time.Time
}

// CreateAliasResult 携带新建的别名和一次性凭证。
//
// 管理令牌与验证令牌的明文只在这里出现一次，之后无法找回。
type CreateAliasResult struct {
	Alias             *domain.Alias
	ManagementToken   string
	VerificationToken string // 需要验证时非空，应发往目标地址
}

// CreateAlias 创建新的转发别名。
//
// 目标地址在落库前完成加密和摘要计算，明文不进入存储。
// 配置要求验证时，别名以未验证状态创建并签发验证令牌。
func (s *LifecycleService) CreateAlias(input CreateAliasInput) (*CreateAliasResult, error) {
	destination := domain.NormalizeAddress(input.Destination)
	if err := domain.ValidateEmail(destination); err != nil {
		return nil, err
	}

	domainName, err := s.resolveDomain(input.Domain)
	if err != nil {
		return nil, err
	}

	label, err := s.resolveLabel(input.Label)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := s.now().UTC()

	blob, err := s.engine.Encrypt(destination, id)
	if err != nil {
		return nil, fmt.Errorf("encrypt destination: %w", err)
	}

	managementToken, err := crypto.NewManagementToken()
	if err != nil {
		return nil, err
	}

	verified := !s.cfg.Lifecycle.VerificationRequired

	alias := &domain.Alias{
		ID:              id,
		Label:           label,
		Domain:          domainName,
		Address:         label + "@" + domainName,
		Encrypted:       blob,
		DestinationHash: s.engine.Hash(destination),
		Verified:        verified,
		Active:          verified,
		Public:          input.Public,
		ManagementToken: crypto.HashToken(managementToken),
		ReplyEnabled:    input.ReplyEnabled,
		ExpiresAt:       input.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.saveWithFreshReplyToken(alias); err != nil {
		return nil, err
	}

	if err := s.store.IncrementDomainAliasCount(domainName); err != nil {
		s.log.Warn("failed to bump domain alias count",
			zap.String("domain", domainName),
			zap.Error(err),
		)
	}

	result := &CreateAliasResult{Alias: alias, ManagementToken: managementToken}

	if s.cfg.Lifecycle.VerificationRequired {
		token, err := s.IssueVerificationToken(destination, domain.PurposeAliasVerify, id)
		if err != nil {
			return nil, err
		}
		result.VerificationToken = token
	}

	s.log.Info("alias created",
		zap.String("alias_id", id),
		zap.String("address", alias.Address),
		zap.Bool("verified", verified),
	)
	return result, nil
}

// saveWithFreshReplyToken 保存别名，回复令牌撞唯一索引时重新生成
func (s *LifecycleService) saveWithFreshReplyToken(alias *domain.Alias) error {
	for attempt := 0; attempt < replyTokenRetries; attempt++ {
		token, err := crypto.NewReplyToken()
		if err != nil {
			return err
		}
		alias.ReplyToken = token

		err = s.store.SaveAlias(alias)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrReplyTokenExists) {
			return err
		}
	}
	return fmt.Errorf("could not allocate unique reply token after %d attempts", replyTokenRetries)
}

// resolveDomain 挑选收信域：显式指定须存在且启用，省略时取默认域
func (s *LifecycleService) resolveDomain(requested string) (string, error) {
	if requested != "" {
		requested = strings.ToLower(strings.TrimSpace(requested))
		d, err := s.store.GetDomainByName(requested)
		if err != nil {
			if errors.Is(err, storage.ErrDomainNotFound) {
				return "", ErrDomainNotAllowed
			}
			return "", err
		}
		if !d.AcceptsMail() {
			return "", ErrDomainNotAllowed
		}
		return d.Name, nil
	}

	domains, err := s.store.ListActiveDomains()
	if err != nil {
		return "", err
	}
	if len(domains) == 0 {
		return "", ErrDomainNotAllowed
	}
	for _, d := range domains {
		if d.IsDefault {
			return d.Name, nil
		}
	}
	return domains[0].Name, nil
}

// resolveLabel 生成或验证别名标签
func (s *LifecycleService) resolveLabel(label string) (string, error) {
	if label == "" {
		return s.generateRandomLabel(), nil
	}
	label = strings.ToLower(strings.TrimSpace(label))
	if err := domain.ValidateLabel(label); err != nil {
		return "", err
	}
	// 回复令牌形状的标签保留给回复路由
	if domain.IsReplyTokenShape(label) {
		return "", ErrLabelReserved
	}
	return label, nil
}

// generateRandomLabel 生成随机标签。
func (s *LifecycleService) generateRandomLabel() string {
	base := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return base[:12]
}

// VerifyAlias 用一次性令牌完成别名验证，成功后别名转为启用。
func (s *LifecycleService) VerifyAlias(token string) (*domain.Alias, error) {
	now := s.now().UTC()

	consumed, err := s.store.ConsumeVerificationToken(crypto.HashToken(token), now)
	if err != nil {
		return nil, err
	}
	if consumed.Purpose != domain.PurposeAliasVerify {
		return nil, ErrWrongPurpose
	}
	if consumed.IsExpired(now) {
		return nil, ErrTokenExpired
	}

	alias, err := s.store.GetAlias(consumed.Metadata)
	if err != nil {
		return nil, err
	}

	if err := alias.MarkVerified(now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAlias(alias); err != nil {
		return nil, err
	}

	s.directory.Invalidate(alias)
	s.log.Info("alias verified", zap.String("alias_id", alias.ID))
	return alias, nil
}

// IssueVerificationToken 为目标地址签发一次性验证令牌。
//
// 同一地址同一用途存在未过期未使用的令牌时受冷却时间约束，
// 防止验证邮件被当成轰炸工具。返回令牌明文。
func (s *LifecycleService) IssueVerificationToken(email string, purpose domain.VerificationPurpose, metadata string) (string, error) {
	now := s.now().UTC()

	latest, err := s.store.GetLatestVerificationToken(email, purpose)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		return "", err
	}
	if latest != nil && !latest.IsExpired(now) && now.Sub(latest.CreatedAt) < s.cfg.Lifecycle.ResendCooldown {
		return "", ErrTokenCooldown
	}

	plaintext, err := crypto.NewVerificationToken()
	if err != nil {
		return "", err
	}

	token := &domain.VerificationToken{
		ID:        uuid.NewString(),
		TokenHash: crypto.HashToken(plaintext),
		Email:     email,
		Purpose:   purpose,
		Metadata:  metadata,
		ExpiresAt: now.Add(s.cfg.Lifecycle.TokenTTL),
		CreatedAt: now,
	}
	if err := s.store.SaveVerificationToken(token); err != nil {
		return "", err
	}
	return plaintext, nil
}

// SetActive 启用或停用别名。
//
// 停用在首次转换时记录停用时间，重复停用不刷新该时间，
// 宽限期因此不会被反复请求重置。
func (s *LifecycleService) SetActive(id string, active bool) (*domain.Alias, error) {
	alias, err := s.store.GetAlias(id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if active {
		err = alias.Enable(now)
	} else {
		err = alias.Disable(now)
	}
	if err != nil {
		return nil, err
	}

	alias.UpdatedAt = now
	if err := s.store.UpdateAlias(alias); err != nil {
		return nil, err
	}

	s.directory.Invalidate(alias)
	s.log.Info("alias state changed",
		zap.String("alias_id", id),
		zap.Bool("active", active),
	)
	return alias, nil
}

// SetReplyEnabled 打开或关闭别名的回复转发。
func (s *LifecycleService) SetReplyEnabled(id string, enabled bool) (*domain.Alias, error) {
	alias, err := s.store.GetAlias(id)
	if err != nil {
		return nil, err
	}

	alias.ReplyEnabled = enabled
	alias.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAlias(alias); err != nil {
		return nil, err
	}

	s.directory.Invalidate(alias)
	return alias, nil
}

// SetExpiry 设置或清除别名的显式过期时间。
func (s *LifecycleService) SetExpiry(id string, expiresAt *time.Time) (*domain.Alias, error) {
	alias, err := s.store.GetAlias(id)
	if err != nil {
		return nil, err
	}

	alias.ExpiresAt = expiresAt
	alias.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAlias(alias); err != nil {
		return nil, err
	}

	s.directory.Invalidate(alias)
	return alias, nil
}

// DeleteAlias 立即删除别名及其关联数据。
func (s *LifecycleService) DeleteAlias(id string) error {
	alias, err := s.store.GetAlias(id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteAlias(id); err != nil {
		return err
	}

	if err := s.store.DecrementDomainAliasCount(alias.Domain); err != nil {
		s.log.Warn("failed to drop domain alias count",
			zap.String("domain", alias.Domain),
			zap.Error(err),
		)
	}

	s.directory.Invalidate(alias)
	s.log.Info("alias deleted", zap.String("alias_id", id))
	return nil
}

// ScheduledDeletionAt 返回别名按当前状态推算的计划删除时间。
//
// 结果不落库，每次读取都按当前配置重新计算。
func (s *LifecycleService) ScheduledDeletionAt(alias *domain.Alias) *time.Time {
	return alias.ScheduledDeletionAt(s.cfg.Lifecycle.UnverifiedTTL, s.cfg.Lifecycle.DisabledTTL)
}

// BlockSender 向别名的拦截名单添加一条记录。
//
// 含 '*' 或 '?' 的值按受限通配模式处理并预检编译，其余按完整
// 地址的字面匹配处理。
func (s *LifecycleService) BlockSender(aliasID, value, reason string) (*domain.BlockedSender, error) {
	alias, err := s.store.GetAlias(aliasID)
	if err != nil {
		return nil, err
	}

	value = strings.ToLower(strings.TrimSpace(value))
	isPattern := strings.ContainsAny(value, "*?")
	if isPattern {
		if _, err := compilePattern(value); err != nil {
			return nil, fmt.Errorf("invalid block pattern: %w", err)
		}
	} else if err := domain.ValidateEmail(value); err != nil {
		return nil, err
	}

	blocked := &domain.BlockedSender{
		ID:        uuid.NewString(),
		AliasID:   aliasID,
		Value:     value,
		IsPattern: isPattern,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.SaveBlockedSender(blocked); err != nil {
		return nil, err
	}

	s.directory.Invalidate(alias)
	return blocked, nil
}

// UnblockSender 从别名的拦截名单移除一条记录。
func (s *LifecycleService) UnblockSender(aliasID, blockedID string) error {
	alias, err := s.store.GetAlias(aliasID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteBlockedSender(blockedID); err != nil {
		return err
	}

	s.directory.Invalidate(alias)
	return nil
}

// RecordForward 记录一次成功转发：递增计数并写投递日志。
//
// 日志中的发件地址经过脱敏，明文地址不落日志存储。
func (s *LifecycleService) RecordForward(alias *domain.Alias, sender string, processing time.Duration, outboundID string) {
	now := s.now().UTC()

	if err := s.store.IncrementForwardCount(alias.ID, now); err != nil {
		s.log.Warn("failed to bump forward count", zap.String("alias_id", alias.ID), zap.Error(err))
	}

	s.saveLog(&domain.EmailLogEntry{
		AliasID:      &alias.ID,
		Sender:       logger.MaskEmail(sender),
		Recipient:    alias.Address,
		Status:       domain.LogStatusForwarded,
		ProcessingMs: processing.Milliseconds(),
		OutboundID:   outboundID,
		CreatedAt:    now,
	})
}

// RecordBlocked 记录一次拦截：只写投递日志，不动别名计数。
//
// 停用、限流等拦截走这里；发件人名单命中用 RecordSenderBlocked。
func (s *LifecycleService) RecordBlocked(alias *domain.Alias, sender, reason string, processing time.Duration) {
	s.saveLog(&domain.EmailLogEntry{
		AliasID:      &alias.ID,
		Sender:       logger.MaskEmail(sender),
		Recipient:    alias.Address,
		Status:       domain.LogStatusBlocked,
		Reason:       reason,
		ProcessingMs: processing.Milliseconds(),
		CreatedAt:    s.now().UTC(),
	})
}

// RecordSenderBlocked 记录一次发件人名单命中：递增拦截计数并写投递日志。
func (s *LifecycleService) RecordSenderBlocked(alias *domain.Alias, sender, reason string, processing time.Duration) {
	if err := s.store.IncrementBlockedCount(alias.ID); err != nil {
		s.log.Warn("failed to bump blocked count", zap.String("alias_id", alias.ID), zap.Error(err))
	}
	s.RecordBlocked(alias, sender, reason, processing)
}

// RecordFailure 记录一次投递失败，别名未知时 aliasID 为 nil。
func (s *LifecycleService) RecordFailure(aliasID *string, sender, recipient, reason string, processing time.Duration) {
	s.saveLog(&domain.EmailLogEntry{
		AliasID:      aliasID,
		Sender:       logger.MaskEmail(sender),
		Recipient:    recipient,
		Status:       domain.LogStatusFailed,
		Reason:       reason,
		ProcessingMs: processing.Milliseconds(),
		CreatedAt:    s.now().UTC(),
	})
}

func (s *LifecycleService) saveLog(entry *domain.EmailLogEntry) {
	entry.ID = uuid.NewString()
	if err := s.store.SaveEmailLog(entry); err != nil {
		s.log.Warn("failed to persist email log entry", zap.Error(err))
	}
}

// ReapUnverified 删除超过验证时限仍未验证的别名，返回删除数量。
func (s *LifecycleService) ReapUnverified() (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Lifecycle.UnverifiedTTL)
	return s.store.DeleteUnverifiedBefore(cutoff)
}

// ReapDisabled 删除停用超过宽限期的别名，返回删除数量。
func (s *LifecycleService) ReapDisabled() (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Lifecycle.DisabledTTL)
	return s.store.DeleteDisabledBefore(cutoff)
}

// ReapExpired 删除已过显式过期时间的别名，返回删除数量。
func (s *LifecycleService) ReapExpired() (int, error) {
	return s.store.DeleteExpired(s.now().UTC())
}

// PruneVerificationTokens 清理过期验证令牌，返回删除数量。
func (s *LifecycleService) PruneVerificationTokens() (int, error) {
	return s.store.DeleteExpiredVerificationTokens(s.now().UTC())
}

// PruneEmailLogs 按保留期清理投递日志，返回删除数量。
func (s *LifecycleService) PruneEmailLogs() (int, error) {
	if s.cfg.Lifecycle.LogRetention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.cfg.Lifecycle.LogRetention)
	return s.store.DeleteEmailLogsBefore(cutoff)
}
