package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/monitoring"
	"mailmask/backend/internal/storage"
)

var (
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrSenderBlocked = errors.New("sender blocked")
)

// GuardService 集中处理滥用防护：发件频率、发件人拦截名单和最小响应延迟。
//
// 频率限制是尽力而为的防护，计数器故障时放行并记日志，
// 不让防护组件本身变成收信路径的故障点。
type GuardService struct {
	counter    storage.Counter // 可为 nil，表示不限流
	engine     *crypto.Engine
	cfg        config.RateLimitConfig
	minLatency time.Duration
	log        *zap.Logger
}

// NewGuardService 创建滥用防护服务。
func NewGuardService(counter storage.Counter, engine *crypto.Engine, cfg *config.Config, log *zap.Logger) *GuardService {
	return &GuardService{
		counter:    counter,
		engine:     engine,
		cfg:        cfg.RateLimit,
		minLatency: cfg.Guard.MinLatency,
		log:        log,
	}
}

// CheckSenderRate 检查发件人在当前窗口内的投递配额。
//
// 计数键使用带密钥的摘要，明文发件地址不进入计数存储。
func (s *GuardService) CheckSenderRate(sender string) error {
	return s.checkRate("sender", "rate:sender:"+s.engine.Hash(sender), s.cfg.SenderLimit, s.cfg.SenderWindow)
}

// CheckAliasRate 检查单个别名在当前窗口内接收的投递配额。
func (s *GuardService) CheckAliasRate(aliasID string) error {
	return s.checkRate("alias", "rate:alias:"+aliasID, s.cfg.AliasLimit, s.cfg.AliasWindow)
}

// checkRate 固定窗口计数，达到限额后整个窗口内拒绝
func (s *GuardService) checkRate(scope, key string, limit int, window time.Duration) error {
	if s.counter == nil || limit <= 0 {
		return nil
	}

	count, _, err := s.counter.IncrementWithTTL(key, window)
	if err != nil {
		// 计数器不可用时放行，限流失效好过收信中断
		s.log.Warn("rate counter unavailable, allowing message", zap.Error(err))
		monitoring.GetMetrics().RecordError("counter", "guard")
		return nil
	}

	if count > int64(limit) {
		monitoring.GetMetrics().RecordRateLimitDenied(scope)
		return ErrRateLimited
	}
	return nil
}

// CheckSender 根据别名的拦截名单检查发件人。
//
// 名单项分两类：完整地址按不区分大小写的字面比较；模式项只有
// '*'（任意串）和 '?'（单个字符）有特殊含义，其余字符一律按
// 字面匹配。命中时返回 ErrSenderBlocked 并附带命中的名单项。
func (s *GuardService) CheckSender(alias *domain.Alias, sender string) error {
	for i := range alias.BlockedSenders {
		blocked := &alias.BlockedSenders[i]
		if blocked.IsPattern {
			matched, err := matchPattern(blocked.Value, sender)
			if err != nil {
				s.log.Warn("invalid blocked sender pattern, skipping",
					zap.String("alias_id", alias.ID),
					zap.String("pattern", blocked.Value),
					zap.Error(err),
				)
				continue
			}
			if matched {
				return fmt.Errorf("%w: pattern %q", ErrSenderBlocked, blocked.Value)
			}
		} else if strings.EqualFold(blocked.Value, sender) {
			return fmt.Errorf("%w: %s", ErrSenderBlocked, blocked.Value)
		}
	}
	return nil
}

// EnforceMinLatency 把自 start 起的处理时间补足到配置的下限。
//
// 接受和拒绝路径都要经过这里，响应时间不暴露别名是否存在。
func (s *GuardService) EnforceMinLatency(start time.Time) {
	if s.minLatency <= 0 {
		return
	}
	if remaining := s.minLatency - time.Since(start); remaining > 0 {
		time.Sleep(remaining)
	}
}

// matchPattern 按受限通配模式匹配发件地址
func matchPattern(pattern, sender string) (bool, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(sender), nil
}

// compilePattern 把受限通配模式翻译成锚定的正则。
//
// 逐字符转义后整体编译，正则引擎保证匹配耗时与输入长度线性相关，
// 恶意构造的模式不会造成回溯放大。
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
