package storage

import (
	"errors"
	"time"

	"mailmask/backend/internal/domain"
)

var (
	// ErrAliasNotFound 别名未找到错误
	ErrAliasNotFound = errors.New("alias not found")
	// ErrAliasExists 别名已存在错误（label+domain 或地址冲突）
	ErrAliasExists = errors.New("alias already exists")
	// ErrReplyTokenExists 回复令牌冲突错误，调用方换一个令牌重试
	ErrReplyTokenExists = errors.New("reply token already exists")
	// ErrDomainNotFound 域名未找到错误
	ErrDomainNotFound = errors.New("domain not found")
	// ErrDomainExists 域名已存在错误
	ErrDomainExists = errors.New("domain already exists")
	// ErrTokenNotFound 验证令牌未找到错误
	ErrTokenNotFound = errors.New("verification token not found")
	// ErrTokenAlreadyUsed 验证令牌已被消费错误
	ErrTokenAlreadyUsed = errors.New("verification token already used")
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache miss")
)

// AliasRepository 定义别名数据存取操作。
type AliasRepository interface {
	SaveAlias(alias *domain.Alias) error
	GetAlias(id string) (*domain.Alias, error)
	GetAliasByAddress(address string) (*domain.Alias, error)         // 携带拦截名单
	GetAliasByReplyToken(token string) (*domain.Alias, error)        // 携带拦截名单
	ListAliases(offset, limit int) ([]*domain.Alias, error)          // 按创建时间分页，密钥轮换用
	CountAliases() (int64, error)
	UpdateAlias(alias *domain.Alias) error
	UpdateAliasEncryption(id string, blob domain.EncryptedBlob, destinationHash string) error // 单条记录原子持久化
	DeleteAlias(id string) error
	IncrementForwardCount(id string, at time.Time) error // 原子 +1 并刷新最后转发时间
	IncrementBlockedCount(id string) error               // 原子 +1
	DeleteUnverifiedBefore(cutoff time.Time) (int, error)
	DeleteDisabledBefore(cutoff time.Time) (int, error)
	DeleteExpired(now time.Time) (int, error)
}

// BlockedSenderRepository 定义发件人拦截名单存取操作。
type BlockedSenderRepository interface {
	SaveBlockedSender(blocked *domain.BlockedSender) error
	ListBlockedSenders(aliasID string) ([]domain.BlockedSender, error)
	DeleteBlockedSender(id string) error
}

// DomainRepository 定义收信域名存取操作。
type DomainRepository interface {
	SaveDomain(mailDomain *domain.Domain) error
	GetDomainByName(name string) (*domain.Domain, error)
	ListDomains() ([]*domain.Domain, error)
	ListActiveDomains() ([]*domain.Domain, error)
	DeleteDomain(id string) error
	IncrementDomainAliasCount(name string) error
	DecrementDomainAliasCount(name string) error
}

// EmailLogRepository 定义投递审计日志存取操作。
type EmailLogRepository interface {
	SaveEmailLog(entry *domain.EmailLogEntry) error
	ListEmailLogs(aliasID string, limit int) ([]*domain.EmailLogEntry, error)
	CountEmailLogsByStatus() (map[domain.LogStatus]int64, error)
	DeleteEmailLogsBefore(cutoff time.Time) (int, error)
}

// VerificationTokenRepository 定义一次性验证令牌存取操作。
type VerificationTokenRepository interface {
	SaveVerificationToken(token *domain.VerificationToken) error
	GetVerificationTokenByHash(hash string) (*domain.VerificationToken, error)
	// GetLatestVerificationToken 取某邮箱某用途最近签发的未使用令牌，冷却检查用
	GetLatestVerificationToken(email string, purpose domain.VerificationPurpose) (*domain.VerificationToken, error)
	// ConsumeVerificationToken 原子消费：只有 UsedAt 仍为空时写入成功
	ConsumeVerificationToken(hash string, now time.Time) (*domain.VerificationToken, error)
	DeleteExpiredVerificationTokens(before time.Time) (int, error)
}

// Counter 定义固定窗口计数操作。
//
// 返回自增后的计数和该键的剩余存活时间。TTL 只在键新建时设置，
// 窗口因此是固定的而不是滑动的。实现必须可被多个调用方并发使用。
type Counter interface {
	IncrementWithTTL(key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Cache 定义解析目录使用的字节缓存。
//
// 未命中返回 ErrCacheMiss。实现故障时返回其他错误，调用方
// 自行决定是否降级直查存储。
type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	DeletePrefix(prefix string) error
}

// Store 定义完整的存储接口。
type Store interface {
	AliasRepository
	BlockedSenderRepository
	DomainRepository
	EmailLogRepository
	VerificationTokenRepository

	// 工具方法
	Close() error
	Health() error
}
