package service

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/monitoring"
	"mailmask/backend/internal/storage"
)

// DirectoryService 负责收信路径上的别名解析，缓存优先。
//
// 缓存条目带短 TTL，写路径（状态变更、名单变更）主动失效。
// 缓存故障只降级为直查存储，不影响收信。未命中的查询结果
// 不缓存，避免探测行为填满缓存。
type DirectoryService struct {
	aliases storage.AliasRepository
	domains storage.DomainRepository
	cache   storage.Cache // 可为 nil，表示不启用缓存
	ttl     time.Duration
	log     *zap.Logger
}

// NewDirectoryService 创建别名解析服务。
func NewDirectoryService(aliases storage.AliasRepository, domains storage.DomainRepository, cache storage.Cache, cfg *config.Config, log *zap.Logger) *DirectoryService {
	return &DirectoryService{
		aliases: aliases,
		domains: domains,
		cache:   cache,
		ttl:     cfg.Lifecycle.CacheTTL,
		log:     log,
	}
}

// directoryEntry 缓存中的别名快照。
//
// 目标地址相关字段在实体的 JSON 标签里被排除，这里单独携带
// 解密回退所需的未迁移明文。
type directoryEntry struct {
	Alias             *domain.Alias `json:"alias"`
	LegacyDestination string        `json:"legacyDestination,omitempty"`
}

// Resolve 按完整别名地址解析别名。
func (s *DirectoryService) Resolve(address string) (*domain.Alias, error) {
	return s.resolve("alias:"+address, func() (*domain.Alias, error) {
		return s.aliases.GetAliasByAddress(address)
	})
}

// ResolveByReplyToken 按回复令牌解析别名。
func (s *DirectoryService) ResolveByReplyToken(token string) (*domain.Alias, error) {
	return s.resolve("reply:"+token, func() (*domain.Alias, error) {
		return s.aliases.GetAliasByReplyToken(token)
	})
}

// resolve 缓存优先查找，未命中或缓存故障时回源
func (s *DirectoryService) resolve(key string, lookup func() (*domain.Alias, error)) (*domain.Alias, error) {
	kind, _, _ := strings.Cut(key, ":")
	if s.cache != nil {
		data, err := s.cache.Get(key)
		if err == nil {
			var entry directoryEntry
			if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil && entry.Alias != nil {
				entry.Alias.LegacyDestination = entry.LegacyDestination
				monitoring.GetMetrics().RecordCacheHit(kind)
				return entry.Alias, nil
			}
			// 无法解析的缓存条目当作未命中，回源后覆盖
			s.log.Warn("discarding malformed cache entry", zap.String("key", key))
		} else if errors.Is(err, storage.ErrCacheMiss) {
			monitoring.GetMetrics().RecordCacheMiss(kind)
		} else {
			s.log.Warn("alias cache read failed, falling back to store",
				zap.String("key", key),
				zap.Error(err),
			)
			monitoring.GetMetrics().RecordError("cache", "directory")
		}
	}

	alias, err := lookup()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		entry := directoryEntry{Alias: alias, LegacyDestination: alias.LegacyDestination}
		if data, jsonErr := json.Marshal(entry); jsonErr == nil {
			if cacheErr := s.cache.Set(key, data, s.ttl); cacheErr != nil {
				s.log.Warn("alias cache write failed", zap.String("key", key), zap.Error(cacheErr))
			}
		}
	}

	return alias, nil
}

// Invalidate 清除某别名的全部缓存条目。
//
// 状态和名单的写路径都要调用，保证变更在下一封邮件前生效。
func (s *DirectoryService) Invalidate(alias *domain.Alias) {
	if s.cache == nil || alias == nil {
		return
	}
	for _, key := range []string{"alias:" + alias.Address, "reply:" + alias.ReplyToken} {
		if err := s.cache.Delete(key); err != nil {
			s.log.Warn("alias cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// DomainActive 判断域名是否是本服务启用中的收信域。
func (s *DirectoryService) DomainActive(name string) (bool, error) {
	key := "domain:" + name
	if s.cache != nil {
		if data, err := s.cache.Get(key); err == nil {
			monitoring.GetMetrics().RecordCacheHit("domain")
			return string(data) == "1", nil
		}
	}

	d, err := s.domains.GetDomainByName(name)
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return false, nil
		}
		return false, err
	}

	active := d.AcceptsMail()
	if s.cache != nil && active {
		if err := s.cache.Set(key, []byte("1"), s.ttl); err != nil {
			s.log.Warn("domain cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return active, nil
}

// InvalidateDomain 清除某收信域的缓存条目。
func (s *DirectoryService) InvalidateDomain(name string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete("domain:" + name); err != nil {
		s.log.Warn("domain cache invalidation failed", zap.String("domain", name), zap.Error(err))
	}
}
