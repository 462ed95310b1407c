package memory

import (
	"sort"
	"sync"
	"time"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
)

// Store 使用内存保存别名与投递数据，用于开发验证和测试。
//
// 读写都在一把读写锁下进行，读取返回副本，调用方修改副本不会
// 影响存储内容。内嵌的 Counter 同时提供固定窗口计数。
type Store struct {
	*Counter

	mu             sync.RWMutex
	aliases        map[string]*domain.Alias // aliasID -> alias
	byAddress      map[string]string        // address -> aliasID
	byReplyToken   map[string]string        // replyToken -> aliasID
	blockedSenders map[string]*domain.BlockedSender
	domains        map[string]*domain.Domain // domainID -> domain
	byDomainName   map[string]string         // name -> domainID
	logs           []*domain.EmailLogEntry
	tokens         map[string]*domain.VerificationToken // tokenHash -> token
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		Counter:        NewCounter(),
		aliases:        make(map[string]*domain.Alias),
		byAddress:      make(map[string]string),
		byReplyToken:   make(map[string]string),
		blockedSenders: make(map[string]*domain.BlockedSender),
		domains:        make(map[string]*domain.Domain),
		byDomainName:   make(map[string]string),
		logs:           make([]*domain.EmailLogEntry, 0),
		tokens:         make(map[string]*domain.VerificationToken),
	}
}

// cloneAlias 复制别名及其拦截名单
func cloneAlias(a *domain.Alias) *domain.Alias {
	clone := *a
	if a.LastForwardAt != nil {
		t := *a.LastForwardAt
		clone.LastForwardAt = &t
	}
	if a.DisabledAt != nil {
		t := *a.DisabledAt
		clone.DisabledAt = &t
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		clone.ExpiresAt = &t
	}
	clone.BlockedSenders = make([]domain.BlockedSender, len(a.BlockedSenders))
	copy(clone.BlockedSenders, a.BlockedSenders)
	return &clone
}

// SaveAlias 保存新别名，唯一性冲突时返回对应错误。
func (s *Store) SaveAlias(alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddress[alias.Address]; ok {
		return storage.ErrAliasExists
	}
	if _, ok := s.byReplyToken[alias.ReplyToken]; ok {
		return storage.ErrReplyTokenExists
	}

	s.aliases[alias.ID] = cloneAlias(alias)
	s.byAddress[alias.Address] = alias.ID
	s.byReplyToken[alias.ReplyToken] = alias.ID
	return nil
}

// GetAlias 根据 ID 获取别名。
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alias, ok := s.aliases[id]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	return s.withBlockedSendersLocked(alias), nil
}

// GetAliasByAddress 根据完整地址获取别名。
func (s *Store) GetAliasByAddress(address string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	return s.withBlockedSendersLocked(s.aliases[id]), nil
}

// GetAliasByReplyToken 根据回复令牌获取别名。
func (s *Store) GetAliasByReplyToken(token string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byReplyToken[token]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	return s.withBlockedSendersLocked(s.aliases[id]), nil
}

// withBlockedSendersLocked 返回附带拦截名单的别名副本，调用方需持有读锁
func (s *Store) withBlockedSendersLocked(alias *domain.Alias) *domain.Alias {
	clone := cloneAlias(alias)
	clone.BlockedSenders = clone.BlockedSenders[:0]
	for _, blocked := range s.blockedSenders {
		if blocked.AliasID == alias.ID {
			clone.BlockedSenders = append(clone.BlockedSenders, *blocked)
		}
	}
	sort.Slice(clone.BlockedSenders, func(i, j int) bool {
		return clone.BlockedSenders[i].CreatedAt.Before(clone.BlockedSenders[j].CreatedAt)
	})
	return clone
}

// ListAliases 按创建时间分页列出别名，密钥轮换按批遍历用。
func (s *Store) ListAliases(offset, limit int) ([]*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Alias, 0, len(s.aliases))
	for _, alias := range s.aliases {
		all = append(all, alias)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}

	page := make([]*domain.Alias, 0, end-offset)
	for _, alias := range all[offset:end] {
		page = append(page, cloneAlias(alias))
	}
	return page, nil
}

// CountAliases 返回别名总数。
func (s *Store) CountAliases() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.aliases)), nil
}

// UpdateAlias 更新别名的状态字段。
//
// 只覆盖验证/启停/公开/回复开关和相关时间戳，计数器字段由
// Increment* 原子维护，这里不触碰。
func (s *Store) UpdateAlias(alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.aliases[alias.ID]
	if !ok {
		return storage.ErrAliasNotFound
	}

	stored.Verified = alias.Verified
	stored.Active = alias.Active
	stored.Public = alias.Public
	stored.ReplyEnabled = alias.ReplyEnabled
	stored.LegacyDestination = alias.LegacyDestination
	if alias.DisabledAt != nil {
		t := *alias.DisabledAt
		stored.DisabledAt = &t
	} else {
		stored.DisabledAt = nil
	}
	if alias.ExpiresAt != nil {
		t := *alias.ExpiresAt
		stored.ExpiresAt = &t
	} else {
		stored.ExpiresAt = nil
	}
	stored.UpdatedAt = alias.UpdatedAt
	return nil
}

// UpdateAliasEncryption 原子更新单条记录的密文块和查找摘要，密钥轮换用。
func (s *Store) UpdateAliasEncryption(id string, blob domain.EncryptedBlob, destinationHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}

	stored.Encrypted = blob
	stored.DestinationHash = destinationHash
	stored.LegacyDestination = ""
	stored.UpdatedAt = time.Now()
	return nil
}

// DeleteAlias 删除别名并级联清理其拦截名单。
func (s *Store) DeleteAlias(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aliases[id]; !ok {
		return storage.ErrAliasNotFound
	}
	s.deleteAliasLocked(id)
	return nil
}

// deleteAliasLocked 删除别名及其索引，调用方需持有写锁
func (s *Store) deleteAliasLocked(id string) {
	alias := s.aliases[id]
	delete(s.byAddress, alias.Address)
	delete(s.byReplyToken, alias.ReplyToken)
	delete(s.aliases, id)

	for blockedID, blocked := range s.blockedSenders {
		if blocked.AliasID == id {
			delete(s.blockedSenders, blockedID)
		}
	}
}

// IncrementForwardCount 原子递增转发计数并刷新最后转发时间。
func (s *Store) IncrementForwardCount(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}
	stored.ForwardCount++
	t := at
	stored.LastForwardAt = &t
	return nil
}

// IncrementBlockedCount 原子递增拦截计数。
func (s *Store) IncrementBlockedCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}
	stored.BlockedCount++
	return nil
}

// DeleteUnverifiedBefore 删除在指定时间之前创建且仍未验证的别名。
func (s *Store) DeleteUnverifiedBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, alias := range s.aliases {
		if !alias.Verified && alias.CreatedAt.Before(cutoff) {
			s.deleteAliasLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteDisabledBefore 删除在指定时间之前停用且一直未恢复的别名。
func (s *Store) DeleteDisabledBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, alias := range s.aliases {
		if alias.Verified && !alias.Active && alias.DisabledAt != nil && alias.DisabledAt.Before(cutoff) {
			s.deleteAliasLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteExpired 删除已过显式过期时间的别名。
func (s *Store) DeleteExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, alias := range s.aliases {
		if alias.ExpiresAt != nil && alias.ExpiresAt.Before(now) {
			s.deleteAliasLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

// SaveBlockedSender 添加一条发件人拦截记录。
func (s *Store) SaveBlockedSender(blocked *domain.BlockedSender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aliases[blocked.AliasID]; !ok {
		return storage.ErrAliasNotFound
	}

	clone := *blocked
	s.blockedSenders[blocked.ID] = &clone
	return nil
}

// ListBlockedSenders 列出某别名的拦截名单。
func (s *Store) ListBlockedSenders(aliasID string) ([]domain.BlockedSender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BlockedSender, 0)
	for _, blocked := range s.blockedSenders {
		if blocked.AliasID == aliasID {
			result = append(result, *blocked)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteBlockedSender 删除一条拦截记录。
func (s *Store) DeleteBlockedSender(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blockedSenders, id)
	return nil
}

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error {
	return nil
}

// Health 健康检查（内存实现恒健康）。
func (s *Store) Health() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
