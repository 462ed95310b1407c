package memory

import (
	"time"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
)

// SaveVerificationToken 保存一条验证令牌记录。
func (s *Store) SaveVerificationToken(token *domain.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.tokens[token.TokenHash] = &clone
	return nil
}

// GetVerificationTokenByHash 按令牌摘要查找验证令牌。
func (s *Store) GetVerificationTokenByHash(hash string) (*domain.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	clone := cloneToken(token)
	return clone, nil
}

// GetLatestVerificationToken 返回某邮箱某用途最近签发且尚未使用的令牌。
func (s *Store) GetLatestVerificationToken(email string, purpose domain.VerificationPurpose) (*domain.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.VerificationToken
	for _, token := range s.tokens {
		if token.Email != email || token.Purpose != purpose || token.IsUsed() {
			continue
		}
		if latest == nil || token.CreatedAt.After(latest.CreatedAt) {
			latest = token
		}
	}
	if latest == nil {
		return nil, storage.ErrTokenNotFound
	}
	return cloneToken(latest), nil
}

// ConsumeVerificationToken 原子地将令牌标记为已使用。
//
// 令牌已被使用时返回 ErrTokenAlreadyUsed，并发消费只有一方成功。
func (s *Store) ConsumeVerificationToken(hash string, now time.Time) (*domain.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if token.IsUsed() {
		return nil, storage.ErrTokenAlreadyUsed
	}
	used := now
	token.UsedAt = &used
	return cloneToken(token), nil
}

// DeleteExpiredVerificationTokens 清理过期令牌，返回删除条数。
func (s *Store) DeleteExpiredVerificationTokens(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for hash, token := range s.tokens {
		if token.IsExpired(now) {
			delete(s.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

func cloneToken(token *domain.VerificationToken) *domain.VerificationToken {
	clone := *token
	if token.UsedAt != nil {
		t := *token.UsedAt
		clone.UsedAt = &t
	}
	return &clone
}
