package sql

import (
	"time"

	"gorm.io/gorm"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
)

// SaveVerificationToken 保存一条验证令牌记录。
func (s *Store) SaveVerificationToken(token *domain.VerificationToken) error {
	return s.db.Create(token).Error
}

// GetVerificationTokenByHash 按令牌摘要查找验证令牌。
func (s *Store) GetVerificationTokenByHash(hash string) (*domain.VerificationToken, error) {
	var token domain.VerificationToken
	err := s.db.Where("token_hash = ?", hash).First(&token).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}
	return &token, nil
}

// GetLatestVerificationToken 返回某邮箱某用途最近签发且尚未使用的令牌。
func (s *Store) GetLatestVerificationToken(email string, purpose domain.VerificationPurpose) (*domain.VerificationToken, error) {
	var token domain.VerificationToken
	err := s.db.Where("email = ? AND purpose = ? AND used_at IS NULL", email, purpose).
		Order("created_at DESC").
		First(&token).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}
	return &token, nil
}

// ConsumeVerificationToken 原子地将令牌标记为已使用。
//
// 条件更新保证并发消费只有一方成功，失败方拿到 ErrTokenAlreadyUsed。
func (s *Store) ConsumeVerificationToken(hash string, now time.Time) (*domain.VerificationToken, error) {
	result := s.db.Model(&domain.VerificationToken{}).
		Where("token_hash = ? AND used_at IS NULL", hash).
		Update("used_at", now)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&domain.VerificationToken{}).Where("token_hash = ?", hash).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, storage.ErrTokenNotFound
		}
		return nil, storage.ErrTokenAlreadyUsed
	}

	return s.GetVerificationTokenByHash(hash)
}

// DeleteExpiredVerificationTokens 清理过期令牌，返回删除条数。
func (s *Store) DeleteExpiredVerificationTokens(now time.Time) (int, error) {
	result := s.db.Where("expires_at < ?", now).Delete(&domain.VerificationToken{})
	return int(result.RowsAffected), result.Error
}

var _ storage.VerificationTokenRepository = (*Store)(nil)
