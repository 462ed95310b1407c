package domain

import "time"

// VerificationPurpose 验证令牌的用途
type VerificationPurpose string

const (
	// PurposeAliasVerify 验证新建别名的目标地址
	PurposeAliasVerify VerificationPurpose = "alias-verify"
	// PurposeDestinationChange 验证目标地址变更
	PurposeDestinationChange VerificationPurpose = "destination-change"
)

// VerificationToken 表示一次性验证凭证。
//
// 数据库只保存令牌的 SHA-256 摘要，明文仅在签发时出现一次。
// 消费必须通过原子的 UsedAt 写入保证单次使用。
type VerificationToken struct {
	ID        string              `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TokenHash string              `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	Email     string              `json:"email" gorm:"type:varchar(320);index:idx_tokens_email_purpose"`
	Purpose   VerificationPurpose `json:"purpose" gorm:"type:varchar(32);index:idx_tokens_email_purpose"`
	Metadata  string              `json:"metadata,omitempty" gorm:"type:text"`
	ExpiresAt time.Time           `json:"expiresAt"`
	UsedAt    *time.Time          `json:"usedAt,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// IsExpired 判断令牌是否已过期
func (t *VerificationToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsUsed 判断令牌是否已被消费
func (t *VerificationToken) IsUsed() bool {
	return t.UsedAt != nil
}
