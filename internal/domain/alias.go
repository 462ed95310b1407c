package domain

import "time"

// 回复令牌形状常量。
//
// 回复令牌固定 13 个字符，以保留前缀 'r' 开头，后接 12 位 [a-z0-9]。
// 普通别名标签不会与该形状冲突：收信管道先按形状路由。
const (
	ReplyTokenLength = 13
	ReplyTokenPrefix = 'r'
)

// EncryptedBlob 表示一条经过信封加密的目标地址。
//
// 四个字段分别独立 base64 编码。密文通过 HKDF 与别名自身的 ID 绑定，
// 换一个别名 ID 无法解开同一份密文。
type EncryptedBlob struct {
	Ciphertext string `json:"ciphertext" gorm:"column:ciphertext;type:text"`
	IV         string `json:"iv" gorm:"column:iv;type:varchar(24)"`
	Salt       string `json:"salt" gorm:"column:salt;type:varchar(64)"`
	AuthTag    string `json:"authTag" gorm:"column:auth_tag;type:varchar(32)"`
}

// IsZero 判断密文块是否为空（尚未加密的迁移期记录）
func (b EncryptedBlob) IsZero() bool {
	return b.Ciphertext == "" && b.IV == "" && b.Salt == "" && b.AuthTag == ""
}

// Alias 表示一个转发别名的业务实体。
//
// 真实目标地址只以密文形式存在（Encrypted），查找和计数使用带密钥的
// DestinationHash。LegacyDestination 仅在旧数据尚未加密时非空，
// 密钥轮换时会顺带完成首次加密。
type Alias struct {
	ID                string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Label             string          `json:"label" gorm:"type:varchar(64);uniqueIndex:idx_aliases_label_domain;not null"`
	Domain            string          `json:"domain" gorm:"type:varchar(253);uniqueIndex:idx_aliases_label_domain;not null"`
	Address           string          `json:"address" gorm:"type:varchar(320);uniqueIndex"`
	Encrypted         EncryptedBlob   `json:"encrypted" gorm:"embedded;embeddedPrefix:enc_"`
	LegacyDestination string          `json:"-" gorm:"type:varchar(320)"`
	DestinationHash   string          `json:"-" gorm:"type:varchar(64);index"`
	Verified          bool            `json:"verified"`
	Active            bool            `json:"active" gorm:"index"`
	Public            bool            `json:"public"`
	ManagementToken   string          `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	ReplyToken        string          `json:"replyToken" gorm:"type:varchar(13);uniqueIndex"`
	ReplyEnabled      bool            `json:"replyEnabled"`
	ForwardCount      int64           `json:"forwardCount"`
	BlockedCount      int64           `json:"blockedCount"`
	LastForwardAt     *time.Time      `json:"lastForwardAt,omitempty"`
	DisabledAt        *time.Time      `json:"disabledAt,omitempty"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	BlockedSenders    []BlockedSender `json:"blockedSenders,omitempty" gorm:"foreignKey:AliasID;constraint:OnDelete:CASCADE"`
}

// ReplyAddress 返回该别名的回复地址（回复令牌@域名）
func (a *Alias) ReplyAddress() string {
	return a.ReplyToken + "@" + a.Domain
}

// HasEncryptedDestination 判断目标地址是否已加密
func (a *Alias) HasEncryptedDestination() bool {
	return !a.Encrypted.IsZero()
}

// IsReplyTokenShape 判断本地部分是否符合回复令牌形状。
// 只看形状，不查库；是否真的存在由目录查询决定。
func IsReplyTokenShape(local string) bool {
	if len(local) != ReplyTokenLength || local[0] != ReplyTokenPrefix {
		return false
	}
	for i := 1; i < len(local); i++ {
		c := local[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// BlockedSender 表示作用于单个别名的发件人限制。
//
// Value 是完整地址或受限通配模式（仅 '*' 和 '?' 有特殊含义），
// 随所属别名一起删除。
type BlockedSender struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AliasID   string    `json:"aliasId" gorm:"type:varchar(36);index;not null"`
	Value     string    `json:"value" gorm:"type:varchar(320);not null"`
	IsPattern bool      `json:"isPattern"`
	Reason    string    `json:"reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"createdAt"`
}
