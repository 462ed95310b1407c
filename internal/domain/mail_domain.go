package domain

import "time"

// Domain 表示服务接收邮件的域名。
//
// RCPT 阶段在传输正文之前必须先确认收件域名在此表中且处于启用状态，
// 不认识的域名直接拒收，避免为注定丢弃的邮件接收正文。
type Domain struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name       string    `json:"name" gorm:"uniqueIndex;type:varchar(253);not null"`
	IsActive   bool      `json:"isActive" gorm:"default:true;index"`
	IsPublic   bool      `json:"isPublic" gorm:"default:true"`
	IsDefault  bool      `json:"isDefault" gorm:"default:false;index"`
	AliasCount int       `json:"aliasCount" gorm:"default:0"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AcceptsMail 判断该域名当前是否接收入站邮件
func (d *Domain) AcceptsMail() bool {
	return d.IsActive
}
