package domain

import "time"

// LogStatus 单次投递尝试的结果
type LogStatus string

const (
	// LogStatusForwarded 邮件已成功转发到目标地址
	LogStatusForwarded LogStatus = "forwarded"
	// LogStatusBlocked 因策略被拦截（别名停用、发件人被拉黑、超出限流）
	LogStatusBlocked LogStatus = "blocked"
	// LogStatusFailed 处理失败（别名不存在、解密失败、出站投递失败）
	LogStatusFailed LogStatus = "failed"
)

// EmailLogEntry 表示一次投递尝试的审计记录。
//
// 只追加不修改。Sender 在写入前已脱敏，发件人明文不落库；
// 记录由保留期清理任务独立删除。
type EmailLogEntry struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AliasID      *string   `json:"aliasId,omitempty" gorm:"type:varchar(36);index"`
	Sender       string    `json:"sender" gorm:"type:varchar(320)"`
	Recipient    string    `json:"recipient" gorm:"type:varchar(320);index"`
	Status       LogStatus `json:"status" gorm:"type:varchar(16);index"`
	Reason       string    `json:"reason,omitempty" gorm:"type:varchar(255)"`
	ProcessingMs int64     `json:"processingMs"`
	OutboundID   string    `json:"outboundId,omitempty" gorm:"type:varchar(255)"`
	CreatedAt    time.Time `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (EmailLogEntry) TableName() string {
	return "email_logs"
}
