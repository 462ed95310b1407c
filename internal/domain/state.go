package domain

import (
	"errors"
	"time"
)

// AliasState 别名生命周期状态
type AliasState string

const (
	// StateUnverified 已创建但目标地址尚未验证
	StateUnverified AliasState = "unverified"
	// StateActive 正常转发
	StateActive AliasState = "active"
	// StateInactive 被显式停用，DisabledAt 记录停用时刻
	StateInactive AliasState = "inactive"
	// StateDeleted 终态，记录已物理删除
	StateDeleted AliasState = "deleted"
)

var (
	// ErrAlreadyVerified 重复验证
	ErrAlreadyVerified = errors.New("alias already verified")
	// ErrNotVerified 未验证的别名不能启用
	ErrNotVerified = errors.New("alias not verified")
)

// State 从持久化字段推导当前状态。
//
// 状态不单独存储：未验证即 unverified；已验证时由 Active 区分
// active / inactive。deleted 不会出现在存活记录上。
func (a *Alias) State() AliasState {
	if !a.Verified {
		return StateUnverified
	}
	if a.Active {
		return StateActive
	}
	return StateInactive
}

// IsForwardable 判断别名当前是否允许转发
func (a *Alias) IsForwardable() bool {
	return a.State() == StateActive
}

// MarkVerified 完成验证：unverified → active。
func (a *Alias) MarkVerified(now time.Time) error {
	if a.Verified {
		return ErrAlreadyVerified
	}
	a.Verified = true
	a.Active = true
	a.DisabledAt = nil
	a.UpdatedAt = now
	return nil
}

// Enable 启用别名：inactive → active。
//
// DisabledAt 只在 false→true 的跳变上清空；重复启用不做任何修改。
func (a *Alias) Enable(now time.Time) error {
	if !a.Verified {
		return ErrNotVerified
	}
	if a.Active {
		return nil
	}
	a.Active = true
	a.DisabledAt = nil
	a.UpdatedAt = now
	return nil
}

// Disable 停用别名：active → inactive。
//
// DisabledAt 只在 true→false 的跳变上写入；重复停用保持原时间戳，
// 否则清理期会被不断顺延。
func (a *Alias) Disable(now time.Time) error {
	if !a.Active {
		return nil
	}
	a.Active = false
	disabledAt := now
	a.DisabledAt = &disabledAt
	a.UpdatedAt = now
	return nil
}

// ScheduledDeletionAt 计算该别名的预定删除时刻。
//
// 结果每次读取时重新计算，绝不缓存：
//   - 未验证：创建时间 + unverifiedTTL
//   - 已停用：DisabledAt + disabledTTL
//   - 显式 ExpiresAt
//
// 多个条件同时成立时取最早者；都不成立返回 nil。
func (a *Alias) ScheduledDeletionAt(unverifiedTTL, disabledTTL time.Duration) *time.Time {
	var earliest *time.Time

	consider := func(t time.Time) {
		if earliest == nil || t.Before(*earliest) {
			earliest = &t
		}
	}

	if !a.Verified {
		consider(a.CreatedAt.Add(unverifiedTTL))
	}
	if a.State() == StateInactive && a.DisabledAt != nil {
		consider(a.DisabledAt.Add(disabledTTL))
	}
	if a.ExpiresAt != nil {
		consider(*a.ExpiresAt)
	}

	return earliest
}
