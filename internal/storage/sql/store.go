package sql

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 PostgreSQL 和 MySQL 5.7+）
type Store struct {
	db *gorm.DB
}

// NewStore 根据配置创建 SQL 存储实例。
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql)", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	// 配置 GORM
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// 连接数据库
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	store := &Store{db: db}

	// 自动迁移数据库表
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Alias{},
		&domain.BlockedSender{},
		&domain.Domain{},
		&domain.EmailLogEntry{},
		&domain.VerificationToken{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// ========== Alias Repository ==========

// SaveAlias 保存新别名。
//
// 先做存在性检查映射唯一冲突，数据库唯一索引兜底并发窗口。
func (s *Store) SaveAlias(alias *domain.Alias) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Alias{}).Where("address = ?", alias.Address).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrAliasExists
		}

		if err := tx.Model(&domain.Alias{}).Where("reply_token = ?", alias.ReplyToken).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrReplyTokenExists
		}

		return tx.Create(alias).Error
	})
}

// GetAlias 根据 ID 获取别名及其拦截名单。
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.db.Preload("BlockedSenders").Where("id = ?", id).First(&alias).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// GetAliasByAddress 根据完整地址获取别名及其拦截名单。
func (s *Store) GetAliasByAddress(address string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.db.Preload("BlockedSenders").Where("address = ?", address).First(&alias).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// GetAliasByReplyToken 根据回复令牌获取别名及其拦截名单。
func (s *Store) GetAliasByReplyToken(token string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.db.Preload("BlockedSenders").Where("reply_token = ?", token).First(&alias).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// ListAliases 按创建时间分页列出别名，密钥轮换按批遍历用。
func (s *Store) ListAliases(offset, limit int) ([]*domain.Alias, error) {
	var aliases []*domain.Alias
	query := s.db.Order("created_at, id").Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&aliases).Error; err != nil {
		return nil, err
	}
	return aliases, nil
}

// CountAliases 返回别名总数。
func (s *Store) CountAliases() (int64, error) {
	var count int64
	err := s.db.Model(&domain.Alias{}).Count(&count).Error
	return count, err
}

// UpdateAlias 更新别名的状态字段。
//
// 只覆盖验证/启停/公开/回复开关和相关时间戳，计数器字段由
// Increment* 原子维护，这里不触碰。
func (s *Store) UpdateAlias(alias *domain.Alias) error {
	result := s.db.Model(&domain.Alias{}).
		Where("id = ?", alias.ID).
		Updates(map[string]interface{}{
			"verified":           alias.Verified,
			"active":             alias.Active,
			"public":             alias.Public,
			"reply_enabled":      alias.ReplyEnabled,
			"legacy_destination": alias.LegacyDestination,
			"disabled_at":        alias.DisabledAt,
			"expires_at":         alias.ExpiresAt,
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// MySQL 对无变化的更新也报告零行，需要区分真正的缺失
		var count int64
		if err := s.db.Model(&domain.Alias{}).Where("id = ?", alias.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrAliasNotFound
		}
	}
	return nil
}

// UpdateAliasEncryption 原子更新单条记录的密文块和查找摘要，密钥轮换用。
func (s *Store) UpdateAliasEncryption(id string, blob domain.EncryptedBlob, destinationHash string) error {
	result := s.db.Model(&domain.Alias{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"enc_ciphertext":     blob.Ciphertext,
			"enc_iv":             blob.IV,
			"enc_salt":           blob.Salt,
			"enc_auth_tag":       blob.AuthTag,
			"destination_hash":   destinationHash,
			"legacy_destination": "",
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAliasNotFound
	}
	return nil
}

// DeleteAlias 删除别名并级联清理其拦截名单。
func (s *Store) DeleteAlias(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("alias_id = ?", id).Delete(&domain.BlockedSender{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&domain.Alias{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrAliasNotFound
		}
		return nil
	})
}

// IncrementForwardCount 原子递增转发计数并刷新最后转发时间。
func (s *Store) IncrementForwardCount(id string, at time.Time) error {
	return s.db.Model(&domain.Alias{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"forward_count":   gorm.Expr("forward_count + 1"),
			"last_forward_at": at,
		}).Error
}

// IncrementBlockedCount 原子递增拦截计数。
func (s *Store) IncrementBlockedCount(id string) error {
	return s.db.Model(&domain.Alias{}).
		Where("id = ?", id).
		UpdateColumn("blocked_count", gorm.Expr("blocked_count + 1")).Error
}

// DeleteUnverifiedBefore 删除在指定时间之前创建且仍未验证的别名。
func (s *Store) DeleteUnverifiedBefore(cutoff time.Time) (int, error) {
	return s.deleteAliasesWhere("verified = ? AND created_at < ?", false, cutoff)
}

// DeleteDisabledBefore 删除在指定时间之前停用且一直未恢复的别名。
func (s *Store) DeleteDisabledBefore(cutoff time.Time) (int, error) {
	return s.deleteAliasesWhere("verified = ? AND active = ? AND disabled_at IS NOT NULL AND disabled_at < ?", true, false, cutoff)
}

// DeleteExpired 删除已过显式过期时间的别名。
func (s *Store) DeleteExpired(now time.Time) (int, error) {
	return s.deleteAliasesWhere("expires_at IS NOT NULL AND expires_at < ?", now)
}

// deleteAliasesWhere 在事务内删除命中条件的别名及其拦截名单，返回删除数量
func (s *Store) deleteAliasesWhere(condition string, args ...interface{}) (int, error) {
	var count int64

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.Alias{}).Where(condition, args...).Pluck("id", &ids).Error; err != nil {
			return err
		}

		count = int64(len(ids))
		if count == 0 {
			return nil
		}

		if err := tx.Where("alias_id IN ?", ids).Delete(&domain.BlockedSender{}).Error; err != nil {
			return err
		}

		return tx.Where("id IN ?", ids).Delete(&domain.Alias{}).Error
	})

	return int(count), err
}

// ========== BlockedSender Repository ==========

// SaveBlockedSender 添加一条发件人拦截记录。
func (s *Store) SaveBlockedSender(blocked *domain.BlockedSender) error {
	var count int64
	if err := s.db.Model(&domain.Alias{}).Where("id = ?", blocked.AliasID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrAliasNotFound
	}
	return s.db.Create(blocked).Error
}

// ListBlockedSenders 列出某别名的拦截名单。
func (s *Store) ListBlockedSenders(aliasID string) ([]domain.BlockedSender, error) {
	var blocked []domain.BlockedSender
	err := s.db.Where("alias_id = ?", aliasID).Order("created_at").Find(&blocked).Error
	return blocked, err
}

// DeleteBlockedSender 删除一条拦截记录。
func (s *Store) DeleteBlockedSender(id string) error {
	return s.db.Where("id = ?", id).Delete(&domain.BlockedSender{}).Error
}

var _ storage.Store = (*Store)(nil)
