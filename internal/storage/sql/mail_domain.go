package sql

import (
	"strings"

	"gorm.io/gorm"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
)

// SaveDomain 保存收信域，同名不同 ID 时返回冲突。
func (s *Store) SaveDomain(d *domain.Domain) error {
	d.Name = strings.ToLower(d.Name)

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing domain.Domain
		err := tx.Where("name = ?", d.Name).First(&existing).Error
		if err == nil && existing.ID != d.ID {
			return storage.ErrDomainExists
		}
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		return tx.Save(d).Error
	})
}

// GetDomainByName 按域名查找收信域，域名不区分大小写。
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	var d domain.Domain
	err := s.db.Where("name = ?", strings.ToLower(name)).First(&d).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDomains 列出全部收信域。
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	var domains []*domain.Domain
	err := s.db.Order("name").Find(&domains).Error
	return domains, err
}

// ListActiveDomains 列出启用中的收信域。
func (s *Store) ListActiveDomains() ([]*domain.Domain, error) {
	var domains []*domain.Domain
	err := s.db.Where("is_active = ?", true).Order("name").Find(&domains).Error
	return domains, err
}

// DeleteDomain 删除收信域。
func (s *Store) DeleteDomain(id string) error {
	result := s.db.Where("id = ?", id).Delete(&domain.Domain{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrDomainNotFound
	}
	return nil
}

// IncrementDomainAliasCount 递增某收信域下的别名计数。
func (s *Store) IncrementDomainAliasCount(name string) error {
	return s.db.Model(&domain.Domain{}).
		Where("name = ?", strings.ToLower(name)).
		UpdateColumn("alias_count", gorm.Expr("alias_count + 1")).Error
}

// DecrementDomainAliasCount 递减某收信域下的别名计数，最低为零。
func (s *Store) DecrementDomainAliasCount(name string) error {
	return s.db.Model(&domain.Domain{}).
		Where("name = ? AND alias_count > 0", strings.ToLower(name)).
		UpdateColumn("alias_count", gorm.Expr("alias_count - 1")).Error
}
