package sql

import (
	"time"

	"mailmask/backend/internal/domain"
)

// SaveEmailLog 追加一条投递结果记录。
func (s *Store) SaveEmailLog(entry *domain.EmailLogEntry) error {
	return s.db.Create(entry).Error
}

// ListEmailLogs 按时间倒序列出投递记录，aliasID 为空时列出全部。
func (s *Store) ListEmailLogs(aliasID string, limit int) ([]*domain.EmailLogEntry, error) {
	var entries []*domain.EmailLogEntry
	query := s.db.Order("created_at DESC")
	if aliasID != "" {
		query = query.Where("alias_id = ?", aliasID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&entries).Error
	return entries, err
}

// CountEmailLogsByStatus 按投递结果统计记录数。
func (s *Store) CountEmailLogsByStatus() (map[domain.LogStatus]int64, error) {
	var rows []struct {
		Status domain.LogStatus
		Count  int64
	}
	err := s.db.Model(&domain.EmailLogEntry{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.LogStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// DeleteEmailLogsBefore 删除指定时间之前的投递记录，返回删除条数。
func (s *Store) DeleteEmailLogsBefore(cutoff time.Time) (int, error) {
	result := s.db.Where("created_at < ?", cutoff).Delete(&domain.EmailLogEntry{})
	return int(result.RowsAffected), result.Error
}
