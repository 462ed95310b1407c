package memory

import (
	"time"

	"mailmask/backend/internal/domain"
)

// SaveEmailLog 追加一条投递结果记录。
func (s *Store) SaveEmailLog(entry *domain.EmailLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *entry
	if entry.AliasID != nil {
		id := *entry.AliasID
		clone.AliasID = &id
	}
	s.logs = append(s.logs, &clone)
	return nil
}

// ListEmailLogs 按时间倒序列出投递记录，aliasID 为空时列出全部。
func (s *Store) ListEmailLogs(aliasID string, limit int) ([]*domain.EmailLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.EmailLogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0; i-- {
		entry := s.logs[i]
		if aliasID != "" && (entry.AliasID == nil || *entry.AliasID != aliasID) {
			continue
		}
		clone := *entry
		result = append(result, &clone)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// CountEmailLogsByStatus 按投递结果统计记录数。
func (s *Store) CountEmailLogsByStatus() (map[domain.LogStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.LogStatus]int64)
	for _, entry := range s.logs {
		counts[entry.Status]++
	}
	return counts, nil
}

// DeleteEmailLogsBefore 删除指定时间之前的投递记录，返回删除条数。
func (s *Store) DeleteEmailLogsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	deleted := 0
	for _, entry := range s.logs {
		if entry.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.logs = kept
	return deleted, nil
}
