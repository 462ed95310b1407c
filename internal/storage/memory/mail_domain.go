package memory

import (
	"sort"
	"strings"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
)

// SaveDomain 保存收信域，已有同 ID 记录时整体覆盖。
func (s *Store) SaveDomain(d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.ToLower(d.Name)
	if existingID, ok := s.byDomainName[name]; ok && existingID != d.ID {
		return storage.ErrDomainExists
	}

	if existing, ok := s.domains[d.ID]; ok {
		delete(s.byDomainName, strings.ToLower(existing.Name))
	}

	clone := *d
	clone.Name = name
	s.domains[d.ID] = &clone
	s.byDomainName[name] = d.ID
	return nil
}

// GetDomainByName 按域名查找收信域，域名不区分大小写。
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDomainName[strings.ToLower(name)]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	clone := *s.domains[id]
	return &clone, nil
}

// ListDomains 列出全部收信域。
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		clone := *d
		result = append(result, &clone)
	}
	sortDomains(result)
	return result, nil
}

// ListActiveDomains 列出启用中的收信域。
func (s *Store) ListActiveDomains() ([]*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		if d.IsActive {
			clone := *d
			result = append(result, &clone)
		}
	}
	sortDomains(result)
	return result, nil
}

func sortDomains(domains []*domain.Domain) {
	sort.Slice(domains, func(i, j int) bool {
		return domains[i].Name < domains[j].Name
	})
}

// DeleteDomain 删除收信域。
func (s *Store) DeleteDomain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.domains[id]
	if !ok {
		return storage.ErrDomainNotFound
	}
	delete(s.byDomainName, strings.ToLower(existing.Name))
	delete(s.domains, id)
	return nil
}

// IncrementDomainAliasCount 递增某收信域下的别名计数。
func (s *Store) IncrementDomainAliasCount(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDomainName[strings.ToLower(name)]
	if !ok {
		return storage.ErrDomainNotFound
	}
	s.domains[id].AliasCount++
	return nil
}

// DecrementDomainAliasCount 递减某收信域下的别名计数，最低为零。
func (s *Store) DecrementDomainAliasCount(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDomainName[strings.ToLower(name)]
	if !ok {
		return storage.ErrDomainNotFound
	}
	if s.domains[id].AliasCount > 0 {
		s.domains[id].AliasCount--
	}
	return nil
}
