package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailmask/backend/internal/cache"
	"mailmask/backend/internal/config"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
	"mailmask/backend/internal/storage/memory"
)

// failingCache 模拟缓存后端故障
type failingCache struct{}

func (failingCache) Get(key string) ([]byte, error)                        { return nil, errors.New("cache down") }
func (failingCache) Set(key string, value []byte, ttl time.Duration) error { return errors.New("cache down") }
func (failingCache) Delete(key string) error                               { return errors.New("cache down") }
func (failingCache) DeletePrefix(prefix string) error                      { return errors.New("cache down") }

func directoryConfig() *config.Config {
	return &config.Config{
		Lifecycle: config.LifecycleConfig{CacheTTL: time.Minute},
	}
}

func seedAlias(t *testing.T, store *memory.Store, label string) *domain.Alias {
	t.Helper()
	now := time.Now()
	alias := &domain.Alias{
		ID:         "alias-" + label,
		Label:      label,
		Domain:     "mailmask.example",
		Address:    label + "@mailmask.example",
		Verified:   true,
		Active:     true,
		ReplyToken: "r" + (label + "000000000000")[:12],
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.SaveAlias(alias))
	return alias
}

func TestDirectoryService_ResolveUsesCache(t *testing.T) {
	store := memory.NewStore()
	local := cache.NewLocalCache(time.Minute)
	defer local.Close()
	directory := NewDirectoryService(store, store, local, directoryConfig(), zap.NewNop())

	alias := seedAlias(t, store, "shopping")

	t.Run("首次解析回源并填充缓存", func(t *testing.T) {
		resolved, err := directory.Resolve(alias.Address)
		require.NoError(t, err)
		assert.Equal(t, alias.ID, resolved.ID)
	})

	t.Run("缓存命中时不看存储的最新状态", func(t *testing.T) {
		// 绕过服务直接停用，命中的缓存条目仍是启用状态
		stored, err := store.GetAlias(alias.ID)
		require.NoError(t, err)
		stored.Active = false
		require.NoError(t, store.UpdateAlias(stored))

		resolved, err := directory.Resolve(alias.Address)
		require.NoError(t, err)
		assert.True(t, resolved.Active)
	})

	t.Run("失效后下一次解析看到新状态", func(t *testing.T) {
		directory.Invalidate(alias)

		resolved, err := directory.Resolve(alias.Address)
		require.NoError(t, err)
		assert.False(t, resolved.Active)
	})
}

func TestDirectoryService_ResolveByReplyToken(t *testing.T) {
	store := memory.NewStore()
	local := cache.NewLocalCache(time.Minute)
	defer local.Close()
	directory := NewDirectoryService(store, store, local, directoryConfig(), zap.NewNop())

	alias := seedAlias(t, store, "banking")

	resolved, err := directory.ResolveByReplyToken(alias.ReplyToken)
	require.NoError(t, err)
	assert.Equal(t, alias.ID, resolved.ID)

	_, err = directory.ResolveByReplyToken("rzzzzzzzzzzzz")
	assert.ErrorIs(t, err, storage.ErrAliasNotFound)
}

func TestDirectoryService_NegativeResultsNotCached(t *testing.T) {
	store := memory.NewStore()
	local := cache.NewLocalCache(time.Minute)
	defer local.Close()
	directory := NewDirectoryService(store, store, local, directoryConfig(), zap.NewNop())

	_, err := directory.Resolve("latecomer@mailmask.example")
	assert.ErrorIs(t, err, storage.ErrAliasNotFound)

	// 之后创建的同名别名必须立刻可解析
	seedAlias(t, store, "latecomer")

	resolved, err := directory.Resolve("latecomer@mailmask.example")
	require.NoError(t, err)
	assert.Equal(t, "alias-latecomer", resolved.ID)
}

func TestDirectoryService_CacheOutageFallsBackToStore(t *testing.T) {
	store := memory.NewStore()
	directory := NewDirectoryService(store, store, failingCache{}, directoryConfig(), zap.NewNop())

	alias := seedAlias(t, store, "resilient")

	resolved, err := directory.Resolve(alias.Address)
	require.NoError(t, err)
	assert.Equal(t, alias.ID, resolved.ID)

	active, err := directory.DomainActive("mailmask.example")
	require.NoError(t, err)
	assert.False(t, active, "domain not seeded, store answer wins")
}

func TestDirectoryService_LegacyDestinationSurvivesCache(t *testing.T) {
	store := memory.NewStore()
	local := cache.NewLocalCache(time.Minute)
	defer local.Close()
	directory := NewDirectoryService(store, store, local, directoryConfig(), zap.NewNop())

	alias := seedAlias(t, store, "legacy")
	stored, err := store.GetAlias(alias.ID)
	require.NoError(t, err)
	stored.LegacyDestination = "user@example.com"
	require.NoError(t, store.UpdateAlias(stored))

	// 第一次回源填缓存，第二次从缓存读
	_, err = directory.Resolve(alias.Address)
	require.NoError(t, err)
	cached, err := directory.Resolve(alias.Address)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cached.LegacyDestination)
}

func TestDirectoryService_DomainActive(t *testing.T) {
	store := memory.NewStore()
	local := cache.NewLocalCache(time.Minute)
	defer local.Close()
	directory := NewDirectoryService(store, store, local, directoryConfig(), zap.NewNop())

	require.NoError(t, store.SaveDomain(&domain.Domain{ID: "dom-1", Name: "mailmask.example", IsActive: true, IsPublic: true}))
	require.NoError(t, store.SaveDomain(&domain.Domain{ID: "dom-2", Name: "paused.example", IsActive: false}))

	tests := []struct {
		name   string
		domain string
		want   bool
	}{
		{"active domain", "mailmask.example", true},
		{"inactive domain", "paused.example", false},
		{"unknown domain", "stranger.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, err := directory.DomainActive(tt.domain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, active)
		})
	}
}

func TestDirectoryService_NoCacheConfigured(t *testing.T) {
	store := memory.NewStore()
	directory := NewDirectoryService(store, store, nil, directoryConfig(), zap.NewNop())

	alias := seedAlias(t, store, "plain")

	resolved, err := directory.Resolve(alias.Address)
	require.NoError(t, err)
	assert.Equal(t, alias.ID, resolved.ID)

	// 无缓存时失效是空操作
	directory.Invalidate(alias)
}
