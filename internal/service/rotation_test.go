package service

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage/memory"
)

func rotationEngines(t *testing.T) (current, next *crypto.Engine) {
	t.Helper()
	var err error
	current, err = crypto.NewEngine(bytes.Repeat([]byte{0x01}, crypto.MasterKeySize))
	require.NoError(t, err)
	next, err = crypto.NewEngine(bytes.Repeat([]byte{0x02}, crypto.MasterKeySize))
	require.NoError(t, err)
	return current, next
}

func seedRotationAlias(t *testing.T, store *memory.Store, id string, mutate func(*domain.Alias)) *domain.Alias {
	t.Helper()
	now := time.Now().UTC()
	alias := &domain.Alias{
		ID:         id,
		Label:      id,
		Domain:     "mailmask.example",
		Address:    id + "@mailmask.example",
		ReplyToken: "r" + (id + "000000000000")[:12],
		Verified:   true,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	mutate(alias)
	require.NoError(t, store.SaveAlias(alias))
	return alias
}

func TestRotatorRotateAll(t *testing.T) {
	store := memory.NewStore()
	current, next := rotationEngines(t)

	// 三条正常加密记录
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("enc-%d", i)
		destination := fmt.Sprintf("user%d@example.com", i)
		seedRotationAlias(t, store, id, func(a *domain.Alias) {
			blob, err := current.Encrypt(destination, a.ID)
			require.NoError(t, err)
			a.Encrypted = blob
			a.DestinationHash = current.Hash(destination)
		})
	}

	// 一条未迁移的明文记录
	seedRotationAlias(t, store, "legacy", func(a *domain.Alias) {
		a.LegacyDestination = "old-user@example.com"
	})

	// 一条密文与密钥不匹配的坏记录
	corrupt := seedRotationAlias(t, store, "corrupt", func(a *domain.Alias) {
		wrongEngine, err := crypto.NewEngine(bytes.Repeat([]byte{0x99}, crypto.MasterKeySize))
		require.NoError(t, err)
		blob, err := wrongEngine.Encrypt("secret@example.com", a.ID)
		require.NoError(t, err)
		a.Encrypted = blob
	})
	corruptBlobBefore := corrupt.Encrypted

	rotator := NewRotator(store, current, next, zap.NewNop())
	stats, err := rotator.RotateAll(context.Background(), 2, 2, false)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Scanned)
	assert.Equal(t, 4, stats.Rotated)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 1, stats.Failed)

	t.Run("轮换后新密钥可解、旧密钥不可解", func(t *testing.T) {
		alias, err := store.GetAlias("enc-0")
		require.NoError(t, err)

		plaintext, err := next.Decrypt(alias.Encrypted, alias.ID)
		require.NoError(t, err)
		assert.Equal(t, "user0@example.com", plaintext)

		_, err = current.Decrypt(alias.Encrypted, alias.ID)
		assert.ErrorIs(t, err, crypto.ErrIntegrity)

		assert.Equal(t, next.Hash("user0@example.com"), alias.DestinationHash)
	})

	t.Run("明文记录完成首次加密", func(t *testing.T) {
		alias, err := store.GetAlias("legacy")
		require.NoError(t, err)

		assert.Empty(t, alias.LegacyDestination)
		plaintext, err := next.Decrypt(alias.Encrypted, alias.ID)
		require.NoError(t, err)
		assert.Equal(t, "old-user@example.com", plaintext)
	})

	t.Run("解密失败的记录保持原样", func(t *testing.T) {
		alias, err := store.GetAlias("corrupt")
		require.NoError(t, err)
		assert.Equal(t, corruptBlobBefore, alias.Encrypted)
	})
}

func TestRotatorDryRun(t *testing.T) {
	store := memory.NewStore()
	current, next := rotationEngines(t)

	seedRotationAlias(t, store, "enc-0", func(a *domain.Alias) {
		blob, err := current.Encrypt("user@example.com", a.ID)
		require.NoError(t, err)
		a.Encrypted = blob
		a.DestinationHash = current.Hash("user@example.com")
	})

	rotator := NewRotator(store, current, next, zap.NewNop())
	stats, err := rotator.RotateAll(context.Background(), 10, 2, true)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Rotated)

	// 试运行不改动存储
	alias, err := store.GetAlias("enc-0")
	require.NoError(t, err)
	plaintext, err := current.Decrypt(alias.Encrypted, alias.ID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", plaintext)
}

func TestRotatorHonorsContext(t *testing.T) {
	store := memory.NewStore()
	current, next := rotationEngines(t)

	seedRotationAlias(t, store, "enc-0", func(a *domain.Alias) {
		blob, err := current.Encrypt("user@example.com", a.ID)
		require.NoError(t, err)
		a.Encrypted = blob
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rotator := NewRotator(store, current, next, zap.NewNop())
	_, err := rotator.RotateAll(ctx, 10, 2, false)
	assert.ErrorIs(t, err, context.Canceled)
}
