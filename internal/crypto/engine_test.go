package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmask/backend/internal/domain"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	engine, err := NewEngine(key)
	require.NoError(t, err)
	return engine
}

func TestParseMasterKey(t *testing.T) {
	raw := make([]byte, MasterKeySize)
	for i := range raw {
		raw[i] = byte(i * 3)
	}

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{"Hex encoded", hex.EncodeToString(raw), false},
		{"Std base64 encoded", base64.StdEncoding.EncodeToString(raw), false},
		{"URL base64 encoded", base64.URLEncoding.EncodeToString(raw), false},
		{"Surrounding whitespace", "  " + hex.EncodeToString(raw) + "  ", false},
		{"Empty", "", true},
		{"Too short hex", hex.EncodeToString(raw[:16]), true},
		{"Garbage", "not-a-key-at-all", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseMasterKey(tt.encoded)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMasterKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, raw, key)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := testEngine(t)

	plaintexts := []string{
		"dest@example.com",
		"UPPER.case+tag@sub.example.org",
		"a@b.co",
		"address-with-every-printable: !#$%&'*+-/=?^_`{|}~@example.com",
		strings.Repeat("long", 64) + "@example.com",
	}

	for _, plaintext := range plaintexts {
		blob, err := engine.Encrypt(plaintext, "alias-id-1")
		require.NoError(t, err)
		require.False(t, blob.IsZero())

		got, err := engine.Decrypt(blob, "alias-id-1")
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptProducesUniqueSaltAndIV(t *testing.T) {
	engine := testEngine(t)

	first, err := engine.Encrypt("dest@example.com", "alias-id-1")
	require.NoError(t, err)
	second, err := engine.Encrypt("dest@example.com", "alias-id-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestDecryptWrongContextFails(t *testing.T) {
	engine := testEngine(t)

	blob, err := engine.Encrypt("dest@example.com", "alias-id-1")
	require.NoError(t, err)

	// 密文与别名 ID 绑定，其他 ID 派生不出同一把密钥
	got, err := engine.Decrypt(blob, "alias-id-2")
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Empty(t, got)
}

func TestDecryptTamperDetection(t *testing.T) {
	engine := testEngine(t)

	flipByte := func(t *testing.T, encoded string) string {
		t.Helper()
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		raw[0] ^= 0xff
		return base64.StdEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name   string
		tamper func(t *testing.T, blob *domain.EncryptedBlob)
	}{
		{"Flipped ciphertext byte", func(t *testing.T, blob *domain.EncryptedBlob) {
			blob.Ciphertext = flipByte(t, blob.Ciphertext)
		}},
		{"Flipped iv byte", func(t *testing.T, blob *domain.EncryptedBlob) {
			blob.IV = flipByte(t, blob.IV)
		}},
		{"Flipped auth tag byte", func(t *testing.T, blob *domain.EncryptedBlob) {
			blob.AuthTag = flipByte(t, blob.AuthTag)
		}},
		{"Flipped salt byte", func(t *testing.T, blob *domain.EncryptedBlob) {
			blob.Salt = flipByte(t, blob.Salt)
		}},
		{"Ciphertext swapped for another message", func(t *testing.T, blob *domain.EncryptedBlob) {
			other, err := testEngine(t).Encrypt("other@example.com", "alias-id-1")
			require.NoError(t, err)
			blob.Ciphertext = other.Ciphertext
		}},
		{"Invalid base64", func(t *testing.T, blob *domain.EncryptedBlob) {
			blob.Ciphertext = "%%% not base64 %%%"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := engine.Encrypt("dest@example.com", "alias-id-1")
			require.NoError(t, err)

			tt.tamper(t, &blob)

			got, err := engine.Decrypt(blob, "alias-id-1")
			assert.ErrorIs(t, err, ErrIntegrity)
			assert.Empty(t, got)
		})
	}
}

func TestHashNormalization(t *testing.T) {
	engine := testEngine(t)

	assert.Equal(t, engine.Hash("a@b.com"), engine.Hash(" A@B.com "))
	assert.Equal(t, engine.Hash("dest@example.com"), engine.Hash("DEST@EXAMPLE.COM"))
	assert.NotEqual(t, engine.Hash("a@b.com"), engine.Hash("c@b.com"))
	assert.Len(t, engine.Hash("a@b.com"), 64)
}

func TestHashChangesWithMasterKey(t *testing.T) {
	engine := testEngine(t)

	otherKey := make([]byte, MasterKeySize)
	for i := range otherKey {
		otherKey[i] = byte(255 - i)
	}
	other, err := NewEngine(otherKey)
	require.NoError(t, err)

	assert.NotEqual(t, engine.Hash("a@b.com"), other.Hash("a@b.com"))
}

func TestNewEngineRejectsShortKey(t *testing.T) {
	_, err := NewEngine([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
}
