package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"mailmask/backend/internal/domain"
)

// 加密参数常量
const (
	// MasterKeySize 主密钥长度（字节）
	MasterKeySize = 32
	// saltSize 每次加密随机生成的 HKDF 盐长度
	saltSize = 16
	// gcmNonceSize AES-GCM IV 长度
	gcmNonceSize = 12
	// gcmTagSize AES-GCM 认证标签长度
	gcmTagSize = 16
	// hkdfInfoPrefix 密钥派生的上下文前缀，版本号变更时整体换前缀
	hkdfInfoPrefix = "mailmask:alias:v1:"
)

var (
	// ErrIntegrity 解密或认证失败。
	// 上下文不匹配、密文/IV/标签被篡改都归到这一个错误，调用方不应
	// 也无法区分具体原因。
	ErrIntegrity = errors.New("decryption failed: integrity check")
	// ErrInvalidMasterKey 主密钥缺失或无法解码为 32 字节
	ErrInvalidMasterKey = errors.New("master key must decode to 32 bytes (hex or base64)")
)

// Engine 实现按别名绑定的信封加密。
//
// 每次加密生成随机盐和随机 IV，记录密钥由 HKDF-SHA256 从主密钥、盐
// 和包含别名 ID 的 info 串派生，因此密文与别名身份绑定：换一个 ID
// 派生出的密钥不同，GCM 认证必然失败。
type Engine struct {
	masterKey []byte
}

// ParseMasterKey 解析配置中的主密钥。
//
// 依次尝试 hex、标准 base64、URL base64 三种编码，解码结果必须正好
// 32 字节。失败属于配置错误，调用方应当终止启动。
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrInvalidMasterKey
	}

	if key, err := hex.DecodeString(encoded); err == nil && len(key) == MasterKeySize {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(key) == MasterKeySize {
		return key, nil
	}
	if key, err := base64.URLEncoding.DecodeString(encoded); err == nil && len(key) == MasterKeySize {
		return key, nil
	}

	return nil, ErrInvalidMasterKey
}

// NewEngine 创建加密引擎
func NewEngine(masterKey []byte) (*Engine, error) {
	if len(masterKey) != MasterKeySize {
		return nil, ErrInvalidMasterKey
	}

	key := make([]byte, MasterKeySize)
	copy(key, masterKey)

	return &Engine{masterKey: key}, nil
}

// NewEngineFromString 从编码字符串创建加密引擎
func NewEngineFromString(encoded string) (*Engine, error) {
	key, err := ParseMasterKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewEngine(key)
}

// deriveKey 从主密钥、盐和上下文 ID 派生 32 字节记录密钥
func (e *Engine) deriveKey(salt []byte, contextID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, e.masterKey, salt, []byte(hkdfInfoPrefix+contextID))

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	return key, nil
}

// Encrypt 加密一个目标地址并绑定到 contextID（别名自身的 ID）。
//
// 返回的密文块中盐、IV、密文、认证标签各自独立 base64 编码。
func (e *Engine) Encrypt(plaintext, contextID string) (domain.EncryptedBlob, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("generate salt: %w", err)
	}

	key, err := e.deriveKey(salt, contextID)
	if err != nil {
		return domain.EncryptedBlob{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("init cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	// Seal 的输出是 密文‖标签，按存储格式拆开
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return domain.EncryptedBlob{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt 解密一个密文块。
//
// contextID 必须与加密时一致，否则派生出的密钥不同，认证失败。
// 任何一个字段被篡改都返回 ErrIntegrity，绝不泄露部分明文。
func (e *Engine) Decrypt(blob domain.EncryptedBlob, contextID string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return "", ErrIntegrity
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return "", ErrIntegrity
	}
	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return "", ErrIntegrity
	}
	tag, err := base64.StdEncoding.DecodeString(blob.AuthTag)
	if err != nil {
		return "", ErrIntegrity
	}

	if len(nonce) != gcmNonceSize || len(tag) != gcmTagSize {
		return "", ErrIntegrity
	}

	key, err := e.deriveKey(salt, contextID)
	if err != nil {
		return "", ErrIntegrity
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrIntegrity
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrIntegrity
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}

	return string(plaintext), nil
}

// Hash 计算邮箱地址的查找摘要。
//
// 先规范化（去空白、转小写）再做以主密钥为 key 的 HMAC-SHA256，
// 同一主密钥下同一地址恒得同一摘要；主密钥轮换后所有摘要都会变化，
// 轮换流程必须同步重算。
func (e *Engine) Hash(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))

	mac := hmac.New(sha256.New, e.masterKey)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}
