package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"mailmask/backend/internal/domain"
)

// replyTokenAlphabet 回复令牌字符集。
// 只用小写字母和数字，保证令牌放进邮件地址本地部分后大小写折叠安全。
const replyTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewManagementToken 生成别名管理令牌。
//
// 32 字节随机数的 URL-safe base64（无填充，43 字符），凭令牌即可
// 管理别名，无需账号。
func NewManagementToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate management token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewReplyToken 生成回复令牌：保留前缀 'r' + 12 位随机 [a-z0-9]。
//
// 全局唯一性由存储层的唯一索引保证，调用方在冲突时重试。
func NewReplyToken() (string, error) {
	raw := make([]byte, domain.ReplyTokenLength-1)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate reply token: %w", err)
	}

	token := make([]byte, domain.ReplyTokenLength)
	token[0] = domain.ReplyTokenPrefix
	for i, b := range raw {
		token[i+1] = replyTokenAlphabet[int(b)%len(replyTokenAlphabet)]
	}
	return string(token), nil
}

// NewVerificationToken 生成一次性验证令牌的明文。
// 明文只在签发时出现一次，数据库中只存 HashToken 的结果。
func NewVerificationToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken 计算令牌的 SHA-256 摘要（hex 编码），用于落库和查找
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
