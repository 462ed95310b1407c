package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail   = errors.New("invalid email format")
	ErrEmailTooLong   = errors.New("email address too long")
	ErrInvalidLabel   = errors.New("invalid alias label")
	ErrLabelTooLong   = errors.New("alias label too long (max 64 chars)")
	ErrInvalidDomain  = errors.New("invalid domain format")
	ErrDomainTooLong  = errors.New("domain too long (max 253 chars)")
	ErrInvalidAddress = errors.New("address does not parse into label@domain")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength  = 254 // 整个邮箱地址最大长度
	MaxLabelLength  = 64  // 别名标签最大长度(@前面)
	MaxDomainLength = 253 // 域名最大长度
)

// 正则表达式
var (
	// 别名标签：小写字母数字开头结尾，中间允许 . _ -
	labelRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*[a-z0-9]$|^[a-z0-9]$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,61}[a-z0-9]?(\.[a-z0-9][a-z0-9-]{0,61}[a-z0-9]?)+$`)
)

// NormalizeAddress 规范化邮件地址：去除 <> 包裹和首尾空白并转小写。
//
// SMTP 会话里的 MAIL FROM / RCPT TO 参数两种写法都会出现。
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(strings.TrimSpace(addr))
}

// SplitAddress 将规范化后的地址拆成 (label, domain)。
//
// 只做形状拆分，不验证字符集；拆不开返回 ErrInvalidAddress。
func SplitAddress(addr string) (label, domainName string, err error) {
	addr = NormalizeAddress(addr)

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", ErrInvalidAddress
	}

	return addr[:at], addr[at+1:], nil
}

// ParseRecipient 解析并验证一个收件地址的 (label, domain) 形状。
//
// RCPT 阶段调用：形状不合法就拒收，不再接收正文。
// 回复令牌形状的本地部分按标签形状同样放行，由收信管道再路由。
func ParseRecipient(addr string) (label, domainName string, err error) {
	label, domainName, err = SplitAddress(addr)
	if err != nil {
		return "", "", err
	}

	if err := ValidateLabel(label); err != nil {
		return "", "", err
	}
	if err := ValidateDomainName(domainName); err != nil {
		return "", "", err
	}

	return label, domainName, nil
}

// ValidateLabel 验证别名标签
func ValidateLabel(label string) error {
	if label == "" {
		return ErrInvalidLabel
	}
	if len(label) > MaxLabelLength {
		return ErrLabelTooLong
	}
	if !labelRegex.MatchString(label) {
		return ErrInvalidLabel
	}

	// 不允许连续的特殊字符
	if strings.Contains(label, "..") || strings.Contains(label, ".-") ||
		strings.Contains(label, "-.") || strings.Contains(label, "__") ||
		strings.Contains(label, "._") || strings.Contains(label, "_.") {
		return ErrInvalidLabel
	}

	return nil
}

// ValidateDomainName 验证域名
func ValidateDomainName(domainName string) error {
	if domainName == "" {
		return ErrInvalidDomain
	}
	if len(domainName) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domainName) {
		return ErrInvalidDomain
	}

	// 检查每个标签的长度（不超过63字符）
	for _, part := range strings.Split(domainName, ".") {
		if len(part) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}

// ValidateEmail 完整验证一个目标邮箱地址（创建别名时使用）
func ValidateEmail(email string) error {
	email = NormalizeAddress(email)

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	_, domainName, err := SplitAddress(email)
	if err != nil {
		return ErrInvalidEmail
	}
	if err := ValidateDomainName(domainName); err != nil {
		return ErrInvalidEmail
	}

	return nil
}
