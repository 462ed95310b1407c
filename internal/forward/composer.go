package forward

import (
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"

	"mailmask/backend/internal/domain"
)

// DefaultMaxMessageBytes 转发邮件的默认体积上限（25 MiB）。
const DefaultMaxMessageBytes = 25 << 20

// ErrMessageTooLarge 表示邮件超出转发体积上限。
var ErrMessageTooLarge = errors.New("message exceeds maximum forwarding size")

// ParsedEnvelope 入站邮件的解析结果，只保留转发需要的部分。
//
// From/To 保留原始头部内容，Subject 已做 RFC 2047 解码。
// 附件不随转发携带，正文只取 text 与 html 两个变体。
type ParsedEnvelope struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	Size    int64
}

// Composer 把入站邮件改写为发往真实地址的转发件。
//
// 改写内容：标题加 [via 别名] 前缀，正文前插入来源声明，
// Reply-To 按别名配置指向回复令牌地址或原发件人，并附带
// X-MailMask-* 标记头供收件侧过滤。
type Composer struct {
	maxBytes int64
}

// NewComposer 创建转发合成器，maxBytes 不为正时使用默认上限。
func NewComposer(maxBytes int64) *Composer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Composer{maxBytes: maxBytes}
}

// BuildForward 构造转发件。
//
// sender 是规范化后的信封发件地址，destination 是解密后的真实
// 目标地址。超限返回 ErrMessageTooLarge。
func (c *Composer) BuildForward(alias *domain.Alias, destination, sender string, env *ParsedEnvelope) (*Message, error) {
	if env.Size > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, env.Size)
	}

	origFrom := displayFrom(env.From, sender)

	replyTo := sender
	if alias.ReplyEnabled {
		replyTo = alias.ReplyAddress()
	}

	msg := &Message{
		From:     alias.Address,
		FromName: displayName(env.From, sender),
		To:       destination,
		ReplyTo:  replyTo,
		Subject:  fmt.Sprintf("[via %s] %s", alias.Address, env.Subject),
		Headers: map[string]string{
			"X-MailMask-Forwarded":       "yes",
			"X-MailMask-Alias":           alias.Address,
			"X-MailMask-Original-Sender": sender,
		},
	}

	if env.Text != "" || env.HTML == "" {
		msg.Text = textBanner(origFrom, env.To, env.Subject, alias.Address) + env.Text
	}
	if env.HTML != "" {
		msg.HTML = htmlBanner(origFrom, env.To, env.Subject, alias.Address) + env.HTML
	}

	return msg, nil
}

// textBanner 生成纯文本来源声明块
func textBanner(from, to, subject, alias string) string {
	var b strings.Builder
	b.WriteString("---------- Forwarded by MailMask ----------\n")
	b.WriteString("From:    " + from + "\n")
	b.WriteString("To:      " + to + "\n")
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("Alias:   " + alias + "\n")
	b.WriteString("-------------------------------------------\n\n")
	return b.String()
}

// htmlBanner 生成 HTML 来源声明块，头部值经过转义后嵌入
func htmlBanner(from, to, subject, alias string) string {
	return fmt.Sprintf(
		`<div style="border:1px solid #d0d0d0;background:#f7f7f7;padding:8px 12px;margin-bottom:12px;font-size:12px;color:#555">`+
			`Forwarded by MailMask<br>`+
			`From: %s<br>To: %s<br>Subject: %s<br>Alias: %s`+
			`</div>`+"\n",
		html.EscapeString(from),
		html.EscapeString(to),
		html.EscapeString(subject),
		html.EscapeString(alias),
	)
}

// displayFrom 返回面向人的原发件人描述，解析失败时退回原始头
func displayFrom(fromHeader, sender string) string {
	if fromHeader == "" {
		return sender
	}
	addr, err := mail.ParseAddress(fromHeader)
	if err != nil {
		return fromHeader
	}
	if addr.Name != "" {
		return addr.Name + " <" + addr.Address + ">"
	}
	return addr.Address
}

// displayName 返回转发件 From 头使用的显示名。
//
// 有显示名时沿用，没有则用原发件地址本身，让收件人一眼看出
// 真正的来源而不是别名地址。
func displayName(fromHeader, sender string) string {
	if fromHeader != "" {
		if addr, err := mail.ParseAddress(fromHeader); err == nil {
			if addr.Name != "" {
				return addr.Name
			}
			return addr.Address
		}
	}
	return sender
}
