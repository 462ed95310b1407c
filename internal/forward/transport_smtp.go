package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/logger"
)

// SMTPTransport 通过上游 SMTP 中继投递转发件。
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	log      *zap.Logger
}

// NewSMTPTransport 创建 SMTP 中继通道。
func NewSMTPTransport(cfg *config.TransportConfig, log *zap.Logger) *SMTPTransport {
	return &SMTPTransport{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		log:      log,
	}
}

// Send 序列化邮件并执行一次完整的中继事务。
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	if t.host == "" {
		return nil, fmt.Errorf("smtp relay host not configured")
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), t.host)
	raw, err := buildRaw(messageID, msg)
	if err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	if err := t.relay(ctx, addr, msg.From, msg.To, raw); err != nil {
		return nil, fmt.Errorf("smtp relay: %w", err)
	}

	t.log.Debug("message relayed",
		zap.String("message_id", messageID),
		zap.String("to", logger.MaskEmail(msg.To)),
	)
	return &Result{MessageID: messageID}, nil
}

// Name 返回通道名称。
func (t *SMTPTransport) Name() string {
	return "smtp"
}

// relay 建立连接、协商 STARTTLS 和认证后完成投递事务
func (t *SMTPTransport) relay(ctx context.Context, addr, from, to string, raw []byte) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if t.username != "" {
		auth := smtp.PlainAuth("", t.username, t.password, t.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return client.Quit()
}

// buildRaw 把 Message 序列化为 RFC 5322 原文。
//
// 正文统一使用 quoted-printable 编码，同时携带纯文本和 HTML 时
// 生成 multipart/alternative。
func buildRaw(messageID string, msg *Message) ([]byte, error) {
	var buf bytes.Buffer

	from := mail.Address{Name: msg.FromName, Address: msg.From}
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", messageID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, msg.Headers[k])
	}

	buf.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.Text != "" && msg.HTML != "":
		boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
		fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		if err := writePart(&buf, "text/plain", msg.Text); err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		if err := writePart(&buf, "text/html", msg.HTML); err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	case msg.HTML != "":
		if err := writePart(&buf, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	default:
		if err := writePart(&buf, "text/plain", msg.Text); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// writePart 写入一个 quoted-printable 编码的正文部分
func writePart(buf *bytes.Buffer, contentType, body string) error {
	fmt.Fprintf(buf, "Content-Type: %s; charset=UTF-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	return nil
}
