package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"mailmask/backend/internal/forward"
)

// ParseEnvelope 解析入站邮件，提取转发所需的头部与正文。
//
// 只保留 text/plain 和 text/html 两个正文变体，附件不随转发
// 携带，解析时直接跳过。
func ParseEnvelope(raw []byte) (*forward.ParsedEnvelope, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	env := &forward.ParsedEnvelope{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    msg.Header.Get("From"),
		To:      msg.Header.Get("To"),
		Size:    int64(len(raw)),
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		env.Text = string(body)
		return env, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), env); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			env.HTML = body
		} else {
			env.Text = body
		}
	}

	return env, nil
}

// parseMultipart 递归解析多部分邮件，取第一个文本部分和第一个 HTML 部分。
func parseMultipart(mr *multipart.Reader, env *forward.ParsedEnvelope) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		// 附件跳过，不参与转发
		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			if dispType, _, _ := mime.ParseMediaType(disposition); dispType == "attachment" {
				continue
			}
		}

		// 嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), env); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		if strings.HasPrefix(mediaType, "text/html") {
			if env.HTML == "" {
				env.HTML = body
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if env.Text == "" {
				env.Text = body
			}
		}
	}

	return nil
}

// decodeBody 根据传输编码和字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit/8bit/binary 或未知编码，按原样读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	// 字符集转换
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// decodeHeader 解码 RFC 2047 编码的头部，失败时保留原文
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{CharsetReader: charsetReader}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// charsetReader 为头部解码提供非 UTF-8 字符集支持
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := getCharsetEncoding(strings.ToLower(charset))
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset: %s", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}
