package forward

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/logger"
)

// SESTransport 通过 AWS SES 投递转发件。
type SESTransport struct {
	client *sesv2.Client
	log    *zap.Logger
}

// NewSESTransport 创建 SES 通道。
//
// 显式配置了密钥时使用静态凭证，否则走默认凭证链
// （环境变量、实例角色等）。
func NewSESTransport(cfg *config.TransportConfig, log *zap.Logger) (*SESTransport, error) {
	region := cfg.SESRegion
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.SESAccessKey != "" && cfg.SESSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.SESAccessKey, cfg.SESSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESTransport{
		client: sesv2.NewFromConfig(awsCfg),
		log:    log,
	}, nil
}

// Send 通过 SES SendEmail 投递一封邮件。
func (t *SESTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.From)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
	}

	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		keys := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		headers := make([]types.MessageHeader, 0, len(keys))
		for _, k := range keys {
			headers = append(headers, types.MessageHeader{
				Name:  aws.String(k),
				Value: aws.String(msg.Headers[k]),
			})
		}
		input.Content.Simple.Headers = headers
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	t.log.Debug("message sent via ses",
		zap.String("message_id", messageID),
		zap.String("to", logger.MaskEmail(msg.To)),
	)
	return &Result{MessageID: messageID}, nil
}

// Name 返回通道名称。
func (t *SESTransport) Name() string {
	return "ses"
}
