package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAPI is the subset of *sesv2.Client the sender needs.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig selects the region and, optionally, static credentials. When
// AccessKey is empty the default AWS credential chain is used.
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

// NewSESClient loads AWS configuration and returns an SES v2 client.
func NewSESClient(ctx context.Context, cfg SESConfig) (*sesv2.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

type sesSender struct {
	client   SESAPI
	fromAddr string
	fromName string
}

// NewSESSender returns a Sender that delivers email through SES v2.
func NewSESSender(client SESAPI, fromAddr, fromName string) Sender {
	return &sesSender{client: client, fromAddr: fromAddr, fromName: fromName}
}

func (s *sesSender) SendTracked(ctx context.Context, p TrackedEmailParams) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromHeader(s.fromName, s.fromAddr)),
		Destination:      &types.Destination{ToAddresses: []string{p.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(p.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(trackedHTML(p.Message, p.TrackingURL)), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(trackedText(p.Message, p.TrackingURL)), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("tracking_id"), Value: aws.String(sesTagValue(p.TrackingID))},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("email: SES send: %w", err)
	}
	return nil
}

// sesTagValue keeps only the characters SES accepts in tag values.
func sesTagValue(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return string(out)
}
