package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/config"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier sends email through AWS SES v2.
type SESNotifier struct {
	client sesAPI
	from   string
}

// NewSES creates an SES notifier. Static credentials are used when both
// keys are configured, otherwise the default AWS credential chain.
func NewSES(ctx context.Context, cfg config.MailConfig) (*SESNotifier, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "notify: load aws config")
	}
	return newSESNotifier(sesv2.NewFromConfig(awsCfg), FromAddress(cfg.FromName, cfg.From)), nil
}

func newSESNotifier(client sesAPI, from string) *SESNotifier {
	return &SESNotifier{client: client, from: from}
}

// FromAddress formats a display name and address.
func FromAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s<%s>", name, addr)
}

// Send delivers msg. Messages with an attachment go out as raw MIME.
func (s *SESNotifier) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return eris.New("notify: no recipients")
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: msg.To,
			CcAddresses: msg.CC,
		},
	}

	if msg.Attachment != nil {
		raw, err := buildRawMessage(s.from, msg)
		if err != nil {
			return err
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		}
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return eris.Wrap(err, "notify: ses send")
	}
	return nil
}
