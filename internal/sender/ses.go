package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/relaypoint/bulkmail/internal/config"
)

// sesAPI is the slice of the SES client the sender uses; tests substitute it.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers through AWS SES v2.
type SESSender struct {
	client      sesAPI
	defaultFrom string
}

// NewSES builds an SES sender from static credentials. With empty
// credentials the default AWS credential chain applies.
func NewSES(ctx context.Context, cfg config.SESConfig, defaultFrom string) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESSender{
		client:      sesv2.NewFromConfig(awsCfg),
		defaultFrom: defaultFrom,
	}, nil
}

// Send delivers one message via SES SendEmail.
func (s *SESSender) Send(ctx context.Context, msg Message) (*Result, error) {
	from := msg.From
	if from == "" {
		from = s.defaultFrom
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	}
	if msg.TrackingID != "" {
		input.EmailTags = []types.MessageTag{
			{Name: aws.String("tracking_id"), Value: aws.String(msg.TrackingID)},
		}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}
	return &Result{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

// classifySESError maps SES API errors onto the transient/permanent split.
// Rejections and account-state errors are permanent; throttles and internal
// faults are transient.
func classifySESError(err error) error {
	var mr *types.MessageRejected
	if errors.As(err, &mr) {
		return Permanent(err)
	}
	var nf *types.NotFoundException
	if errors.As(err, &nf) {
		return Permanent(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccountSuspendedException", "SendingPausedException", "BadRequestException":
			return Permanent(err)
		}
	}
	return err
}
