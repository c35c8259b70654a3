package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

// SESAPI is the subset of the SES client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESTransport struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewSESTransport(client SESAPI, from string, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, from: from, logger: logger}
}

// NewSESTransportFromEnv builds the client from the default AWS credential chain.
func NewSESTransportFromEnv(ctx context.Context, region, from string, logger *zap.Logger) (*SESTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESTransport(ses.NewFromConfig(cfg), from, logger), nil
}

// Send hands the message to SES and returns the provider message id. Errors
// SES reports as permanent (rejected content, unverified sender) are returned
// as is; everything else is marked retryable.
func (t *SESTransport) Send(ctx context.Context, msg Message) (string, error) {
	input := &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			// Bodies are rendered plain text; an HTML part would collapse
			// their line breaks.
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(t.from),
	}
	for name, value := range msg.Tags {
		input.Tags = append(input.Tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		if permanentSESError(err) {
			return "", fmt.Errorf("ses rejected message: %w", err)
		}
		return "", appErrors.Retryable(fmt.Errorf("ses send: %w", err))
	}
	id := aws.ToString(out.MessageId)
	t.logger.Debug("ses accepted message", zap.String("message_id", id))
	return id, nil
}

func permanentSESError(err error) bool {
	var (
		rejected   *types.MessageRejected
		unverified *types.MailFromDomainNotVerifiedException
		noConfig   *types.ConfigurationSetDoesNotExistException
	)
	return errors.As(err, &rejected) || errors.As(err, &unverified) || errors.As(err, &noConfig)
}
