package mailer

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/pkg/errors"
)

// sesAPI is the subset of the SES client the transport uses
type sesAPI interface {
	SendEmailWithContext(ctx aws.Context, input *ses.SendEmailInput, opts ...request.Option) (*ses.SendEmailOutput, error)
}

type sesTransport struct {
	ses     sesAPI
	charset string
}

// NewSESTransport sends through Amazon SES
func NewSESTransport(cfg SESConfig) (Transport, error) {
	if cfg.Region == "" {
		return nil, errors.New("ses region is required")
	}

	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create aws session")
	}

	return newSESTransport(ses.New(sess)), nil
}

func newSESTransport(api sesAPI) *sesTransport {
	return &sesTransport{
		ses:     api,
		charset: "UTF-8",
	}
}

func (t *sesTransport) Send(ctx context.Context, msg Message) error {
	input := &ses.SendEmailInput{
		Destination: &ses.Destination{
			ToAddresses: []*string{
				aws.String(msg.To),
			},
		},
		Message: &ses.Message{
			Body: &ses.Body{
				Text: &ses.Content{
					Charset: aws.String(t.charset),
					Data:    aws.String(msg.Text),
				},
			},
			Subject: &ses.Content{
				Charset: aws.String(t.charset),
				Data:    aws.String(msg.Subject),
			},
		},
		Source: aws.String(msg.From),
	}

	_, err := t.ses.SendEmailWithContext(ctx, input)
	return errors.Wrapf(err, "Failed to send email to %s", msg.To)
}
