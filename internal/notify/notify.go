// Package notify sends run outcome emails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/jaywantadh/offsite/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Message is one outbound notification.
type Message struct {
	Subject string
	Body    string
}

// Notifier delivers messages. Callers treat a send failure as non-fatal.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// SendAPI is the part of the SES client used to send.
type SendAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESOptions addresses outbound mail.
type SESOptions struct {
	Region   string
	To       string
	FromAddr string
	FromName string
}

// SES sends through Amazon SES v2.
type SES struct {
	client SendAPI
	opts   SESOptions
	log    logrus.FieldLogger
}

// NewSES loads the default AWS credential chain for opts.Region.
func NewSES(ctx context.Context, opts SESOptions, log logrus.FieldLogger) (*SES, error) {
	if opts.To == "" || opts.FromAddr == "" || opts.Region == "" {
		return nil, errors.New("notify: to, from address and region are required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(cfg), opts, log), nil
}

func NewSESWithClient(client SendAPI, opts SESOptions, log logrus.FieldLogger) *SES {
	return &SES{client: client, opts: opts, log: log.WithField("component", "notify")}
}

func (s *SES) from() string {
	if s.opts.FromName == "" {
		return s.opts.FromAddr
	}
	return fmt.Sprintf("%s <%s>", s.opts.FromName, s.opts.FromAddr)
}

// Send emails msg as HTML.
func (s *SES) Send(ctx context.Context, msg Message) error {
	s.log.WithFields(logrus.Fields{"to": s.opts.To, "from": s.opts.FromAddr}).Info("Attempting to send an email")
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from()),
		Destination:      &types.Destination{ToAddresses: []string{s.opts.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		s.log.WithError(err).Error("❌ Problem sending email")
		return fmt.Errorf("send email: %w", err)
	}
	s.log.Info("✅ Email sent")
	return nil
}

// Nop only logs what would have been sent.
type Nop struct {
	Log logrus.FieldLogger
}

func (n Nop) Send(_ context.Context, msg Message) error {
	if n.Log != nil {
		n.Log.WithField("subject", msg.Subject).Info("Email notifications disabled, skipping")
	}
	return nil
}

// Builder formats outcome messages. Failure messages carry the tail of the
// log file.
type Builder struct {
	LogPath  string
	LogLines int
}

func (b Builder) failure(subject, text string) Message {
	body := text + "\n\n\n"
	if b.LogPath != "" && b.LogLines > 0 {
		if lines, err := logging.RecentLines(b.LogPath, b.LogLines); err == nil {
			body += lines
		}
	}
	return Message{Subject: subject, Body: strings.ReplaceAll(body, "\n", "</br>")}
}

func (b Builder) Upload(name string, ok bool) Message {
	if ok {
		return Message{
			Subject: "Successful Offsite Backup - " + name,
			Body:    "onedrive-offsite backup successfully completed without errors for " + name + ".",
		}
	}
	return b.failure("Error - "+name, "onedrive-offsite encountered an error for "+name+".")
}

func (b Builder) Download(dir string, ok bool) Message {
	if ok {
		return Message{
			Subject: "Successful Download - " + dir,
			Body:    "onedrive-offsite download successfully completed without errors for " + dir + ".",
		}
	}
	return b.failure("Download Error - "+dir, "onedrive-offsite encountered an error for "+dir+".")
}

func (b Builder) Decrypt(dir string, ok bool) Message {
	if ok {
		return Message{
			Subject: "Successful Decrypt - " + dir,
			Body:    "onedrive-offsite decrypt and combine successfully completed without errors for " + dir + ".",
		}
	}
	return b.failure("Decrypt Error - "+dir, "onedrive-offsite encountered an error while decrypting and combining "+dir+".")
}

// SizeMismatch is sent when a finished transfer does not match the size the
// client announced.
func (b Builder) SizeMismatch(path string, want, got int64) Message {
	return b.failure("Error - size mismatch for "+path,
		fmt.Sprintf("onedrive-offsite received %s with %d bytes, expected %d.", path, got, want))
}
