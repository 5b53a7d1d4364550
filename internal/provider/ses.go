package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/seqerr"
)

// SESSender sends emails via AWS SES using the SDK v2. Each send retries
// with linear backoff before giving up.
type SESSender struct {
	cfg    config.SESConfig
	client *sesv2.Client
	log    *logger.Logger

	sleep func(time.Duration)
}

// NewSESSender creates an SES sender. Initializes the AWS SDK client if
// credentials are provided; without credentials every send fails, which
// lets non-production processes construct the sender without AWS access.
func NewSESSender(cfg config.SESConfig) *SESSender {
	s := &SESSender{
		cfg:   cfg,
		log:   logger.With("ses"),
		sleep: time.Sleep,
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
		if err != nil {
			s.log.Warn("failed to initialize AWS config", "error", err)
		} else {
			s.client = sesv2.NewFromConfig(awsCfg)
		}
	}

	return s
}

// Name implements Sender.
func (s *SESSender) Name() string { return "ses" }

// Send delivers a single email through AWS SES, retrying transient
// failures with linear backoff (delay * attempt).
func (s *SESSender) Send(email EmailData) Result {
	if s.client == nil {
		return Result{Err: seqerr.New("SES_NOT_CONFIGURED", seqerr.Configuration,
			"SES client not initialized - check credentials")}
	}

	input := s.buildInput(email)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout())
		out, err := s.client.SendEmail(ctx, input)
		cancel()

		if err == nil {
			messageID := ""
			if out.MessageId != nil {
				messageID = *out.MessageId
			}
			s.log.Info("sent", "to", logger.RedactEmail(email.To), "message_id", messageID,
				"lead_id", email.LeadID, "attempt", attempt)
			return Result{Success: true, MessageID: messageID}
		}

		lastErr = err
		s.log.Warn("send attempt failed", "to", logger.RedactEmail(email.To),
			"attempt", attempt, "error", err)
		if attempt < s.cfg.RetryAttempts {
			s.sleep(s.cfg.RetryDelay() * time.Duration(attempt))
		}
	}

	return Result{Err: seqerr.Wrap("SES_SEND_FAILED", seqerr.ExternalService, lastErr).
		With("to", logger.RedactEmail(email.To)).
		With("attempts", s.cfg.RetryAttempts)}
}

func (s *SESSender) buildInput(email EmailData) *sesv2.SendEmailInput {
	fromEmail := email.FromEmail
	if fromEmail == "" {
		fromEmail = s.cfg.FromEmail
	}
	fromName := email.FromName
	if fromName == "" {
		fromName = s.cfg.FromName
	}

	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  []string{email.To},
			CcAddresses:  email.CC,
			BccAddresses: email.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(email.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("sequence_id"), Value: aws.String(tagValue(email.SequenceID))},
			{Name: aws.String("step_id"), Value: aws.String(tagValue(email.StepID))},
			{Name: aws.String("lead_id"), Value: aws.String(tagValue(email.LeadID))},
		},
	}

	if email.ReplyTo != "" {
		input.ReplyToAddresses = []string{email.ReplyTo}
	}

	return input
}

// tagValue keeps message tag values within the SES charset. SES rejects the
// whole send on an invalid tag, so unsupported characters become "_".
func tagValue(v string) string {
	if v == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, v)
}
