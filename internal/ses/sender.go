package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/freightops/relay/internal/domain"
)

// Sender is the production Transport. Failure classification happens here, at
// the provider boundary, so nothing downstream ever inspects error text:
// throttling and service hiccups come back retryable, rejected content and
// bad addresses come back permanent.
type Sender struct {
	client    *sesv2.Client
	fromEmail string
}

func NewSender(cfg aws.Config, fromEmail string) (*Sender, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("SES from email is not configured")
	}
	return &Sender{
		client:    sesv2.NewFromConfig(cfg),
		fromEmail: fromEmail,
	}, nil
}

func (s *Sender) Send(ctx context.Context, opts domain.SendOptions) (domain.SendResult, error) {
	body := opts.Data["body"]
	if body == "" {
		body = renderFallbackBody(opts)
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{opts.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(opts.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return domain.SendResult{}, classify(err)
	}

	result := domain.SendResult{}
	if out.MessageId != nil {
		result.MessageID = *out.MessageId
	}
	return result, nil
}

func classify(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return &domain.TransportError{Code: "MESSAGE_REJECTED", Message: err.Error(), Retryable: false}
	}

	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return &domain.TransportError{Code: "IDENTITY_NOT_FOUND", Message: err.Error(), Retryable: false}
	}

	var accountSuspended *types.AccountSuspendedException
	if errors.As(err, &accountSuspended) {
		return &domain.TransportError{Code: "ACCOUNT_SUSPENDED", Message: err.Error(), Retryable: false}
	}

	var throttled *types.TooManyRequestsException
	if errors.As(err, &throttled) {
		return &domain.TransportError{Code: "THROTTLED", Message: err.Error(), Retryable: true}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return &domain.TransportError{Code: apiErr.ErrorCode(), Message: err.Error(), Retryable: true}
	}

	// Network-level failures reach here without an API error code.
	return &domain.TransportError{Code: "SEND_ERROR", Message: err.Error(), Retryable: true}
}

func renderFallbackBody(opts domain.SendOptions) string {
	return fmt.Sprintf("Shipment %s is missing %s required documents. Please upload them at your earliest convenience.",
		opts.Data["reference"], opts.Data["missing_documents"])
}
