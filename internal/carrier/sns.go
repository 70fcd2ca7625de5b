package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// snsPublisher abstracts the AWS SNS Publish call for testability.
type snsPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient sends SMS via AWS SNS for regions without direct carrier
// coverage. Webhook signatures still use the shared auth token scheme since
// SNS has no inbound-SMS webhook of its own in this deployment — inbound
// delivery is routed through the same carrier webhook contract regardless
// of which backend sent the outbound leg.
type SNSClient struct {
	publisher   snsPublisher
	authToken   string
	sendTimeout time.Duration
}

// NewSNSClient builds an SNSClient from AWS region configuration. sendTimeout
// bounds every Send call (carrier.send_timeout_seconds).
func NewSNSClient(ctx context.Context, region, authToken string, sendTimeout time.Duration) (*SNSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("sns: loading AWS config: %w", err)
	}
	return &SNSClient{
		publisher:   sns.NewFromConfig(cfg),
		authToken:   authToken,
		sendTimeout: sendTimeout,
	}, nil
}

func (c *SNSClient) Send(ctx context.Context, to, body string) (*SendResult, error) {
	sendCtx, cancel := withSendTimeout(ctx, c.sendTimeout)
	defer cancel()

	out, err := c.publisher.Publish(sendCtx, &sns.PublishInput{
		PhoneNumber: &to,
		Message:     &body,
	})
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("sns: %w", ErrSendTimedOut)
		}
		return nil, fmt.Errorf("sns: publish: %w", err)
	}
	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &SendResult{CarrierSID: messageID, Status: "sent"}, nil
}

func (c *SNSClient) ValidateSignature(fullURL string, form url.Values, signature string) bool {
	return validateHMACSHA1Signature(c.authToken, fullURL, form, signature)
}

// snsTransientCodes enumerates the AWS SNS failure reasons retried by the
// dispatcher; anything else (invalid number, opted out) is permanent.
var snsTransientCodes = map[string]bool{
	"Throttling":         true,
	"InternalError":      true,
	"ServiceUnavailable": true,
}

func (c *SNSClient) Classify(errorCode string) Classification {
	return classify(snsTransientCodes, errorCode)
}
