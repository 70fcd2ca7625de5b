package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioDefaultBaseURL = "https://api.twilio.com"

// TwilioClient sends SMS via the Twilio REST API and validates inbound
// webhook signatures using the shared auth token.
type TwilioClient struct {
	accountSID  string
	authToken   string
	fromNumber  string
	baseURL     string
	sendTimeout time.Duration
	client      http.Client
}

// NewTwilioClient creates a TwilioClient. If baseURL is empty, the Twilio
// production API is used; tests pass an httptest server URL instead.
// sendTimeout bounds every Send call (carrier.send_timeout_seconds).
func NewTwilioClient(accountSID, authToken, fromNumber, baseURL string, sendTimeout time.Duration) *TwilioClient {
	if baseURL == "" {
		baseURL = twilioDefaultBaseURL
	}
	return &TwilioClient{
		accountSID:  accountSID,
		authToken:   authToken,
		fromNumber:  fromNumber,
		baseURL:     baseURL,
		sendTimeout: sendTimeout,
	}
}

func (c *TwilioClient) Send(ctx context.Context, to, body string) (*SendResult, error) {
	sendCtx, cancel := withSendTimeout(ctx, c.sendTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("twilio: %w", ErrSendTimedOut)
		}
		return nil, fmt.Errorf("twilio: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twilio: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("twilio: error %d: %s", errResp.Code, errResp.Message)
		}
		return nil, fmt.Errorf("twilio: error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("twilio: parse response: %w", err)
	}

	return &SendResult{
		CarrierSID: parsed.SID,
		Status:     parsed.Status,
	}, nil
}

func (c *TwilioClient) ValidateSignature(fullURL string, form url.Values, signature string) bool {
	return validateHMACSHA1Signature(c.authToken, fullURL, form, signature)
}

func (c *TwilioClient) Classify(errorCode string) Classification {
	return classify(defaultTransientCodes, errorCode)
}
