// Package carrier abstracts the SMS carrier: sending messages, validating
// inbound webhook signatures, and classifying provider error codes.
package carrier

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrSendTimedOut marks a Send call abandoned because it exceeded the
// configured per-request timeout (carrier.send_timeout_seconds, default
// 10s). The dispatcher retries any Send error identically regardless of
// cause, so a timeout is already handled as transient.
var ErrSendTimedOut = errors.New("carrier: send did not complete before timeout")

// withSendTimeout bounds ctx by timeout, unless timeout is non-positive (no
// limit configured).
func withSendTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// SendResult holds the outcome of a Client.Send call.
type SendResult struct {
	CarrierSID string
	Status     string
}

// Classification is the carrier-agnostic outcome of Classify.
type Classification string

const (
	ClassificationTransient Classification = "transient"
	ClassificationPermanent Classification = "permanent"
)

// Client sends SMS, validates inbound webhook signatures, and classifies
// provider error codes into transient/permanent buckets.
type Client interface {
	Send(ctx context.Context, to, body string) (*SendResult, error)
	ValidateSignature(fullURL string, form url.Values, signature string) bool
	Classify(errorCode string) Classification
}

// defaultTransientCodes are carrier error codes retried by the dispatcher.
// Populated from Twilio's documented transient codes (rate limiting,
// temporary carrier/network failures, stuck-in-queue); anything not listed
// here is treated as permanent, per spec's "enumerated in a config map".
var defaultTransientCodes = map[string]bool{
	"20429": true, // too many requests (rate limited)
	"30001": true, // queue overflow
	"30002": true, // account suspended (temporary billing hold, retriable)
	"30003": true, // unreachable handset (transient — may come back online)
	"30008": true, // unknown error from carrier network
	"45000": true, // internal carrier error
}

// classify applies the shared transient/permanent split used by every
// Client implementation, so each backend's Classify simply delegates here
// unless it has a provider-specific code table.
func classify(codes map[string]bool, errorCode string) Classification {
	if codes[errorCode] {
		return ClassificationTransient
	}
	return ClassificationPermanent
}

// signString builds the Twilio-documented signature base: the full request
// URL with sorted form field key+value pairs appended directly (no
// separators), matching the carrier's documented X-Twilio-Signature scheme.
func signString(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	return b.String()
}

// validateHMACSHA1Signature checks an HMAC-SHA1-over-URL+sorted-form
// signature against authToken, the scheme Twilio documents for
// X-Twilio-Signature and the one this gateway's CarrierConfig assumes
// regardless of which backend is configured to send.
func validateHMACSHA1Signature(authToken, fullURL string, form url.Values, signature string) bool {
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(signString(fullURL, form)))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
