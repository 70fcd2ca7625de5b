// Package router implements the InboundRouter: the single webhook surface
// that receives carrier SMS traffic, dedupes carrier retries, and fans a
// message out to either the agent runtime (known sender) or the onboarding
// conversation engine (unknown sender).
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaysms/gateway/internal/agent"
	"github.com/relaysms/gateway/internal/httputil"
	"github.com/relaysms/gateway/internal/keyedlock"
	"github.com/relaysms/gateway/internal/phone"
	"github.com/relaysms/gateway/internal/resolver"
	"github.com/relaysms/gateway/internal/usage"
)

const (
	mmsNotSupportedMessage = "MMS is not supported"
	agentFallbackMessage   = "I'm having trouble right now, please try again in a minute."
)

// SignatureValidator is the slice of internal/carrier.Client the router
// needs to authenticate a webhook request.
type SignatureValidator interface {
	ValidateSignature(fullURL string, form url.Values, signature string) bool
}

// PhoneResolver is the slice of internal/resolver.Resolver the router needs.
type PhoneResolver interface {
	Resolve(ctx context.Context, e164 string) (*resolver.Result, error)
}

// OnboardingEngine is the slice of internal/onboarding.Engine the router
// needs.
type OnboardingEngine interface {
	Advance(ctx context.Context, e164, text, carrierMessageID string) (string, error)
}

// Dispatcher is the slice of internal/dispatch.Service the router needs.
type Dispatcher interface {
	Send(ctx context.Context, userID int64, toE164, body string, isVerificationCode bool) (*usage.Attempt, error)
	SendAnonymous(ctx context.Context, toE164, body string) (*usage.Attempt, error)
	OnStatusCallback(ctx context.Context, carrierSID, providerStatus string, errorCode *string) error
}

// InboundStore is the slice of internal/usage.Store the router needs for
// webhook-retry dedup and inbound counters.
type InboundStore interface {
	FindInboundByCarrierSID(ctx context.Context, carrierSID string) (*usage.Attempt, error)
	InsertInbound(ctx context.Context, userID *int64, e164, body, carrierSID, countryCode string) (*usage.Attempt, error)
	SetReplyBody(ctx context.Context, id uuid.UUID, reply string) error
	IncrementInbound(ctx context.Context, userID int64, yearMonth string) error
}

// Config tunes the router's webhook behavior.
type Config struct {
	// PublicBaseURL is this service's externally-visible origin (scheme +
	// host), used to reconstruct the exact URL the carrier signed.
	PublicBaseURL string
	// SignatureHeader is the request header carrying the carrier's HMAC
	// signature.
	SignatureHeader string
	// AgentDeadline bounds AgentRuntime.Handle (AGENT_CALL_DEADLINE_SECONDS).
	AgentDeadline time.Duration
	// MaxBodyBytes caps the read of the raw webhook body.
	MaxBodyBytes int64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SignatureHeader: "X-Carrier-Signature",
		AgentDeadline:   agent.DefaultDeadline,
		MaxBodyBytes:    1 << 20,
	}
}

// Router is the InboundRouter: it owns the two carrier webhook endpoints.
type Router struct {
	carrier    SignatureValidator
	resolver   PhoneResolver
	onboarding OnboardingEngine
	agentRT    agent.Runtime
	dispatcher Dispatcher
	inbound    InboundStore
	locks      *keyedlock.Table
	cfg        Config
	logger     *slog.Logger
}

// New builds a Router.
func New(
	carrier SignatureValidator,
	resolver PhoneResolver,
	onboarding OnboardingEngine,
	agentRT agent.Runtime,
	dispatcher Dispatcher,
	inbound InboundStore,
	locks *keyedlock.Table,
	cfg Config,
	logger *slog.Logger,
) *Router {
	return &Router{
		carrier:    carrier,
		resolver:   resolver,
		onboarding: onboarding,
		agentRT:    agentRT,
		dispatcher: dispatcher,
		inbound:    inbound,
		locks:      locks,
		cfg:        cfg,
		logger:     logger,
	}
}

// Routes mounts the carrier webhook surface onto r.
func (rt *Router) Routes(r chi.Router) {
	r.Post("/sms/inbound", rt.HandleInbound)
	r.Post("/sms/status", rt.HandleStatus)
}

// verifySignature reads and parses the raw request body as carrier-standard
// form data, then validates it against the configured signature header.
// Per contract, the signature covers the exact raw body and the full
// request URL including query string.
func (rt *Router) verifySignature(w http.ResponseWriter, r *http.Request) (url.Values, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false, err
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, false, err
	}

	fullURL := rt.cfg.PublicBaseURL + r.URL.RequestURI()
	sig := r.Header.Get(rt.cfg.SignatureHeader)
	return form, rt.carrier.ValidateSignature(fullURL, form, sig), nil
}

// HandleInbound implements POST /sms/inbound.
func (rt *Router) HandleInbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	form, valid, err := rt.verifySignature(w, r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !valid {
		httputil.WriteError(w, http.StatusForbidden, "invalid signature")
		return
	}

	from := form.Get("From")
	body := form.Get("Body")
	sid := form.Get("MessageSid")
	if from == "" || sid == "" {
		httputil.WriteError(w, http.StatusBadRequest, "From and MessageSid are required")
		return
	}
	isMMS := false
	if n, err := strconv.Atoi(form.Get("NumMedia")); err == nil && n > 0 {
		isMMS = true
	}

	e164, countryCode, err := phone.Normalize(from)
	if err != nil {
		// Invalid sender number: silent drop, per contract.
		w.WriteHeader(http.StatusOK)
		return
	}

	unlock := rt.locks.Lock(e164)
	defer unlock()

	if _, err := rt.inbound.FindInboundByCarrierSID(ctx, sid); err == nil {
		// Carrier retry of an already-ingested message: the reply was
		// already dispatched the first time around, nothing more to do.
		w.WriteHeader(http.StatusOK)
		return
	} else if !errors.Is(err, usage.ErrAttemptNotFound) {
		rt.logger.Error("looking up inbound attempt failed", "carrier_sid", sid, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	res, resolveErr := rt.resolver.Resolve(ctx, e164)
	if resolveErr != nil {
		rt.logger.Error("resolving sender failed", "phone", e164, "error", resolveErr)
	}

	var userID *int64
	if res != nil {
		userID = &res.UserID
	}
	attempt, err := rt.inbound.InsertInbound(ctx, userID, e164, body, sid, countryCode)
	if err != nil {
		rt.logger.Error("recording inbound attempt failed", "carrier_sid", sid, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	reply := rt.route(ctx, e164, body, sid, isMMS, res)
	if reply != "" {
		if err := rt.inbound.SetReplyBody(ctx, attempt.ID, reply); err != nil {
			rt.logger.Error("recording reply body failed", "attempt_id", attempt.ID, "error", err)
		}
		rt.sendReply(ctx, res, e164, reply)
	}

	if res != nil {
		if err := rt.inbound.IncrementInbound(ctx, res.UserID, usage.YearMonth(time.Now())); err != nil {
			rt.logger.Error("incrementing inbound usage failed", "user_id", res.UserID, "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// route produces the reply text for one inbound message: it never sends
// anything itself.
func (rt *Router) route(ctx context.Context, e164, body, carrierMessageID string, isMMS bool, res *resolver.Result) string {
	if isMMS {
		return mmsNotSupportedMessage
	}

	if res != nil {
		reply, err := agent.Call(ctx, rt.agentRT, rt.cfg.AgentDeadline, res.UserID, body)
		if err != nil {
			rt.logger.Warn("agent call failed", "user_id", res.UserID, "error", err)
			return agentFallbackMessage
		}
		return reply
	}

	reply, err := rt.onboarding.Advance(ctx, e164, body, carrierMessageID)
	if err != nil {
		rt.logger.Error("onboarding advance failed", "phone", e164, "error", err)
		return ""
	}
	return reply
}

func (rt *Router) sendReply(ctx context.Context, res *resolver.Result, e164, reply string) {
	var err error
	if res != nil {
		_, err = rt.dispatcher.Send(ctx, res.UserID, e164, reply, false)
	} else {
		_, err = rt.dispatcher.SendAnonymous(ctx, e164, reply)
	}
	if err != nil {
		rt.logger.Error("sending reply failed", "phone", e164, "error", err)
	}
}

// HandleStatus implements POST /sms/status.
func (rt *Router) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	form, valid, err := rt.verifySignature(w, r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !valid {
		httputil.WriteError(w, http.StatusForbidden, "invalid signature")
		return
	}

	sid := form.Get("MessageSid")
	status := form.Get("MessageStatus")
	if sid == "" || status == "" {
		httputil.WriteError(w, http.StatusBadRequest, "MessageSid and MessageStatus are required")
		return
	}

	var errorCode *string
	if v := form.Get("ErrorCode"); v != "" {
		errorCode = &v
	}

	if err := rt.dispatcher.OnStatusCallback(ctx, sid, status, errorCode); err != nil {
		rt.logger.Error("status callback failed", "carrier_sid", sid, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}
