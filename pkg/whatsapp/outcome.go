package whatsapp

import (
	"context"
	"errors"
	"net/http"
)

// Outcome classifies the result of a send attempt
type Outcome int

const (
	// OutcomeOK - provider accepted the message and returned a WAMID
	OutcomeOK Outcome = iota
	// OutcomeTransient - network error, timeout or 5xx; retry with backoff
	OutcomeTransient
	// OutcomeRateLimited - general throughput limit; retry with backoff
	OutcomeRateLimited
	// OutcomeSpamRateLimited - per-recipient-pattern spam limit (131048);
	// retried like a transient failure but also drives campaign auto-pause
	OutcomeSpamRateLimited
	// OutcomePermanent - user-level failure (invalid recipient, opted out);
	// terminal on the row
	OutcomePermanent
	// OutcomeAuthFailed - credential/permission failure; campaign-fatal
	OutcomeAuthFailed
)

// String returns the outcome name for logging
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient_fail"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeSpamRateLimited:
		return "spam_rate_limited"
	case OutcomePermanent:
		return "permanent_fail"
	case OutcomeAuthFailed:
		return "auth_failed"
	}
	return "unknown"
}

// SendResult is the discriminated result of a send attempt
type SendResult struct {
	Outcome      Outcome
	MessageID    string
	ErrorCode    int
	ErrorSubcode int
	ErrorMessage string
}

// OK reports whether the send succeeded
func (r SendResult) OK() bool { return r.Outcome == OutcomeOK }

// Meta error codes relevant to outcome classification
const (
	codeSpamRateLimit      = 131048
	codeThroughputLimit    = 130429
	codeRateLimitHit       = 80007
	codeTooManyCalls       = 4
	codeAccessTokenExpired = 190
	codePermissionDenied   = 10
	codeRecipientBlocked   = 131026
	codeRecipientInvalid   = 131021
	codeInvalidParameter   = 100
	codeReengagementWindow = 131047
)

// ClassifyError maps a client error onto a send outcome per the provider's
// error-code families.
func ClassifyError(err error) SendResult {
	if err == nil {
		return SendResult{Outcome: OutcomeOK}
	}

	apiErr, ok := AsAPIError(err)
	if !ok {
		// Network error, timeout or malformed response: transient
		res := SendResult{Outcome: OutcomeTransient, ErrorMessage: err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			res.ErrorMessage = "request timed out"
		}
		return res
	}

	res := SendResult{
		ErrorCode:    apiErr.Code,
		ErrorSubcode: apiErr.Subcode,
		ErrorMessage: apiErr.Message,
	}

	switch {
	case apiErr.Code == codeSpamRateLimit:
		res.Outcome = OutcomeSpamRateLimited
	case apiErr.Code == codeThroughputLimit,
		apiErr.Code == codeRateLimitHit,
		apiErr.Code == codeTooManyCalls,
		apiErr.HTTPStatus == http.StatusTooManyRequests:
		res.Outcome = OutcomeRateLimited
	case apiErr.Code == codeAccessTokenExpired,
		apiErr.Code == codePermissionDenied,
		apiErr.Code >= 132000 && apiErr.Code < 133000,
		apiErr.HTTPStatus == http.StatusUnauthorized,
		apiErr.HTTPStatus == http.StatusForbidden:
		res.Outcome = OutcomeAuthFailed
	case apiErr.Code == codeRecipientBlocked,
		apiErr.Code == codeRecipientInvalid,
		apiErr.Code == codeReengagementWindow,
		apiErr.Code == codeInvalidParameter:
		res.Outcome = OutcomePermanent
	case apiErr.HTTPStatus >= 500:
		res.Outcome = OutcomeTransient
	default:
		// Unknown client errors re-enter the retry cycle; max_retries caps them
		res.Outcome = OutcomeTransient
	}

	return res
}
