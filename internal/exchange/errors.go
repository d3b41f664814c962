package exchange

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindRateLimited  Kind = "rate_limited"
	KindAuthRequired Kind = "auth_required"
	KindRejected     Kind = "rejected"
	KindTransport    Kind = "transport"
)

// Error is the venue error taxonomy. Transport and some rejections are
// retryable; auth failures and hard rejections are not.
type Error struct {
	Kind      Kind
	Code      int
	Msg       string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange: %s (%d): %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Msg)
}

func transportErr(msg string, retryable bool) *Error {
	return &Error{Kind: KindTransport, Msg: msg, Retryable: retryable}
}

func timeoutErr(msg string) *Error {
	return &Error{Kind: KindTimeout, Msg: msg, Retryable: true}
}

// codeConnectionLost is a local sentinel used to fail pending calls when the
// session drops; it never comes from the venue.
const codeConnectionLost = -1

// Venue error codes (Deribit-family numbering).
const (
	codeTooManyRequests      = 10028
	codeTemporarilyUnavail   = 10040
	codeSettlementInProgress = 10041
	codeMatchingEngineBusy   = 10047
	codeNotEnoughFunds       = 10009
	codeUnauthorized         = 13009
	codeInvalidCredentials   = 13004
	codeGrantTypeRejected    = 13777
)

func errorFromRPC(code int, msg string) *Error {
	switch code {
	case codeTooManyRequests:
		return &Error{Kind: KindRateLimited, Code: code, Msg: msg, Retryable: true}
	case codeUnauthorized, codeInvalidCredentials, codeGrantTypeRejected:
		return &Error{Kind: KindAuthRequired, Code: code, Msg: msg}
	case codeTemporarilyUnavail, codeSettlementInProgress, codeMatchingEngineBusy:
		return &Error{Kind: KindRejected, Code: code, Msg: msg, Retryable: true}
	default:
		return &Error{Kind: KindRejected, Code: code, Msg: msg}
	}
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func IsAuthError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuthRequired
}

// IsExpiredInstrument reports whether the venue rejected an operation
// because the instrument has been de-listed or settled.
func IsExpiredInstrument(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	msg := strings.ToLower(e.Msg)
	return strings.Contains(msg, "expired") || strings.Contains(msg, "instrument_not_found")
}
