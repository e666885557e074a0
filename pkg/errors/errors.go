package apperrors

import (
	"errors"
	"strings"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrMinNotional           = errors.New("order notional below minimum")
	ErrInvalidPrecision      = errors.New("invalid precision")
)

// nonRetryableSubstrings covers exchanges that return plain-text rejections
// instead of structured error codes.
var nonRetryableSubstrings = []string{
	"insufficient balance",
	"insufficient funds",
	"invalid quantity",
	"notional",
	"precision",
}

// IsNonRetryable reports whether an order error is a hard rejection that must
// not be retried. Anything else is treated as transient.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidOrderParameter) ||
		errors.Is(err, ErrMinNotional) ||
		errors.Is(err, ErrInvalidPrecision) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrAuthenticationFailed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether an error is a rate-limit signal. Rate limits are
// neither retried inline nor treated as order failures; the gateway converts
// them into a shared backoff window.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}
