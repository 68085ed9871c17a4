package healing

import (
	"context"
	"errors"
	"net"
	"net/http"

	snaghttp "github.com/galion-studio/snag/internal/http"
	"github.com/galion-studio/snag/internal/transfer"
)

// ErrorClass is the failure taxonomy used by the healing policy.
type ErrorClass string

const (
	ClassNetwork          ErrorClass = "network"
	ClassTimeout          ErrorClass = "timeout"
	ClassRateLimited      ErrorClass = "rate_limited"
	ClassEndpointDown     ErrorClass = "endpoint_down"
	ClassAuthRequired     ErrorClass = "auth_required"
	ClassChecksumMismatch ErrorClass = "checksum_mismatch"
	ClassPatternStale     ErrorClass = "pattern_stale"

	// Terminal classes never produced by Classify.
	// ClassPlatformUnresolved marks submissions no platform matched;
	// ClassAllEndpointsExhausted is set by the controller once rotation
	// runs out of candidates.
	ClassPlatformUnresolved    ErrorClass = "platform_unresolved"
	ClassAllEndpointsExhausted ErrorClass = "all_endpoints_exhausted"
)

// ErrPatternStale is reported by extraction hooks when a platform's
// content-location logic no longer matches what the service returns.
// It is classified for manual review, never auto-fixed.
var ErrPatternStale = errors.New("healing: extraction pattern failed to locate content")

// Classify maps a transfer failure to its error class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNetwork
	case errors.Is(err, ErrPatternStale):
		return ClassPatternStale
	case errors.Is(err, transfer.ErrChecksumMismatch):
		return ClassChecksumMismatch
	case errors.Is(err, snaghttp.ErrReadTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	var se *snaghttp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests:
			return ClassRateLimited
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
			return ClassAuthRequired
		default:
			// Any other non-success status says this endpoint cannot
			// serve the content, not that the network is flaky.
			return ClassEndpointDown
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}

	// Truncated streams, connection resets, DNS failures and the rest
	// of the transport zoo are all worth a retry on the same endpoint.
	return ClassNetwork
}

// Retryable reports whether the class can be recovered locally.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassRateLimited, ClassEndpointDown:
		return true
	case ClassChecksumMismatch:
		// One clean restart is allowed; the controller enforces it.
		return true
	default:
		return false
	}
}
