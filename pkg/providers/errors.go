package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
)

// ClassifyHTTPStatus maps a provider HTTP status to the uniform error
// surface {transient, permanent, rate_limited, auth} that retry decisions
// key on.
func ClassifyHTTPStatus(status int) apperrors.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.KindAuth
	case status >= 500:
		return apperrors.KindTransient
	case status >= 400:
		return apperrors.KindPermanent
	default:
		return apperrors.KindUnknown
	}
}

// WrapHTTPError translates a failed provider response into a kinded error.
func WrapHTTPError(op string, status int, body string) error {
	kind := ClassifyHTTPStatus(status)
	return apperrors.New(kind, op, fmt.Errorf("provider returned %d: %s", status, body))
}

// WrapTransportError translates a transport-level failure (dial, timeout,
// cancellation) into a kinded error. Timeouts and cancellations are
// transient; anything else at this level means the endpoint is unreachable.
func WrapTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.New(apperrors.KindTransient, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.New(apperrors.KindTransient, op, err)
	}
	return apperrors.New(apperrors.KindUnavailable, op, err)
}
