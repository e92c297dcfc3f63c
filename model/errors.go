package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hupe1980/researchmail/core"
)

// ClassifyStatus maps an HTTP status returned by a model provider to a core
// error kind:
//
//   - 429 is rate_limited (the selector marks the provider degraded)
//   - 401, 403, 408 and 5xx are provider_unavailable (blacklist and fail over)
//   - other 4xx are request rejections and end the call without failover
func ClassifyStatus(provider string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return core.NewError(core.KindRateLimited, fmt.Sprintf("%s rate limited", provider), err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return core.NewError(core.KindProviderUnavailable, fmt.Sprintf("%s rejected the credentials", provider), err)
	case status == http.StatusRequestTimeout, status >= 500:
		return core.NewError(core.KindProviderUnavailable, fmt.Sprintf("%s unavailable (status %d)", provider, status), err)
	default:
		return core.NewError(core.KindInternal, fmt.Sprintf("%s rejected the request (status %d)", provider, status), err)
	}
}

// ClassifyTransport maps a non HTTP failure (network, deadline, cancellation).
func ClassifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return core.NewError(core.KindCancelled, "operation cancelled", err)
	}

	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}

	e := core.NewError(core.KindProviderUnavailable, fmt.Sprintf("%s unreachable", provider), err)
	e.Timeout = errors.Is(err, context.DeadlineExceeded)

	return e
}
