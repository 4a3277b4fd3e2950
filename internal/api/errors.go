package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/relay/internal/failure"
)

// statusOverloaded is Anthropic's "overloaded" status.
const statusOverloaded = 529

// classifyError maps SDK errors onto the failure taxonomy.
func classifyError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		// No response at all: connection reset, DNS, TLS.
		return &failure.TransientProviderError{Provider: Provider, Err: err}
	}

	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests, code == statusOverloaded, code >= http.StatusInternalServerError:
		return &failure.TransientProviderError{
			Provider:   Provider,
			StatusCode: code,
			RetryAfter: retryAfter(apiErr.Response),
			Err:        err,
		}
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Error()), "prompt is too long"):
		return &failure.CapabilityMismatchError{Model: model, Capability: "context_window", Err: err}
	case code >= http.StatusBadRequest:
		return &failure.ProviderRejectedError{Provider: Provider, StatusCode: code, Err: err}
	default:
		return fmt.Errorf("unexpected anthropic response (status %d): %w", code, err)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
