package openai

import (
	"context"
	"errors"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/lectern/internal/domain"
)

const providerName = "openai"

// classify maps a go-openai error onto a domain.ProviderError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *domain.ProviderError
	if errors.As(err, &existing) {
		return err
	}

	pe := &domain.ProviderError{Provider: providerName, Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Kind = domain.ProviderErrTimeout
	case errors.Is(err, context.Canceled):
		// caller gave up; never worth retrying
		pe.Kind = domain.ProviderErrBadRequest
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Kind = kindForStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
		pe.Kind = kindForStatus(reqErr.HTTPStatusCode)
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			pe.Kind = domain.ProviderErrTimeout
		} else {
			pe.Kind = domain.ProviderErrNetwork
		}
	default:
		pe.Kind = domain.ProviderErrNetwork
	}
	return pe
}

func kindForStatus(status int) domain.ProviderErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ProviderErrRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ProviderErrAuth
	case status == http.StatusRequestTimeout:
		return domain.ProviderErrTimeout
	case status >= 500:
		return domain.ProviderErrServer
	case status == 0:
		return domain.ProviderErrNetwork
	default:
		return domain.ProviderErrBadRequest
	}
}
