// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeNotImplemented     = "not_implemented"
	CodeInvalidRequest     = "invalid_request"
	CodeMissingCredentials = "missing_credentials"
	CodeUnauthenticated    = "unauthenticated"
	CodeKeyBlocked         = "key_blocked"
	CodeKeyOverBudget      = "key_over_budget"
	CodeKeyExpired         = "key_expired"
	CodeForbidden          = "forbidden"
	CodeModelNotFound      = "model_not_found"
	CodeUserNotFound       = "user_not_found"
	CodeServiceUnavailable = "service_unavailable"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteRateLimitRetryAfter writes a 429 with an explicit Retry-After value in seconds.
func WriteRateLimitRetryAfter(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnauthenticated writes a 401 for missing, malformed, or invalid credentials.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx, message, code string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, code)
}

// WriteForbidden writes a 403 for an authenticated principal lacking permission.
func WriteForbidden(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusForbidden, message, TypePermissionError, CodeForbidden)
}

// WriteNotFound writes a 404 for an unknown model, user, or key.
func WriteNotFound(ctx *fasthttp.RequestCtx, message, code string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeNotFoundError, code)
}

// WriteBadRequest writes a 400 for a malformed request body or parameters.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteServiceUnavailable writes a 503 when a required backend is unreachable.
func WriteServiceUnavailable(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeServerError, CodeServiceUnavailable)
}

// WriteInternal writes a 500 for an unexpected internal error.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
