package agent

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Wire error codes. Anything else an agent reports is folded into CodeUnknown.
const (
	CodeTimeout      = "TIMEOUT"
	CodeNetworkError = "NETWORK_ERROR"
	CodePageNotReady = "PAGE_NOT_READY"
	CodeUnknown      = "UNKNOWN"
)

// ErrCodeMalformedResponse marks replies that could not be decoded or correlated.
const ErrCodeMalformedResponse = "MALFORMED_RESPONSE"

var (
	ErrTimeout = apperrors.New("agent request timed out", apperrors.CategoryExternal).
			WithTextCode(CodeTimeout)
	ErrNetwork = apperrors.New("agent transport failed", apperrors.CategoryExternal).
			WithTextCode(CodeNetworkError)
	ErrPageNotReady = apperrors.New("page not ready", apperrors.CategoryExternal).
			WithTextCode(CodePageNotReady)
	ErrUnknown = apperrors.New("agent operation failed", apperrors.CategoryExternal).
			WithTextCode(CodeUnknown)
	ErrMalformedResponse = apperrors.New("malformed agent response", apperrors.CategoryValidation).
				WithTextCode(ErrCodeMalformedResponse)
)

var sentinelsByCode = map[string]*apperrors.Error{
	CodeTimeout:              ErrTimeout,
	CodeNetworkError:         ErrNetwork,
	CodePageNotReady:         ErrPageNotReady,
	CodeUnknown:              ErrUnknown,
	ErrCodeMalformedResponse: ErrMalformedResponse,
}

// NormalizeCode maps a reported code onto the closed wire set.
func NormalizeCode(code string) string {
	switch c := strings.ToUpper(strings.TrimSpace(code)); c {
	case CodeTimeout, CodeNetworkError, CodePageNotReady:
		return c
	default:
		return CodeUnknown
	}
}

// NewError builds an agent error for code, used by handlers to report typed failures.
func NewError(code, message string) *apperrors.Error {
	return newError(NormalizeCode(code), message, nil, nil)
}

func newError(code, message string, source error, metadata map[string]any) *apperrors.Error {
	base, ok := sentinelsByCode[code]
	if !ok {
		base = ErrUnknown
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the agent code carried by err, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		if _, ok := sentinelsByCode[ge.TextCode]; ok {
			return ge.TextCode
		}
	}
	return ""
}

// toWireError converts a handler error into the wire shape.
func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	code := ErrorCode(err)
	if code == "" || code == ErrCodeMalformedResponse {
		code = CodeUnknown
	}
	message := err.Error()
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && ge.Message != "" {
		message = ge.Message
	}
	return &WireError{Code: code, Message: message}
}
