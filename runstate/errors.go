package runstate

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeReviewPackMissing = "REVIEW_PACK_MISSING"
	ErrCodeStateCorrupt      = "RUN_STATE_CORRUPT"
)

var (
	ErrReviewPackMissing = apperrors.New("review pack not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeReviewPackMissing)
	ErrStateCorrupt = apperrors.New("persisted run state is invalid", apperrors.CategoryValidation).
			WithTextCode(ErrCodeStateCorrupt)
)

// CloneError copies a sentinel, overriding message, source and metadata when provided.
func CloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrStateCorrupt
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

// ErrorCode extracts the text code of the first go-errors error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
