package orchestrator

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-reorder/agent"
	"github.com/goliatone/go-reorder/runner"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

const (
	ErrCodeRunActive        = "RUN_ACTIVE"
	ErrCodeRunNotActive     = "RUN_NOT_ACTIVE"
	ErrCodeRunNotPaused     = "RUN_NOT_PAUSED"
	ErrCodeRunNotResumable  = "RUN_NOT_RESUMABLE"
	ErrCodeRunNotInReview   = "RUN_NOT_IN_REVIEW"
	ErrCodeNotLoggedIn      = "NOT_LOGGED_IN"
	ErrCodeWrongSite        = "WRONG_SITE"
	ErrCodePageLoadTimeout  = "PAGE_LOAD_TIMEOUT"
	ErrCodeNoOrders         = "NO_ORDERS"
	ErrCodeReorderFailed    = "REORDER_FAILED"
	ErrCodeUnknownPhase     = "UNKNOWN_PHASE"
	ErrCodePhaseTimeout     = "PHASE_TIMEOUT"
	ErrCodeInternal         = "INTERNAL"
	ErrCodeMalformed        = agent.ErrCodeMalformedResponse
	ErrCodeReviewPackAbsent = runstate.ErrCodeReviewPackMissing
)

var (
	ErrRunActive = apperrors.New("a run is already active", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRunActive)
	ErrRunNotActive = apperrors.New("no active run", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRunNotActive)
	ErrRunNotPaused = apperrors.New("run is not paused", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRunNotPaused)
	ErrRunNotResumable = apperrors.New("run cannot be resumed, cancel and start a new run", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRunNotResumable)
	ErrRunNotInReview = apperrors.New("run is not awaiting review", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRunNotInReview)
	ErrNotLoggedIn = apperrors.New("user is not logged in on the grocery site", apperrors.CategoryExternal).
			WithTextCode(ErrCodeNotLoggedIn)
	ErrWrongSite = apperrors.New("target page is not on the expected site", apperrors.CategoryValidation).
			WithTextCode(ErrCodeWrongSite)
	ErrPageLoadTimeout = apperrors.New("page did not finish loading", apperrors.CategoryExternal).
				WithTextCode(ErrCodePageLoadTimeout)
	ErrNoOrders = apperrors.New("no past orders found", apperrors.CategoryValidation).
			WithTextCode(ErrCodeNoOrders)
	ErrReorderFailed = apperrors.New("reorder control could not be activated", apperrors.CategoryExternal).
				WithTextCode(ErrCodeReorderFailed)
	ErrUnknownPhase = apperrors.New("unknown phase", apperrors.CategoryHandler).
			WithTextCode(ErrCodeUnknownPhase)
	ErrInternal = apperrors.New("internal orchestrator failure", apperrors.CategoryHandler).
			WithTextCode(ErrCodeInternal)
)

// recoverableCodes are the transient failure classes. The machine still caps them at the
// error ceiling.
var recoverableCodes = map[string]bool{
	agent.CodeTimeout:         true,
	agent.CodeNetworkError:    true,
	agent.CodePageNotReady:    true,
	ErrCodePageLoadTimeout:    true,
	ErrCodePhaseTimeout:       true,
	store.ErrCodeStoreFailure: true,
}

// Classify turns a phase failure into the RunError attached to the paused state.
func Classify(phase runstate.Phase, err error) *runstate.RunError {
	code := runstate.ErrorCode(err)
	switch code {
	case runner.ErrCodeTimeout:
		code = ErrCodePhaseTimeout
	case runner.ErrCodePanic, "":
		code = ErrCodeInternal
	}
	return &runstate.RunError{
		Code:        code,
		Message:     errorMessage(err),
		Phase:       phase,
		Recoverable: recoverableCodes[code],
	}
}

// IsRecoverableCode reports whether code names a transient failure class.
func IsRecoverableCode(code string) bool {
	return recoverableCodes[code]
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && strings.TrimSpace(ge.Message) != "" {
		return ge.Message
	}
	return err.Error()
}

func newError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	return runstate.CloneError(base, message, source, metadata)
}

// ErrorCode returns the text code carried by err.
func ErrorCode(err error) string {
	return runstate.ErrorCode(err)
}
