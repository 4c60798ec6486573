package runstate

// DefaultMaxErrors is the error ceiling applied when an action carries none.
const DefaultMaxErrors = 3

var statusGraph = map[Status][]Status{
	StatusIdle:     {StatusRunning},
	StatusRunning:  {StatusPaused, StatusReview, StatusIdle},
	StatusPaused:   {StatusRunning, StatusIdle},
	StatusReview:   {StatusIdle, StatusComplete},
	StatusComplete: {StatusIdle},
}

// ValidTransition reports whether the status graph has an edge from -> to.
func ValidTransition(from, to Status) bool {
	for _, next := range statusGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition computes the next state. Rejected and redundant actions return the input
// pointer unchanged so callers can detect no-ops by identity.
func Transition(state *RunState, action Action) *RunState {
	if state == nil {
		state = DefaultState(action.At)
	}

	switch action.Type {
	case ActionStartRun:
		if state.Status != StatusIdle || action.RunID == "" {
			return state
		}
		return &RunState{
			Status:    StatusRunning,
			Phase:     PhaseInitializing,
			RunID:     action.RunID,
			TargetID:  action.TargetID,
			OrderID:   action.OrderID,
			StartedAt: action.At,
			UpdatedAt: action.At,
		}

	case ActionPhaseComplete:
		if state.Status != StatusRunning || action.Phase == PhaseNone || action.Phase != state.Phase {
			return state
		}
		next := state.Clone()
		next.UpdatedAt = action.At
		next.Step = ""
		if phase, ok := state.Phase.Next(); ok {
			next.Phase = phase
			return next
		}
		if !ValidTransition(state.Status, StatusReview) {
			return state
		}
		next.Status = StatusReview
		next.Phase = PhaseNone
		return next

	case ActionStepUpdate:
		if state.Status != StatusRunning || state.Step == action.Step {
			return state
		}
		next := state.Clone()
		next.Step = action.Step
		next.UpdatedAt = action.At
		return next

	case ActionProgressUpdate:
		if state.Status != StatusRunning {
			return state
		}
		merged := state.Progress.Merge(action.Progress)
		if merged == state.Progress {
			return state
		}
		next := state.Clone()
		next.Progress = merged
		next.UpdatedAt = action.At
		return next

	case ActionErrorOccurred:
		if state.Status != StatusRunning || action.Error == nil {
			return state
		}
		ceiling := action.MaxErrors
		if ceiling <= 0 {
			ceiling = DefaultMaxErrors
		}
		next := state.Clone()
		next.ErrorCount = state.ErrorCount + 1
		runErr := action.Error.clone()
		runErr.Recoverable = runErr.Recoverable && next.ErrorCount < ceiling
		runErr.RetryCount = next.ErrorCount
		if runErr.Phase == PhaseNone {
			runErr.Phase = state.Phase
		}
		if runErr.At.IsZero() {
			runErr.At = action.At
		}
		next.LastError = runErr
		next.Status = StatusPaused
		next.UpdatedAt = action.At
		return next

	case ActionPauseRun:
		if !ValidTransition(state.Status, StatusPaused) {
			return state
		}
		next := state.Clone()
		next.Status = StatusPaused
		next.UpdatedAt = action.At
		return next

	case ActionResumeRun:
		if state.Status != StatusPaused || !state.Resumable() {
			return state
		}
		next := state.Clone()
		next.Status = StatusRunning
		next.LastError = nil
		next.RecoveryNeeded = false
		next.UpdatedAt = action.At
		return next

	case ActionCancelRun:
		if state.Status == StatusIdle {
			return state
		}
		return DefaultState(action.At)

	case ActionReviewDecision:
		if state.Status != StatusReview {
			return state
		}
		if !action.Approved {
			return DefaultState(action.At)
		}
		return &RunState{Status: StatusComplete, UpdatedAt: action.At}
	}

	return state
}
