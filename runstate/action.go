package runstate

import "time"

// ActionType names a reducer input.
type ActionType string

const (
	ActionStartRun       ActionType = "START_RUN"
	ActionPhaseComplete  ActionType = "PHASE_COMPLETE"
	ActionStepUpdate     ActionType = "STEP_UPDATE"
	ActionProgressUpdate ActionType = "PROGRESS_UPDATE"
	ActionErrorOccurred  ActionType = "ERROR_OCCURRED"
	ActionPauseRun       ActionType = "PAUSE_RUN"
	ActionResumeRun      ActionType = "RESUME_RUN"
	ActionCancelRun      ActionType = "CANCEL_RUN"
	ActionReviewDecision ActionType = "REVIEW_DECISION"
)

// ActionTypes lists every action the reducer understands.
var ActionTypes = []ActionType{
	ActionStartRun,
	ActionPhaseComplete,
	ActionStepUpdate,
	ActionProgressUpdate,
	ActionErrorOccurred,
	ActionPauseRun,
	ActionResumeRun,
	ActionCancelRun,
	ActionReviewDecision,
}

// Action is a reducer input. At, RunID and MaxErrors are stamped by the Machine so the
// reducer never reads the clock or generates ids.
type Action struct {
	Type      ActionType `json:"type"`
	TargetID  string     `json:"targetId,omitempty"`
	OrderID   string     `json:"orderId,omitempty"`
	RunID     string     `json:"runId,omitempty"`
	Phase     Phase      `json:"phase,omitempty"`
	Step      string     `json:"step,omitempty"`
	Progress  Progress   `json:"progress,omitzero"`
	Error     *RunError  `json:"error,omitempty"`
	Approved  bool       `json:"approved,omitempty"`
	At        time.Time  `json:"at,omitzero"`
	MaxErrors int        `json:"maxErrors,omitempty"`
}

func StartRun(targetID, orderID string) Action {
	return Action{Type: ActionStartRun, TargetID: targetID, OrderID: orderID}
}

func PhaseComplete(phase Phase) Action {
	return Action{Type: ActionPhaseComplete, Phase: phase}
}

func StepUpdate(step string) Action {
	return Action{Type: ActionStepUpdate, Step: step}
}

func ProgressUpdate(progress Progress) Action {
	return Action{Type: ActionProgressUpdate, Progress: progress}
}

func ErrorOccurred(err *RunError) Action {
	return Action{Type: ActionErrorOccurred, Error: err}
}

func PauseRun() Action { return Action{Type: ActionPauseRun} }

func ResumeRun() Action { return Action{Type: ActionResumeRun} }

func CancelRun() Action { return Action{Type: ActionCancelRun} }

// ReviewDecision closes a run under review: approved moves it to complete, rejected to idle.
func ReviewDecision(approved bool) Action {
	return Action{Type: ActionReviewDecision, Approved: approved}
}
