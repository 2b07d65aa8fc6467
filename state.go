package tunepipe

// State of a pipeline run.
type State string

const (
	PENDING       State = "PENDING"
	EXTRACTING    State = "EXTRACTING"
	TRANSFORMING  State = "TRANSFORMING"
	QUALITY_CHECK State = "QUALITY_CHECK"
	MODELING      State = "MODELING"
	SUCCEEDED     State = "SUCCEEDED"
	FAILED        State = "FAILED"
	BLOCKED       State = "BLOCKED"
	CANCELLED     State = "CANCELLED"
)

var transitions = map[State][]State{
	PENDING:       {EXTRACTING},
	EXTRACTING:    {TRANSFORMING},
	TRANSFORMING:  {QUALITY_CHECK},
	QUALITY_CHECK: {MODELING, BLOCKED},
	MODELING:      {SUCCEEDED},
	// a blocked run resumes at the quality gate when re-evaluated
	BLOCKED: {QUALITY_CHECK},
}

// IsTerminal reports whether no stage will be dispatched for a run in this state.
// BLOCKED is not terminal: it waits for re-evaluation.
func (s State) IsTerminal() bool {
	return s == SUCCEEDED || s == FAILED || s == CANCELLED
}

// IsActive reports whether a run in this state is queued or executing.
func (s State) IsActive() bool {
	return !s.IsTerminal() && s != BLOCKED
}

// CanTransition reports whether a run may move from s to next.
func (s State) CanTransition(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == FAILED || next == CANCELLED {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// StageStatus status of a single stage invocation
type StageStatus string

const (
	StageStarted   StageStatus = "STARTED"
	StageCompleted StageStatus = "COMPLETED"
	StageFailed    StageStatus = "FAILED"
	StageRetrying  StageStatus = "RETRYING"
	StageSkipped   StageStatus = "SKIPPED"
)

// Trigger records why a run was created.
type Trigger string

const (
	TriggerScheduled  Trigger = "SCHEDULED"
	TriggerManual     Trigger = "MANUAL"
	TriggerBackfill   Trigger = "BACKFILL"
	TriggerReevaluate Trigger = "REEVALUATE"
	TriggerRestart    Trigger = "RESTART"
)
