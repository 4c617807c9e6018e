package game

// Reason classifies why a planning step produced no work, or why the loop
// changed course.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonBlockedNoRAM    Reason = "BLOCKED_NO_RAM"
	ReasonGoalReached     Reason = "GOAL_REACHED"
	ReasonLaunchFailed    Reason = "LAUNCH_FAILED"
	ReasonFatalNoYield    Reason = "FATAL_NO_YIELD"
	ReasonDegradedState   Reason = "DEGRADED_STATE"
	ReasonNoFeasibleBatch Reason = "NO_FEASIBLE_BATCH"
	ReasonPreflightFailed Reason = "PREFLIGHT_FAILED"
	ReasonBadDurations    Reason = "FATAL_BAD_DURATIONS" // weaken is not the slowest phase
)

// Fatal reports whether retrying cannot help.
func (r Reason) Fatal() bool {
	switch r {
	case ReasonFatalNoYield, ReasonPreflightFailed, ReasonBadDurations:
		return true
	}
	return false
}

// Transient reports whether the condition clears by waiting.
func (r Reason) Transient() bool {
	switch r {
	case ReasonBlockedNoRAM, ReasonNoFeasibleBatch, ReasonLaunchFailed:
		return true
	}
	return false
}
