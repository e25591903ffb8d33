package types

import "time"

// AttemptOutcome is the result of one build attempt.
type AttemptOutcome string

const (
	// AttemptSuccess means the build succeeded.
	AttemptSuccess AttemptOutcome = "success"
	// AttemptFailure means the build failed and a mutation was applied.
	AttemptFailure AttemptOutcome = "failure"
	// AttemptRuleExhausted means the build failed and no admissible
	// mutation remained for the signature.
	AttemptRuleExhausted AttemptOutcome = "rule_exhausted"
)

// AttemptRecord is one entry of the session's append-only attempt log.
type AttemptRecord struct {
	// Index is 1-based and strictly increasing.
	Index     int               `json:"index" msgpack:"index"`
	Signature *FailureSignature `json:"signature,omitempty" msgpack:"signature,omitempty"`
	// Applied is the mutation applied after this attempt, if any.
	Applied  *Mutation      `json:"applied_mutation,omitempty" msgpack:"applied_mutation,omitempty"`
	Outcome  AttemptOutcome `json:"outcome" msgpack:"outcome"`
	ExitCode int            `json:"exit_code" msgpack:"exit_code"`
	TimedOut bool           `json:"timed_out,omitempty" msgpack:"timed_out,omitempty"`
	Duration time.Duration  `json:"duration_ns" msgpack:"duration_ns"`
}

// SessionState is the repair loop's state machine position.
type SessionState string

const (
	StateInit        SessionState = "init"
	StateBuilding    SessionState = "building"
	StateClassifying SessionState = "classifying"
	StatePatching    SessionState = "patching"

	// StateConverged means the build succeeded.
	StateConverged SessionState = "converged"
	// StateExhausted means no further progress was possible within budget.
	StateExhausted SessionState = "exhausted"
	// StateAborted means an environmental fault or cancellation ended the session.
	StateAborted SessionState = "aborted"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	switch s {
	case StateConverged, StateExhausted, StateAborted:
		return true
	default:
		return false
	}
}

// TerminationReason explains why a session reached its terminal state.
type TerminationReason string

const (
	ReasonConverged         TerminationReason = "converged"
	ReasonNoRule            TerminationReason = "no_rule"
	ReasonSignatureRecurred TerminationReason = "signature_recurred"
	ReasonAttemptBudget     TerminationReason = "attempt_budget_exceeded"
	ReasonSessionBudget     TerminationReason = "session_budget_exceeded"
	ReasonLaunchFailure     TerminationReason = "launch_failure"
	ReasonInvalidOverrides  TerminationReason = "invalid_overrides"
	ReasonCanceled          TerminationReason = "canceled"
)

// Describe returns the human-readable form of the reason.
func (r TerminationReason) Describe() string {
	switch r {
	case ReasonConverged:
		return "build succeeded"
	case ReasonNoRule:
		return "no rule matches the failure"
	case ReasonSignatureRecurred:
		return "failure recurred after its fix was applied"
	case ReasonAttemptBudget:
		return "attempt budget exceeded"
	case ReasonSessionBudget:
		return "session time budget exceeded"
	case ReasonLaunchFailure:
		return "build tool could not be launched"
	case ReasonInvalidOverrides:
		return "generated overrides failed to evaluate"
	case ReasonCanceled:
		return "session canceled"
	default:
		return string(r)
	}
}

// IsBudget reports whether the reason is an exhausted budget.
func (r TerminationReason) IsBudget() bool {
	return r == ReasonAttemptBudget || r == ReasonSessionBudget
}
