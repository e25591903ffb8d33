package runtime

import "github.com/TyberiusPrime/uv2nix-hammer/types"

// Process exit codes of `hammer repair`.
const (
	ExitCodeConverged = 0 // build succeeded
	ExitCodeExhausted = 1 // no fix known, or the fix did not help
	ExitCodeAborted   = 2 // toolchain failure, invalid overrides or canceled
	ExitCodeBudget    = 3 // attempt or session budget ran out
)

// ExitCode maps a terminal state to the process exit code. Budget
// exhaustion is kept apart from other exhaustion so callers can tell
// "no fix is known" from "fixes kept not converging".
func ExitCode(state types.SessionState, reason types.TerminationReason) int {
	switch state {
	case types.StateConverged:
		return ExitCodeConverged
	case types.StateExhausted:
		if reason.IsBudget() {
			return ExitCodeBudget
		}
		return ExitCodeExhausted
	default:
		return ExitCodeAborted
	}
}
