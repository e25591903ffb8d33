package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/buildlog"
	"github.com/TyberiusPrime/uv2nix-hammer/journal"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
	"github.com/TyberiusPrime/uv2nix-hammer/metrics"
	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// DefaultMaxAttempts is the attempt budget when none is configured.
const DefaultMaxAttempts = 10

// Classifier turns build output into a failure signature.
// *buildlog.Parser implements it.
type Classifier interface {
	Classify(output []byte) types.FailureSignature
}

// MutationFinder picks the next override for a signature.
// *rules.Catalog implements it.
type MutationFinder interface {
	FindMutation(sig types.FailureSignature, view overrides.View) (types.Mutation, bool)
}

// Inspector adds facts about the failing derivation's source to a
// signature before rules see it, such as whether it builds from a wheel
// and what its sdist declares in build-system.requires. Inspection is
// best effort and leaves the signature untouched when it learns nothing.
// *srcextract.Inspector implements it.
type Inspector interface {
	Inspect(ctx context.Context, sig *types.FailureSignature)
}

// Observer receives progress callbacks. Calls happen on the session
// goroutine, in order.
type Observer interface {
	OnAttemptStart(index, maxAttempts int)
	OnAttemptDone(rec types.AttemptRecord)
}

// SessionConfig configures a repair session.
type SessionConfig struct {
	// ID identifies the session in logs, journals and reports.
	ID string
	// Target is the package being repaired.
	Target types.PackageTarget
	// Runner executes builds.
	Runner BuildRunner
	// Classifier classifies failed builds. Defaults to buildlog.NewParser().
	Classifier Classifier
	// Rules supplies mutations.
	Rules MutationFinder
	// Inspector, if set, enriches signatures of failed derivations.
	Inspector Inspector
	// Store accumulates overrides. Defaults to an empty store.
	Store *overrides.Store
	// MaxAttempts bounds the number of builds. Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// SessionTimeout bounds the whole session. Zero means no limit.
	SessionTimeout time.Duration
	// Journal, if set, receives every attempt as it completes.
	Journal *journal.Writer
	// Observer, if set, receives progress callbacks.
	Observer Observer
	// Collector records session metrics. Nil-safe.
	Collector *metrics.Collector
	// Logger defaults to log.Nop().
	Logger *log.Logger
}

// SessionResult is the terminal record of a session.
type SessionResult struct {
	ID       string
	Target   types.PackageTarget
	State    types.SessionState
	Reason   types.TerminationReason
	Attempts []types.AttemptRecord
	// LastSignature is the last classified failure, nil on convergence.
	LastSignature *types.FailureSignature
	// Err is the runner error behind an Aborted session.
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Session drives the repair loop for one target. A Session is used once.
type Session struct {
	config *SessionConfig
	logger *log.Logger
	state  types.SessionState

	attempts []types.AttemptRecord
	// fixed holds the keys of signatures a mutation was applied for.
	fixed   map[string]bool
	lastSig *types.FailureSignature
}

// NewSession validates config and applies defaults.
func NewSession(config *SessionConfig) (*Session, error) {
	if err := config.Target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	config.Target = config.Target.Canonical()
	if config.Runner == nil {
		return nil, errors.New("session: runner is required")
	}
	if config.Rules == nil {
		return nil, errors.New("session: rules are required")
	}
	if config.MaxAttempts < 0 {
		return nil, fmt.Errorf("session: max attempts must be positive, got %d", config.MaxAttempts)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Classifier == nil {
		config.Classifier = buildlog.NewParser()
	}
	if config.Store == nil {
		config.Store = overrides.NewStore()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		config: config,
		logger: logger,
		state:  types.StateInit,
		fixed:  make(map[string]bool),
	}, nil
}

// Store returns the session's override store.
func (s *Session) Store() *overrides.Store {
	return s.config.Store
}

// State returns the current state.
func (s *Session) State() types.SessionState {
	return s.state
}

// Execute runs the loop until a terminal state. The returned error is
// reserved for misuse; every build outcome, including aborts, is
// reported through SessionResult.
//
// Flow per attempt:
//  1. Building: run the build. Success converges; a runner error aborts.
//  2. Classifying: derive the failure signature.
//  3. Patching: pick and apply the next mutation, or terminate.
func (s *Session) Execute(ctx context.Context) (*SessionResult, error) {
	if s.state != types.StateInit {
		return nil, fmt.Errorf("session already executed (state %s)", s.state)
	}
	startedAt := time.Now()
	s.config.Collector.IncSessionStarted()

	sessCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.config.SessionTimeout > 0 {
		sessCtx, cancel = context.WithTimeout(ctx, s.config.SessionTimeout)
	}
	defer cancel()

	s.logger.Info("starting repair session", map[string]any{
		"target":          s.config.Target.String(),
		"max_attempts":    s.config.MaxAttempts,
		"session_timeout": s.config.SessionTimeout.String(),
	})

	reason, runErr := s.loop(ctx, sessCtx)
	result := &SessionResult{
		ID:            s.config.ID,
		Target:        s.config.Target,
		State:         s.state,
		Reason:        reason,
		Attempts:      s.attempts,
		LastSignature: s.lastSig,
		Err:           runErr,
		StartedAt:     startedAt,
		Duration:      time.Since(startedAt),
	}

	switch s.state {
	case types.StateConverged:
		s.config.Collector.IncSessionConverged()
	case types.StateExhausted:
		s.config.Collector.IncSessionExhausted()
	case types.StateAborted:
		s.config.Collector.IncSessionAborted()
	}

	if s.config.Journal != nil {
		if err := s.config.Journal.Finish(s.state, reason); err != nil {
			s.config.Collector.IncJournalWriteFailure()
			s.logger.Warn("failed to finish journal", map[string]any{"error": err.Error()})
		}
	}

	fields := map[string]any{
		"state":    s.state,
		"reason":   reason,
		"attempts": len(s.attempts),
		"duration": result.Duration.String(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
	}
	s.logger.Info("repair session finished", fields)
	return result, nil
}

// loop runs attempts until a terminal state and returns the reason.
func (s *Session) loop(parent, ctx context.Context) (types.TerminationReason, error) {
	for index := 1; ; index++ {
		if reason, done := s.checkContext(parent, ctx); done {
			return reason, nil
		}

		s.transition(types.StateBuilding)
		if s.config.Observer != nil {
			s.config.Observer.OnAttemptStart(index, s.config.MaxAttempts)
		}
		s.config.Collector.IncAttemptStarted()

		res, err := s.config.Runner.Run(ctx, &BuildRequest{
			Attempt: index,
			Target:  s.config.Target,
			Store:   s.config.Store,
		})
		if err != nil {
			if reason, done := s.checkContext(parent, ctx); done {
				return reason, err
			}
			s.transition(types.StateAborted)
			if errors.Is(err, ErrInvalidOverrides) {
				return types.ReasonInvalidOverrides, err
			}
			s.config.Collector.IncLaunchFailure()
			return types.ReasonLaunchFailure, err
		}

		rec := types.AttemptRecord{
			Index:    index,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Duration: res.Duration,
		}

		if res.Succeeded() {
			s.config.Collector.IncAttemptSucceeded()
			rec.Outcome = types.AttemptSuccess
			s.record(rec, res.Output)
			s.transition(types.StateConverged)
			return types.ReasonConverged, nil
		}

		s.config.Collector.IncAttemptFailed()
		if res.TimedOut {
			s.config.Collector.IncAttemptTimeout()
		}

		s.transition(types.StateClassifying)
		sig := s.classify(ctx, res)
		rec.Signature = &sig
		s.lastSig = &sig
		s.config.Collector.IncClassified(string(sig.Category))

		s.transition(types.StatePatching)
		reason, terminal := s.patch(index, sig, &rec)
		s.record(rec, res.Output)
		if terminal {
			s.transition(types.StateExhausted)
			return reason, nil
		}
	}
}

// checkContext maps a done context to its terminal state.
func (s *Session) checkContext(parent, ctx context.Context) (types.TerminationReason, bool) {
	if parent.Err() != nil {
		s.transition(types.StateAborted)
		return types.ReasonCanceled, true
	}
	if ctx.Err() != nil {
		s.transition(types.StateExhausted)
		return types.ReasonSessionBudget, true
	}
	return "", false
}

func (s *Session) classify(ctx context.Context, res *BuildResult) types.FailureSignature {
	var sig types.FailureSignature
	if res.TimedOut {
		sig = buildlog.TimeoutSignature(res.Output)
	} else {
		sig = s.config.Classifier.Classify(res.Output)
	}
	if sig.Package.IsZero() {
		sig.Package = s.config.Target
	}
	if s.config.Inspector != nil && !res.TimedOut && sig.Category != types.CategoryUnclassified {
		s.config.Inspector.Inspect(ctx, &sig)
	}
	s.logger.Info("build failed", map[string]any{
		"category":    sig.Category,
		"evidence":    sig.Evidence,
		"package":     sig.Package.String(),
		"source":      sig.Source,
		"fingerprint": sig.Fingerprint(),
	})
	return sig
}

// patch decides the next step for a failed attempt. It applies a
// mutation and returns terminal=false, or returns the reason the session
// ends. rec is updated with the attempt outcome.
func (s *Session) patch(index int, sig types.FailureSignature, rec *types.AttemptRecord) (types.TerminationReason, bool) {
	rec.Outcome = types.AttemptFailure

	key := sig.Key()
	if s.fixed[key] {
		rec.Outcome = types.AttemptRuleExhausted
		s.logger.Warn("failure recurred after fix", map[string]any{"fingerprint": sig.Fingerprint()})
		return types.ReasonSignatureRecurred, true
	}

	mut, ok := s.config.Rules.FindMutation(sig, s.config.Store)
	if !ok {
		rec.Outcome = types.AttemptRuleExhausted
		s.config.Collector.IncRuleMiss()
		s.logger.Warn("no rule matches failure", map[string]any{
			"category": sig.Category,
			"evidence": sig.Evidence,
		})
		return types.ReasonNoRule, true
	}

	if index >= s.config.MaxAttempts {
		s.logger.Warn("attempt budget exhausted", map[string]any{
			"max_attempts": s.config.MaxAttempts,
			"next":         mut.String(),
		})
		return types.ReasonAttemptBudget, true
	}

	changed, err := s.config.Store.Apply(mut)
	if err != nil || !changed {
		// Rules only return admissible mutations; treat anything else as a miss.
		rec.Outcome = types.AttemptRuleExhausted
		fields := map[string]any{"mutation": mut.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger.Error("rule produced an unusable mutation", fields)
		return types.ReasonNoRule, true
	}
	s.fixed[key] = true
	rec.Applied = &mut
	s.config.Collector.IncMutationApplied()
	s.logger.Info("applied mutation", map[string]any{
		"rule":      mut.SourceRuleID,
		"package":   mut.Package.String(),
		"attribute": mut.TargetAttribute,
		"action":    mut.Action,
		"payload":   mut.Payload,
	})
	return "", false
}

// record appends rec to the attempt log, journal and observer.
func (s *Session) record(rec types.AttemptRecord, output []byte) {
	s.attempts = append(s.attempts, rec)
	if s.config.Journal != nil {
		if err := s.config.Journal.AppendAttempt(rec, output); err != nil {
			s.config.Collector.IncJournalWriteFailure()
			s.logger.Warn("failed to journal attempt", map[string]any{
				"attempt": rec.Index,
				"error":   err.Error(),
			})
		} else {
			s.config.Collector.IncJournalWrite()
		}
	}
	if s.config.Observer != nil {
		s.config.Observer.OnAttemptDone(rec)
	}
}

func (s *Session) transition(to types.SessionState) {
	s.logger.Debug("state transition", map[string]any{"from": s.state, "to": to})
	s.state = to
}
