// Package metrics provides per-session counters for the repair loop.
//
// The Collector accumulates counters during a single session. It is a
// leaf package with no internal dependencies; categories and backends are
// passed as plain strings.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all session metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle
	SessionsStarted   int64 `json:"sessions_started"`
	SessionsConverged int64 `json:"sessions_converged"`
	SessionsExhausted int64 `json:"sessions_exhausted"`
	SessionsAborted   int64 `json:"sessions_aborted"`

	// Build attempts
	AttemptsStarted   int64 `json:"attempts_started"`
	AttemptsSucceeded int64 `json:"attempts_succeeded"`
	AttemptsFailed    int64 `json:"attempts_failed"`
	AttemptTimeouts   int64 `json:"attempt_timeouts"`
	LaunchFailures    int64 `json:"launch_failures"`

	// Classification and patching
	ClassifiedByCategory map[string]int64 `json:"classified_by_category"`
	MutationsApplied     int64            `json:"mutations_applied"`
	RuleMisses           int64            `json:"rule_misses"`

	// Persistence
	JournalWrites        int64 `json:"journal_writes"`
	JournalWriteFailures int64 `json:"journal_write_failures"`
	ArchiveWrites        int64 `json:"archive_writes"`
	ArchiveWriteFailures int64 `json:"archive_write_failures"`

	// Dimensions (informational, set at construction)
	Package        string `json:"package"`
	Runner         string `json:"runner"`
	ArchiveBackend string `json:"archive_backend,omitempty"`
	SessionID      string `json:"session_id"`
}

// Collector accumulates metrics during a single session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sessionsStarted   int64
	sessionsConverged int64
	sessionsExhausted int64
	sessionsAborted   int64

	attemptsStarted   int64
	attemptsSucceeded int64
	attemptsFailed    int64
	attemptTimeouts   int64
	launchFailures    int64

	classified       map[string]int64
	mutationsApplied int64
	ruleMisses       int64

	journalWrites        int64
	journalWriteFailures int64
	archiveWrites        int64
	archiveWriteFailures int64

	pkg            string
	runner         string
	archiveBackend string
	sessionID      string
}

// NewCollector creates a Collector with dimension labels.
// archiveBackend may be empty when no archive is configured.
func NewCollector(pkg, runner, archiveBackend, sessionID string) *Collector {
	return &Collector{
		classified:     make(map[string]int64),
		pkg:            pkg,
		runner:         runner,
		archiveBackend: archiveBackend,
		sessionID:      sessionID,
	}
}

// inc must only be called on a non-nil receiver.
func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionStarted records a session start.
func (c *Collector) IncSessionStarted() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsStarted)
}

// IncSessionConverged records a session ending in a successful build.
func (c *Collector) IncSessionConverged() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsConverged)
}

// IncSessionExhausted records a session that ran out of rules or budget.
func (c *Collector) IncSessionExhausted() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsExhausted)
}

// IncSessionAborted records a session ended by a fault or cancellation.
func (c *Collector) IncSessionAborted() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsAborted)
}

// --- Attempts ---

// IncAttemptStarted records a build attempt launch.
func (c *Collector) IncAttemptStarted() {
	if c == nil {
		return
	}
	c.inc(&c.attemptsStarted)
}

// IncAttemptSucceeded records a successful build.
func (c *Collector) IncAttemptSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.attemptsSucceeded)
}

// IncAttemptFailed records a failed build, timeouts included.
func (c *Collector) IncAttemptFailed() {
	if c == nil {
		return
	}
	c.inc(&c.attemptsFailed)
}

// IncAttemptTimeout records a build killed by the per-attempt timeout.
func (c *Collector) IncAttemptTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.attemptTimeouts)
}

// IncLaunchFailure records a build tool that could not be run at all.
func (c *Collector) IncLaunchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.launchFailures)
}

// --- Classification ---

// IncClassified records one classified failure by category.
func (c *Collector) IncClassified(category string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.classified[category]++
	c.mu.Unlock()
}

// IncMutationApplied records a mutation that changed the override store.
func (c *Collector) IncMutationApplied() {
	if c == nil {
		return
	}
	c.inc(&c.mutationsApplied)
}

// IncRuleMiss records a signature no rule could address.
func (c *Collector) IncRuleMiss() {
	if c == nil {
		return
	}
	c.inc(&c.ruleMisses)
}

// --- Persistence ---
// Journal and archive counters are per-call: one attempt record written
// counts once regardless of its size.

// IncJournalWrite records a successful journal append.
func (c *Collector) IncJournalWrite() {
	if c == nil {
		return
	}
	c.inc(&c.journalWrites)
}

// IncJournalWriteFailure records a failed journal append.
func (c *Collector) IncJournalWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.journalWriteFailures)
}

// IncArchiveWrite records a successful archive write.
func (c *Collector) IncArchiveWrite() {
	if c == nil {
		return
	}
	c.inc(&c.archiveWrites)
}

// IncArchiveWriteFailure records a failed archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.archiveWriteFailures)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	classified := make(map[string]int64, len(c.classified))
	for k, v := range c.classified {
		classified[k] = v
	}

	return Snapshot{
		SessionsStarted:   c.sessionsStarted,
		SessionsConverged: c.sessionsConverged,
		SessionsExhausted: c.sessionsExhausted,
		SessionsAborted:   c.sessionsAborted,

		AttemptsStarted:   c.attemptsStarted,
		AttemptsSucceeded: c.attemptsSucceeded,
		AttemptsFailed:    c.attemptsFailed,
		AttemptTimeouts:   c.attemptTimeouts,
		LaunchFailures:    c.launchFailures,

		ClassifiedByCategory: classified,
		MutationsApplied:     c.mutationsApplied,
		RuleMisses:           c.ruleMisses,

		JournalWrites:        c.journalWrites,
		JournalWriteFailures: c.journalWriteFailures,
		ArchiveWrites:        c.archiveWrites,
		ArchiveWriteFailures: c.archiveWriteFailures,

		Package:        c.pkg,
		Runner:         c.runner,
		ArchiveBackend: c.archiveBackend,
		SessionID:      c.sessionID,
	}
}
