package types

// Version is the canonical hammer version.
// The journal format version and report schema follow it in lockstep.
const Version = "0.3.0"

// JournalFormatVersion is written into every journal header frame.
const JournalFormatVersion = Version
