package image

import "errors"

var (
	// ErrOpen wraps any failure to open the target file, surfaced by
	// internal/command as "ERROR in opening <file>".
	ErrOpen = errors.New("error opening file")
	// ErrMalformed covers every codec-level parse failure: a missing or
	// non-numeric token, an inconsistent record count, or a structural
	// mismatch between the declared and actual token counts.
	ErrMalformed = errors.New("malformed image")
	// ErrNodeIDOutOfRange is returned when a node record references a
	// child id outside [0, N_nodes].
	ErrNodeIDOutOfRange = errors.New("node id out of range")
	// ErrWrongKind names a LOAD pointed at a VSTORE export or a VLOAD
	// pointed at a full image. Neither format carries a kind marker, and
	// no code path in this package returns it: a file of the other kind
	// is parsed as the expected kind and fails only where that parse
	// fails (as ErrMalformed or ErrNodeIDOutOfRange).
	ErrWrongKind = errors.New("wrong image kind")
)
