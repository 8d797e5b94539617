package haven

import (
	"fmt"

	"reverie/src/lib/trust"
)

const (
	subsystemMask = 0x00ff_0000
	numberMask    = 0x0000_ffff
)

const (
	IDSubsystem    = 1
	MemSubsystem   = 2
	ProcSubsystem  = 3
	SchedSubsystem = 4
)

// Errno is a subsystem-tagged error code.  Codes are plain values so callers
// compare with == (or errors.Is); anything that needs context wraps them.
type Errno uint32

var errText = map[Errno]string{}

func defineError(subsys uint32, number uint16, text string) Errno {
	e := Errno(subsys<<16&subsystemMask | uint32(number)&numberMask)
	errText[e] = text
	return e
}

// Recoverable errors, surfaced to the syscall layer.  Only InvariantError is
// fatal; these never are.
var (
	ErrExhausted   = defineError(IDSubsystem, 1, "identifier or frame namespace exhausted")
	ErrOverlap     = defineError(MemSubsystem, 1, "region intersects an existing region")
	ErrNotMapped   = defineError(MemSubsystem, 2, "range not fully covered by existing regions")
	ErrBadRequest  = defineError(MemSubsystem, 3, "misaligned or empty range")
	ErrSegFault    = defineError(MemSubsystem, 4, "access outside any region or beyond its permission")
	ErrNoChildren  = defineError(ProcSubsystem, 1, "no children to wait for")
	ErrAgain       = defineError(ProcSubsystem, 2, "no child has exited yet")
	ErrInterrupted = defineError(ProcSubsystem, 3, "wait interrupted by signal delivery")
	ErrBadPid      = defineError(ProcSubsystem, 4, "no such process")
)

func (e Errno) Error() string {
	if t, ok := errText[e]; ok {
		return t
	}
	return fmt.Sprintf("unknown kernel error %#x", uint32(e))
}

func (e Errno) Subsystem() int {
	return int(uint32(e) & subsystemMask >> 16)
}

// InvariantError marks a broken kernel invariant: lock-order violation,
// double release, corrupted PCB state.  It is raised with panic and must
// never be recovered by kernel code; continuing would corrupt state that
// every subsystem depends on.
type InvariantError struct {
	Msg string
}

func (e InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

func violated(format string, params ...interface{}) {
	msg := fmt.Sprintf(format, params...)
	trust.Errorf("invariant violated: %s", msg)
	panic(InvariantError{Msg: msg})
}
