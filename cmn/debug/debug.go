// Package debug provides assertions in the style of the teacher's
// cmn/debug package: invariants get to be written down as executable
// checks. Assertions are always enabled; no build tag turns them off.
package debug

import "fmt"

var enabled = true

// Assert panics with msg (and any extra context values) if cond is
// false. Used at invariant boundaries called out in spec §3 (I1-I5):
// these are programmer errors, not Transient/ProtocolViolation
// conditions, so a panic - not a returned error - is correct.
func Assert(cond bool, v ...any) {
	if !enabled || cond {
		return
	}
	panic(assertionError(v))
}

// Assertf is the formatted form of Assert.
func Assertf(cond bool, format string, v ...any) {
	if !enabled || cond {
		return
	}
	panic(assertionErrorf(format, v))
}

func assertionError(v []any) string {
	if len(v) == 0 {
		return "assertion failed"
	}
	return fmt.Sprintf("assertion failed: %v", fmt.Sprintln(v...))
}

func assertionErrorf(format string, v []any) string {
	return "assertion failed: " + fmt.Sprintf(format, v...)
}
