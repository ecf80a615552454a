// Package testutil provides shared skip helpers and tensor assertions for
// tests.
//
// The skip helpers call t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so slow or process-spawning tests stay
// runnable in partial environments without failing noisily.
//
// Typical usage:
//
//	func TestWholeCorpus(t *testing.T) {
//	    testutil.RequireLongTests(t)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"
)

// RequireLongTests skips the test under -short or when OPCHECK_SKIP_LONG is
// set to a non-empty value.
func RequireLongTests(tb testing.TB) {
	tb.Helper()

	if testing.Short() {
		tb.Skipf("long test skipped in -short mode")
		return
	}

	if v := os.Getenv("OPCHECK_SKIP_LONG"); v != "" {
		tb.Skipf("long test skipped (OPCHECK_SKIP_LONG=%q)", v)
	}
}

// RequireSubprocess skips the test when child processes cannot be started
// from the test binary, or when OPCHECK_SKIP_SUBPROCESS is set.
func RequireSubprocess(tb testing.TB) {
	tb.Helper()

	if v := os.Getenv("OPCHECK_SKIP_SUBPROCESS"); v != "" {
		tb.Skipf("subprocess test skipped (OPCHECK_SKIP_SUBPROCESS=%q)", v)
		return
	}

	exe, err := os.Executable()
	if err != nil {
		tb.Skipf("test executable not resolvable: %v", err)
		return
	}

	if _, err := os.Stat(exe); err != nil {
		tb.Skipf("test executable %q not found: %v", exe, err)
	}
}
