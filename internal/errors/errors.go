/*
 * Copyright (c) 2019, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package errors annotates an error with the stack frame that wrapped it,
one frame at a time, so a failure surfaced deep in a session's AEAD
decoding or target dialing can be traced back to the call that
triggered it without a full panic-style stack dump. ServerState,
ClientSession, config and ciphersuite call these helpers when wrapping
errors from the standard library or a cipher package; the session's
sentinel taxonomy errors are returned unwrapped.

*/
package errors

import (
	"fmt"
	"runtime"

	"github.com/shadowsocks2022/server/internal/stacktrace"
)

// callerFrame formats the function name and source line of the caller
// skip frames up the stack, in the "funcName#line" shape every Trace*
// helper below prefixes onto an error.
func callerFrame(skip int) string {
	pc, _, line, _ := runtime.Caller(skip)
	return fmt.Sprintf("%s#%d", stacktrace.GetFunctionName(pc), line)
}

// TraceNew returns a new error with the given message, annotated with
// its caller's stack frame. Used for errors originating in this
// package rather than wrapping one returned by a lower layer (cipher
// construction, header decoding, target resolution).
func TraceNew(message string) error {
	return fmt.Errorf("%s: %w", callerFrame(2), fmt.Errorf("%s", message))
}

// BackTraceNew returns a new error with the given message, annotated
// with every stack frame from the immediate caller back up to (and
// including) the named function. Useful when an error needs to carry
// the full path through a multi-step handshake rather than just its
// immediate origin.
func BackTraceNew(backTraceFuncName, message string) error {
	return fmt.Errorf("%s%w", backTrace(backTraceFuncName), fmt.Errorf("%s", message))
}

// Tracef returns a new error with the given formatted message,
// annotated with its caller's stack frame.
func Tracef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", callerFrame(2), fmt.Errorf(format, args...))
}

// Trace wraps err with its caller's stack frame, or returns nil
// unchanged so callers can write `return errors.Trace(err)` directly
// off a function's own error return.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", callerFrame(2), err)
}

// TraceMsg wraps err with its caller's stack frame and an added
// message describing what the caller was attempting — e.g. "invalid
// key" when DecodeKey fails, or "HKDF subkey derivation failed" when
// the cipher suite's key schedule fails.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", callerFrame(2), message, err)
}

// backTrace walks the stack from the caller of the Trace* helper that
// invoked it, accumulating one "funcName#line: " prefix per frame,
// until it has included the frame for backTraceFuncName.
func backTrace(backTraceFuncName string) string {
	stop := false
	trace := ""
	// n starts at 2: 0 is backTrace itself, 1 is BackTraceNew, 2 is
	// BackTraceNew's caller — the first frame that should appear in
	// the accumulated trace.
	for n := 2; ; n++ {
		pc, _, line, ok := runtime.Caller(n)
		if !ok {
			break
		}
		funcName := stacktrace.GetFunctionName(pc)
		trace = fmt.Sprintf("%s#%d: ", funcName, line) + trace
		if stop {
			break
		}
		if funcName == backTraceFuncName {
			stop = true
		}
	}
	return trace
}
