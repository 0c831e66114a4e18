// Copyright © Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"reflect"

	"github.com/JeffreyRichter/enum/enum"
	"github.com/pkg/errors"
)

// EErrorKind is the zero value of ErrorKind; its methods are the enumerators.
// Follows the same reflection-backed enum idiom used elsewhere in this
// codebase for small closed sets (job state, task-group state, ...).
var EErrorKind = ErrorKind(0)

// ErrorKind classifies every error that can cross the MDS Gateway boundary,
// per the five-way taxonomy: Conflict, NotFound, Transient, Validation,
// Fatal, plus LockLost which is a specialization callers must treat
// distinctly (drop the job, don't retry).
type ErrorKind uint8

func (ErrorKind) Conflict() ErrorKind   { return ErrorKind(1) }
func (ErrorKind) NotFound() ErrorKind   { return ErrorKind(2) }
func (ErrorKind) Transient() ErrorKind  { return ErrorKind(3) }
func (ErrorKind) Validation() ErrorKind { return ErrorKind(4) }
func (ErrorKind) Fatal() ErrorKind      { return ErrorKind(5) }
func (ErrorKind) LockLost() ErrorKind   { return ErrorKind(6) }

func (k ErrorKind) String() string {
	return enum.StringInt(k, reflect.TypeOf(k))
}

// GatewayError wraps an underlying error with the ErrorKind the core state
// machine dispatches on. The underlying error (if any) is preserved for
// logging via Unwrap, but callers must never switch on it -- only on Kind.
type GatewayError struct {
	Kind  ErrorKind
	msg   string
	cause error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *GatewayError) Unwrap() error { return e.cause }

// Is lets errors.Is(err, ErrConflict("")) match any Conflict-kind error by
// comparing Kind rather than pointer identity.
func (e *GatewayError) Is(target error) bool {
	other, ok := target.(*GatewayError)
	return ok && other.Kind == e.Kind
}

func newKindError(kind ErrorKind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, msg: msg, cause: cause}
}

// ErrConflict reports a failed conditional write: another supervisor won
// the race, or a task-group id collided with an existing record.
func ErrConflict(msg string) error { return newKindError(EErrorKind.Conflict(), msg, nil) }

// ErrNotFound reports that the referenced record does not exist in the MDS.
func ErrNotFound(msg string) error { return newKindError(EErrorKind.NotFound(), msg, nil) }

// ErrTransient wraps a retryable failure (MDS unavailable, network error,
// locate failure). The tick loop is the retry mechanism; callers clear
// pendingOp and wait for the next tick.
func ErrTransient(msg string, cause error) error {
	return newKindError(EErrorKind.Transient(), msg, cause)
}

// ErrValidation reports a malformed record read from the MDS: out-of-range
// phaseNum, duplicate taskGroupId, unparsable JSON. Callers log and skip
// the offending record; they never abort the job over it.
func ErrValidation(msg string) error { return newKindError(EErrorKind.Validation(), msg, nil) }

// ErrFatal reports a programmer bug or assertion failure: an impossible
// job state, an invariant violation. Callers propagate this upward to a
// process crash; a restart recovers because the MDS is the source of truth.
func ErrFatal(msg string) error { return newKindError(EErrorKind.Fatal(), msg, nil) }

// ErrLockLost reports that a heartbeat or discovery observed that another
// supervisor now owns the job. Callers drop the job immediately.
func ErrLockLost(msg string) error { return newKindError(EErrorKind.LockLost(), msg, nil) }

// KindOf classifies err, defaulting to Fatal for anything that didn't come
// from this package's constructors -- an unclassified error from a Gateway
// implementation is itself a bug in that implementation.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return EErrorKind.Fatal()
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
