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
	"os"

	"github.com/hashicorp/go-hclog"
)

// ILogger is the minimal logging surface the core depends on. Keeping it
// this small is what lets job and supervisor be unit tested without dragging
// in a real logging backend.
type ILogger interface {
	Log(level hclog.Level, msg string, args ...interface{})
	// Panic logs err at Error level and then crashes the process. Used
	// exclusively for Fatal-classified errors: an impossible state or a
	// broken invariant, never a recoverable MDS error.
	Panic(err error)
}

// hclogLogger backs ILogger with hclog, the structured logger used
// elsewhere in this codebase's process-supervision tooling.
type hclogLogger struct {
	l hclog.Logger
}

// NewLogger builds an ILogger named for the supervisor instance, writing
// structured (key=value) lines to stderr at the given minimum level.
func NewLogger(name string, level hclog.Level) ILogger {
	return &hclogLogger{l: hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: os.Stderr,
	})}
}

func (h *hclogLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	h.l.Log(level, msg, args...)
}

func (h *hclogLogger) Panic(err error) {
	h.l.Error("fatal", "error", err)
	panic(err)
}

// NamedChild returns a logger with name appended to l's name, used so a
// supervisor can give each job its own logging context (job_id=...).
func NamedChild(l ILogger, name string, args ...interface{}) ILogger {
	base, ok := l.(*hclogLogger)
	if !ok {
		return l
	}
	return &hclogLogger{l: base.l.Named(name).With(args...)}
}
