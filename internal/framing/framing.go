// Package framing recovers per-command output from a shared byte stream.
//
// A persistent shell multiplexes the output of every command it ever runs
// onto the same two pipes. To attribute bytes to the right command, each
// invocation appends an end-of-transmission marker to both streams and an
// Accumulator splits the raw byte flow into complete lines, buffering the
// partial trailing line, until it sees the marker for the current invocation.
package framing

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Marker is the end-of-transmission token for one command invocation.
// A fresh token is generated per command so that stale output from a
// timed-out or abandoned prior command can never be mistaken for the
// current one.
type Marker struct {
	Token string
}

// NewMarker generates a fresh, unpredictable marker.
func NewMarker() Marker {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Marker{Token: fmt.Sprintf("_EoT_%s_", random)}
}

// StatusPattern matches the marker line carrying the command's exit code on
// the primary stream: `<token> errno=<digits>`.
func (m Marker) StatusPattern() *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(m.Token) + ` errno=(\d+)`)
}

// BarePattern matches the bare marker on the secondary stream.
func (m Marker) BarePattern() *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(m.Token))
}

// Accumulator gathers one stream's bytes for a single command invocation.
// Complete lines accumulate into the output buffer; the unterminated
// remainder is held in a tail buffer. When a marker pattern is configured,
// the line containing it closes the stream: text before the marker belongs
// to the command, text after it is anomalous.
type Accumulator struct {
	Name string // stream label for error messages ("stdout", "stderr")

	pattern    *regexp.Regexp // nil means EOF-terminated (no marker)
	hasStatus  bool
	out        bytes.Buffer
	tail       []byte
	anomaly    []byte
	open       bool
	exitStatus int
}

// NewMarkerAccumulator returns an accumulator closed by a marker line.
// withStatus selects the primary-stream pattern carrying the exit code.
func NewMarkerAccumulator(name string, m Marker, withStatus bool) *Accumulator {
	a := &Accumulator{Name: name, open: true, hasStatus: withStatus}
	if withStatus {
		a.pattern = m.StatusPattern()
	} else {
		a.pattern = m.BarePattern()
	}
	return a
}

// NewEOFAccumulator returns an accumulator with no marker: every byte belongs
// to the command and only end-of-file closes the stream. Used when the
// command has dedicated pipes.
func NewEOFAccumulator(name string) *Accumulator {
	return &Accumulator{Name: name, open: true}
}

// Feed appends raw bytes read from the stream. For marker-terminated
// accumulators it consumes complete lines until the marker is found; bytes
// arriving after the stream has closed are recorded as anomalous.
func (a *Accumulator) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if !a.open {
		a.anomaly = append(a.anomaly, p...)
		return
	}

	a.tail = append(a.tail, p...)

	if a.pattern == nil {
		// EOF-terminated: everything is command output.
		a.out.Write(a.tail)
		a.tail = a.tail[:0]
		return
	}

	for a.open {
		idx := bytes.IndexByte(a.tail, '\n')
		if idx < 0 {
			return
		}
		line := a.tail[:idx]
		rest := a.tail[idx+1:]

		if loc := a.pattern.FindSubmatchIndex(line); loc != nil {
			// Text before the marker on the same line is command output
			// (an unterminated partial line the remote never newline'd).
			a.out.Write(line[:loc[0]])
			if a.hasStatus {
				status, err := strconv.Atoi(string(line[loc[2]:loc[3]]))
				if err == nil {
					a.exitStatus = status
				}
			}
			// Anything past the marker indicates a leaked background
			// writer on the remote side. Keep it for the caller to log.
			a.anomaly = append(a.anomaly, line[loc[1]:]...)
			a.anomaly = append(a.anomaly, rest...)
			a.tail = nil
			a.open = false
			return
		}

		a.out.Write(line)
		a.out.WriteByte('\n')
		a.tail = append(a.tail[:0], rest...)
	}
}

// CloseEOF marks the stream closed at end-of-file. Any unterminated tail is
// flushed into the output buffer.
func (a *Accumulator) CloseEOF() {
	if !a.open {
		return
	}
	a.out.Write(a.tail)
	a.tail = nil
	a.open = false
}

// Open reports whether the stream is still waiting for its marker or EOF.
func (a *Accumulator) Open() bool {
	return a.open
}

// Output returns the command output gathered so far.
func (a *Accumulator) Output() string {
	return a.out.String()
}

// HasOutput reports whether any command output has been gathered.
func (a *Accumulator) HasOutput() bool {
	return a.out.Len() > 0
}

// Tail returns the unterminated partial line, for diagnostics.
func (a *Accumulator) Tail() []byte {
	return a.tail
}

// Anomaly returns bytes that arrived after the marker, or nil.
func (a *Accumulator) Anomaly() []byte {
	return a.anomaly
}

// ExitStatus returns the exit code parsed from the status marker line.
// Only meaningful once a status-carrying accumulator has closed.
func (a *Accumulator) ExitStatus() int {
	return a.exitStatus
}
