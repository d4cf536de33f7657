package io

import (
	"errors"
	stdio "io"
)

// ErrWriterClosed is returned by DotWriter.Write after Close.
var ErrWriterClosed = errors.New("smtp: write on closed data writer")

var endOfData = []byte("\r\n.\r\n")

// LineState tracks the CR/LF position across Write calls.
type LineState int

const (
	// MiddleOfLine: the previous byte was neither CR nor the LF of a CRLF.
	MiddleOfLine LineState = iota
	// StartingNewLine: the previous byte was CR.
	StartingNewLine
	// StartOfNewLine: the previous two bytes were CRLF, or nothing was written yet.
	StartOfNewLine
)

// DotWriter applies SMTP dot-stuffing (RFC 5321 section 4.5.2) to a message
// body as it is streamed to the server. Close writes the CRLF.CRLF terminator.
type DotWriter struct {
	w      stdio.Writer
	state  LineState
	n      int64
	closed bool
}

// NewDotWriter returns a DotWriter writing the stuffed body to w.
func NewDotWriter(w stdio.Writer) *DotWriter {
	return &DotWriter{w: w, state: StartOfNewLine}
}

// Write stuffs p and writes it through. The returned count refers to bytes of
// p consumed, not bytes written to the underlying writer.
func (d *DotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, ErrWriterClosed
	}

	start := 0
	for i, b := range p {
		if d.state == StartOfNewLine && b == '.' {
			// Flush up to and including this dot, then emit it a second time.
			if _, err := d.w.Write(p[start : i+1]); err != nil {
				return start, err
			}
			start = i
		}
		switch {
		case b == '\r':
			d.state = StartingNewLine
		case b == '\n' && d.state == StartingNewLine:
			d.state = StartOfNewLine
		default:
			d.state = MiddleOfLine
		}
	}
	if start < len(p) {
		if _, err := d.w.Write(p[start:]); err != nil {
			return start, err
		}
	}
	d.n += int64(len(p))
	return len(p), nil
}

// Close terminates the body. The terminator is always CRLF.CRLF so that a body
// without a trailing line break is completed; it is written exactly once.
func (d *DotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	_, err := d.w.Write(endOfData)
	return err
}

// Len reports the number of unstuffed body bytes accepted so far.
func (d *DotWriter) Len() int64 {
	return d.n
}

// State reports the current line position, mostly useful in tests.
func (d *DotWriter) State() LineState {
	return d.state
}
