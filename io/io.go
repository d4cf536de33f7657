// Package io holds the line-level wire primitives of the client: reading CRLF
// terminated reply lines and the streaming dot-stuffing encoder for DATA.
package io

import (
	"bufio"
	"errors"
	stdio "io"
)

// MaxReplyLine bounds a single reply line including CRLF. RFC 5321 allows 512
// octets; servers in the wild exceed that with long EHLO keywords.
const MaxReplyLine = 2048

var (
	ErrLineTooLong   = errors.New("smtp: line too long")
	ErrBadLineEnding = errors.New("smtp: line not terminated by CRLF")
)

// ReadLine reads a single CRLF terminated line and returns it without the
// terminator. Lines longer than max are drained and rejected.
func ReadLine(reader *bufio.Reader, max int) (string, error) {
	// FAST PATH: the whole line fits in the bufio buffer (zero-copy view).
	line, err := reader.ReadSlice('\n')
	if err == nil {
		return validateAndConvert(line, max)
	}

	// Anything but ErrBufferFull is a read error (EOF, closed socket).
	if err != bufio.ErrBufferFull {
		if len(line) > 0 && err == stdio.EOF {
			return "", stdio.ErrUnexpectedEOF
		}
		return "", err
	}

	// SLOW PATH: the line is larger than the bufio buffer.
	// Copy the first chunk now; the next ReadSlice overwrites it.
	buf := append([]byte(nil), line...)
	for {
		line, err = reader.ReadSlice('\n')

		if len(buf)+len(line) > max {
			// Drain the rest of the line so the next read starts fresh,
			// unless this chunk already ended it.
			if err == bufio.ErrBufferFull {
				drainLine(reader)
			}
			return "", ErrLineTooLong
		}

		buf = append(buf, line...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	return validateAndConvert(buf, max)
}

func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		// The whole line is already consumed; nothing to drain.
		return "", ErrLineTooLong
	}

	// Strict CRLF. b ends in '\n' because ReadSlice returned no error.
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}
	return string(b[:len(b)-2]), nil
}

// drainLine discards the rest of the current line to recover protocol synchronization.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return // newline found, or EOF / read error
		}
	}
}
