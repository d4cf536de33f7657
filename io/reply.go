package io

import (
	"bufio"
	"errors"
	"fmt"
)

var (
	ErrShortReplyLine = errors.New("smtp: reply line too short")
	ErrBadReplyCode   = errors.New("smtp: reply code is not three digits")
	ErrBadSeparator   = errors.New("smtp: bad reply separator")
	ErrCodeMismatch   = errors.New("smtp: reply code changed within a multi-line reply")
)

// ReadReply reads one complete, possibly multi-line, reply. It returns the
// three digit code and the text of every line with the code and separator
// removed. A line of exactly three bytes is a final line with empty text.
//
// I/O errors are returned unwrapped so callers can tell a dead socket from a
// malformed reply; malformed input is reported with one of the Err* values
// above wrapped with the offending line.
func ReadReply(reader *bufio.Reader, max int) (string, []string, error) {
	var (
		code  string
		lines []string
	)

	for {
		line, err := ReadLine(reader, max)
		if err != nil {
			return "", nil, err
		}

		if len(line) < 3 {
			return "", nil, fmt.Errorf("%w: %q", ErrShortReplyLine, line)
		}
		lineCode := line[:3]
		if !isDigits(lineCode) {
			return "", nil, fmt.Errorf("%w: %q", ErrBadReplyCode, line)
		}
		if code == "" {
			code = lineCode
		} else if lineCode != code {
			return "", nil, fmt.Errorf("%w: %s then %s", ErrCodeMismatch, code, lineCode)
		}

		if len(line) == 3 {
			lines = append(lines, "")
			return code, lines, nil
		}

		lines = append(lines, line[4:])
		switch line[3] {
		case ' ':
			return code, lines, nil
		case '-':
		default:
			return "", nil, fmt.Errorf("%w: %q", ErrBadSeparator, line)
		}
	}
}

// IsMalformed reports whether err was produced by ReadReply for syntactically
// invalid input rather than by the underlying reader.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrShortReplyLine) ||
		errors.Is(err, ErrBadReplyCode) ||
		errors.Is(err, ErrBadSeparator) ||
		errors.Is(err, ErrCodeMismatch) ||
		errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, ErrBadLineEnding)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
