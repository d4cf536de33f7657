package kestrel

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is a three digit SMTP reply code (RFC 5321 section 4.2).
type Code int

const (
	// 2xx - Success
	CodeSystemStatus            Code = 211
	CodeHelpMessage             Code = 214
	CodeServiceReady            Code = 220
	CodeServiceClosing          Code = 221
	CodeAuthSuccess             Code = 235
	CodeOK                      Code = 250
	CodeUserNotLocalWillForward Code = 251
	CodeCannotVRFY              Code = 252

	// 3xx - Intermediate
	CodeAuthContinue   Code = 334
	CodeStartMailInput Code = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable  Code = 421
	CodeMailboxUnavailable  Code = 450
	CodeLocalError          Code = 451
	CodeInsufficientStorage Code = 452
	CodeTLSNotAvailable     Code = 454

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    Code = 500
	CodeSyntaxError            Code = 501
	CodeCommandNotImplemented  Code = 502
	CodeBadSequence            Code = 503
	CodeParameterNotImpl       Code = 504
	CodeAuthRequired           Code = 530
	CodeAuthCredentialsInvalid Code = 535
	CodeMailboxNotFound        Code = 550
	CodeExceededStorage        Code = 552
	CodeMailboxNameInvalid     Code = 553
	CodeTransactionFailed      Code = 554
)

// Severity is the first digit of a reply code.
type Severity uint8

const (
	PositiveCompletion   Severity = 2
	PositiveIntermediate Severity = 3
	TransientNegative    Severity = 4
	PermanentNegative    Severity = 5
)

func (s Severity) String() string {
	switch s {
	case PositiveCompletion:
		return "positive completion"
	case PositiveIntermediate:
		return "positive intermediate"
	case TransientNegative:
		return "transient negative"
	case PermanentNegative:
		return "permanent negative"
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

// Category is the second digit of a reply code.
type Category uint8

const (
	CategorySyntax       Category = 0
	CategoryInformation  Category = 1
	CategoryConnections  Category = 2
	CategoryUnspecified3 Category = 3
	CategoryUnspecified4 Category = 4
	CategoryMailSystem   Category = 5
)

// ReplyCode is a decomposed reply code. The zero value is invalid.
type ReplyCode struct {
	Severity Severity
	Category Category
	Detail   uint8
}

// NewReplyCode splits n into its digits. n must be in 200..559 with a
// category digit of at most 5.
func NewReplyCode(n int) (ReplyCode, error) {
	c := ReplyCode{
		Severity: Severity(n / 100),
		Category: Category(n / 10 % 10),
		Detail:   uint8(n % 10),
	}
	if n < 200 || n > 559 || c.Category > CategoryMailSystem {
		return ReplyCode{}, fmt.Errorf("invalid reply code %d", n)
	}
	return c, nil
}

// ParseReplyCode parses the three digit text form of a reply code.
func ParseReplyCode(s string) (ReplyCode, error) {
	if len(s) != 3 {
		return ReplyCode{}, fmt.Errorf("invalid reply code %q", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return ReplyCode{}, fmt.Errorf("invalid reply code %q", s)
	}
	return NewReplyCode(n)
}

// Value returns the code as an integer.
func (c ReplyCode) Value() Code {
	return Code(int(c.Severity)*100 + int(c.Category)*10 + int(c.Detail))
}

// Int returns the code as a plain int.
func (c ReplyCode) Int() int {
	return int(c.Value())
}

// String returns the three digit form; it round-trips through ParseReplyCode.
func (c ReplyCode) String() string {
	return strconv.Itoa(int(c.Value()))
}

// IsPositive reports a 2xx code.
func (c ReplyCode) IsPositive() bool {
	return c.Severity == PositiveCompletion
}

// Response is a complete, possibly multi-line, server reply.
type Response struct {
	Code  ReplyCode
	Lines []string
}

// NewResponse returns a Response with the given code and lines.
func NewResponse(code Code, lines ...string) (*Response, error) {
	rc, err := NewReplyCode(int(code))
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	return &Response{Code: rc, Lines: lines}, nil
}

// Is reports whether the reply carries one of the given codes.
func (r *Response) Is(codes ...Code) bool {
	v := r.Code.Value()
	for _, c := range codes {
		if v == c {
			return true
		}
	}
	return false
}

// IsPositive reports a 2xx reply.
func (r *Response) IsPositive() bool {
	return r.Code.IsPositive()
}

// Message returns the text of the first line.
func (r *Response) Message() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0]
}

// String joins the lines as they appeared on the wire, one reply line each.
func (r *Response) String() string {
	code := r.Code.String()
	var sb strings.Builder
	for i, line := range r.Lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(code)
		if i < len(r.Lines)-1 {
			sb.WriteByte('-')
		} else {
			sb.WriteByte(' ')
		}
		sb.WriteString(line)
	}
	return strings.TrimRight(sb.String(), " ")
}

// EnhancedCode returns the RFC 3463 status code that prefixes the first line,
// or "" when there is none.
func (r *Response) EnhancedCode() string {
	return parseEnhancedCode(r.Message())
}

// FirstWord returns the first whitespace separated token of the first line;
// in a greeting or EHLO reply this is the server's name.
func (r *Response) FirstWord() string {
	if f := strings.Fields(r.Message()); len(f) > 0 {
		return f[0]
	}
	return ""
}

func parseEnhancedCode(msg string) string {
	code, _, _ := strings.Cut(msg, " ")
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return ""
	}
	if parts[0] != "2" && parts[0] != "4" && parts[0] != "5" {
		return ""
	}
	for _, p := range parts[1:] {
		if p == "" || len(p) > 3 {
			return ""
		}
		if _, err := strconv.Atoi(p); err != nil {
			return ""
		}
	}
	return code
}

// MessageID returns the queue identifier a server reports in its reply to
// the end of DATA, or "" when none is recognized.
func (r *Response) MessageID() string {
	for _, line := range r.Lines {
		if id := extractMessageID(line); id != "" {
			return id
		}
	}
	return ""
}

// extractMessageID looks for the common forms "<id@host>", "queued as ID"
// and "id=ID".
func extractMessageID(msg string) string {
	msg = strings.TrimSpace(msg)

	if start := strings.Index(msg, "<"); start != -1 {
		if end := strings.Index(msg[start:], ">"); end != -1 {
			return msg[start : start+end+1]
		}
	}

	lower := strings.ToLower(msg)
	if idx := strings.Index(lower, "queued as "); idx != -1 {
		if parts := strings.Fields(msg[idx+10:]); len(parts) > 0 {
			return parts[0]
		}
	}
	if idx := strings.Index(lower, "id="); idx != -1 {
		if parts := strings.Fields(msg[idx+3:]); len(parts) > 0 {
			return parts[0]
		}
	}
	return ""
}
