package kestrel

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MaxCommandLength is the longest command line, CRLF included, that the
// client sends (RFC 5321 section 4.5.3.1.4).
const MaxCommandLength = 512

// Command is one client command line, without its CRLF.
type Command struct {
	line string
	// secret commands carry credentials; they are logged as "<VERB> ***".
	secret bool
}

var (
	CmdData     = Command{line: "DATA"}
	CmdRset     = Command{line: "RSET"}
	CmdNoop     = Command{line: "NOOP"}
	CmdQuit     = Command{line: "QUIT"}
	CmdStartTLS = Command{line: "STARTTLS"}
)

// MailParameter is one KEY[=VALUE] parameter of MAIL FROM or RCPT TO.
type MailParameter struct {
	Key   string
	Value string
}

func (p MailParameter) String() string {
	if p.Value == "" {
		return p.Key
	}
	return p.Key + "=" + p.Value
}

// Common MAIL FROM parameters.
var (
	ParamBody8BitMIME = MailParameter{Key: "BODY", Value: "8BITMIME"}
	ParamSMTPUTF8     = MailParameter{Key: "SMTPUTF8"}
)

// ParamSize is the SIZE=n parameter (RFC 1870).
func ParamSize(n int64) MailParameter {
	return MailParameter{Key: "SIZE", Value: fmt.Sprint(n)}
}

// ParamAuth is the AUTH=<mailbox> parameter (RFC 4954 section 5). A nil
// submitter is sent as AUTH=<>.
func ParamAuth(submitter *Address) MailParameter {
	if submitter == nil {
		return MailParameter{Key: "AUTH", Value: "<>"}
	}
	return MailParameter{Key: "AUTH", Value: XTextEncode(submitter.String())}
}

// EhloCommand is "EHLO <client-id>".
func EhloCommand(id ClientID) Command {
	return Command{line: "EHLO " + id.String()}
}

// HeloCommand is "HELO <client-id>".
func HeloCommand(id ClientID) Command {
	return Command{line: "HELO " + id.String()}
}

// MailCommand is "MAIL FROM:<addr>[ params]". A nil from is the null
// reverse path.
func MailCommand(from *Address, params ...MailParameter) Command {
	path := ""
	if from != nil {
		path = from.String()
	}
	return Command{line: "MAIL FROM:<" + path + ">" + joinParams(params)}
}

// RcptCommand is "RCPT TO:<addr>[ params]".
func RcptCommand(to Address, params ...MailParameter) Command {
	return Command{line: "RCPT TO:<" + to.String() + ">" + joinParams(params)}
}

// AuthCommand is "AUTH <MECH>[ <initial-response>]". An empty, present
// initial response is sent as "=".
func AuthCommand(mechanism string, ir []byte) Command {
	line := "AUTH " + mechanism
	if ir != nil {
		line += " " + encodeSASL(ir)
	}
	return Command{line: line, secret: ir != nil}
}

// AuthResponseCommand is a bare base64 line answering a 334 challenge.
func AuthResponseCommand(resp []byte) Command {
	return Command{line: base64.StdEncoding.EncodeToString(resp), secret: true}
}

// AuthCancelCommand is the "*" line that aborts an exchange.
var AuthCancelCommand = Command{line: "*"}

func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func joinParams(params []MailParameter) string {
	var sb strings.Builder
	for _, p := range params {
		sb.WriteByte(' ')
		sb.WriteString(p.String())
	}
	return sb.String()
}

// Line returns the exact command text without CRLF.
func (c Command) Line() string {
	return c.line
}

// Wire returns the bytes sent to the server. It fails with
// ErrCommandTooLong, or with ErrCommandLineBreak when an argument smuggles
// a CR or LF into the line.
func (c Command) Wire() ([]byte, error) {
	if len(c.line)+2 > MaxCommandLength {
		return nil, ErrCommandTooLong
	}
	if strings.ContainsAny(c.line, "\r\n") {
		return nil, ErrCommandLineBreak
	}
	return []byte(c.line + "\r\n"), nil
}

// String is the loggable form, with credentials replaced by ***.
func (c Command) String() string {
	if !c.secret {
		return c.line
	}
	if verb, rest, ok := strings.Cut(c.line, " "); ok && verb == "AUTH" {
		mech, _, _ := strings.Cut(rest, " ")
		return "AUTH " + mech + " ***"
	}
	return "***"
}

const upperhex = "0123456789ABCDEF"

// XTextEncode encodes s as xtext (RFC 3461 section 4): bytes outside
// 0x21..0x7E, '+' and '=' become "+HH".
func XTextEncode(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x21 || b > 0x7E || b == '+' || b == '=' {
			sb.WriteByte('+')
			sb.WriteByte(upperhex[b>>4])
			sb.WriteByte(upperhex[b&0x0F])
			continue
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

// XTextDecode reverses XTextEncode. Lowercase hex digits are accepted.
func XTextDecode(s string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b != '+' {
			sb.WriteByte(b)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("xtext: truncated escape at offset %d", i)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("xtext: bad escape %q", s[i:i+3])
		}
		sb.WriteByte(hi<<4 | lo)
		i += 2
	}
	return sb.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
