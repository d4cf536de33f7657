package kestrel

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/synqronlabs/kestrel/sasl"
)

// Extension is an ESMTP service extension the client acts on.
type Extension int

const (
	// EightBitMIME is 8BITMIME (RFC 6152).
	EightBitMIME Extension = iota + 1
	// SMTPUTF8 is internationalized email (RFC 6531).
	SMTPUTF8
	// StartTLS is STARTTLS (RFC 3207).
	StartTLS
	// Pipelining is PIPELINING (RFC 2920). Recorded, never used.
	Pipelining
	// Size is SIZE (RFC 1870).
	Size
	// Auth is AUTH (RFC 4954).
	Auth
)

var extensionKeywords = map[string]Extension{
	"8BITMIME":   EightBitMIME,
	"SMTPUTF8":   SMTPUTF8,
	"STARTTLS":   StartTLS,
	"PIPELINING": Pipelining,
	"SIZE":       Size,
	"AUTH":       Auth,
}

func (e Extension) String() string {
	for k, v := range extensionKeywords {
		if v == e {
			return k
		}
	}
	return fmt.Sprintf("Extension(%d)", int(e))
}

// ServerInfo is what the server announced in its EHLO (or HELO) reply.
// It is replaced after every greeting, in particular after STARTTLS.
type ServerInfo struct {
	// Name is the first word of the greeting reply.
	Name string

	features       map[Extension]bool
	authMechanisms []sasl.Mechanism
	maxSize        int64
	raw            map[string]string
}

// ParseServerInfo builds a ServerInfo from an EHLO reply. The first line
// carries the server name; each further line is "KEYWORD [params]".
// Unknown keywords are kept in Raw only, unknown AUTH mechanisms are dropped
// and a SIZE line with a non-numeric argument is ignored.
func ParseServerInfo(resp *Response) *ServerInfo {
	info := &ServerInfo{
		Name:     resp.FirstWord(),
		features: make(map[Extension]bool),
		raw:      make(map[string]string),
	}

	for _, line := range resp.Lines[1:] {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		keyword := strings.ToUpper(parts[0])
		params := parts[1:]
		info.raw[keyword] = strings.Join(params, " ")

		ext, known := extensionKeywords[keyword]
		if !known {
			continue
		}

		switch ext {
		case Size:
			if len(params) > 0 {
				n, err := strconv.ParseInt(params[0], 10, 64)
				if err != nil || n < 0 {
					continue
				}
				info.maxSize = n
			}
		case Auth:
			for _, p := range params {
				m, ok := sasl.ParseMechanism(p)
				if ok && !slices.Contains(info.authMechanisms, m) {
					info.authMechanisms = append(info.authMechanisms, m)
				}
			}
		}
		info.features[ext] = true
	}

	return info
}

// heloServerInfo is the ServerInfo of a server greeted with HELO: no
// extensions at all.
func heloServerInfo(resp *Response) *ServerInfo {
	return &ServerInfo{
		Name:     resp.FirstWord(),
		features: make(map[Extension]bool),
		raw:      make(map[string]string),
	}
}

// Supports reports whether the server advertised ext.
func (s *ServerInfo) Supports(ext Extension) bool {
	return s != nil && s.features[ext]
}

// AuthMechanisms returns the advertised mechanisms this package implements,
// in the order the server listed them.
func (s *ServerInfo) AuthMechanisms() []sasl.Mechanism {
	if s == nil {
		return nil
	}
	return slices.Clone(s.authMechanisms)
}

// SupportsAuth reports whether mechanism m was advertised.
func (s *ServerInfo) SupportsAuth(m sasl.Mechanism) bool {
	return s != nil && slices.Contains(s.authMechanisms, m)
}

// MaxSize returns the SIZE limit. ok is false when SIZE was not advertised;
// a limit of 0 means SIZE was advertised without one.
func (s *ServerInfo) MaxSize() (limit int64, ok bool) {
	if !s.Supports(Size) {
		return 0, false
	}
	return s.maxSize, true
}

// Raw returns every advertised keyword with its parameters, including the
// ones this package does not act on.
func (s *ServerInfo) Raw() map[string]string {
	if s == nil {
		return nil
	}
	return maps.Clone(s.raw)
}

// String returns a human-readable summary of the server capabilities.
func (s *ServerInfo) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s:", s.Name)
	keywords := slices.Sorted(maps.Keys(s.raw))
	for _, k := range keywords {
		sb.WriteString(" ")
		sb.WriteString(k)
		if v := s.raw[k]; v != "" {
			sb.WriteString("=")
			sb.WriteString(strings.ReplaceAll(v, " ", ","))
		}
	}
	return sb.String()
}
