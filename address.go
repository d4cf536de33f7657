package kestrel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/synqronlabs/kestrel/utils"
)

// Address length limits (RFC 5321 section 4.5.3.1).
const (
	MaxLocalPartLength = 64
	MaxDomainLength    = 255
)

var (
	ErrInvalidAddress  = errors.New("invalid mailbox address")
	ErrInvalidClientID = errors.New("invalid client id")
)

// Address is a mailbox in the envelope. Domain holds the ASCII (A-label)
// form; a bracketed address literal is kept with its brackets.
type Address struct {
	LocalPart string
	Domain    string
}

// ParseAddress parses "local@domain". Angle brackets around the address are
// accepted and stripped. Unicode domains are converted with IDNA and
// non-ASCII local parts are normalized to NFC.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if strings.ContainsAny(s, "<>\r\n\t ") {
		return Address{}, fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidAddress, s)
	}

	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	local, domain := s[:at], s[at+1:]

	if utils.ContainsNonASCII(local) {
		local = norm.NFC.String(local)
	}
	if len(local) > MaxLocalPartLength {
		return Address{}, fmt.Errorf("%w: local part exceeds %d octets", ErrInvalidAddress, MaxLocalPartLength)
	}

	domain, err := normalizeDomain(domain)
	if err != nil {
		return Address{}, err
	}
	return Address{LocalPart: local, Domain: domain}, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func normalizeDomain(domain string) (string, error) {
	if strings.HasPrefix(domain, "[") {
		if !strings.HasSuffix(domain, "]") {
			return "", fmt.Errorf("%w: unterminated address literal %q", ErrInvalidAddress, domain)
		}
		lit := domain[1 : len(domain)-1]
		if v6, ok := strings.CutPrefix(lit, "IPv6:"); ok {
			if ip := net.ParseIP(v6); ip == nil || ip.To4() != nil {
				return "", fmt.Errorf("%w: bad IPv6 literal %q", ErrInvalidAddress, domain)
			}
		} else if ip := net.ParseIP(lit); ip == nil || ip.To4() == nil {
			return "", fmt.Errorf("%w: bad IPv4 literal %q", ErrInvalidAddress, domain)
		}
		return domain, nil
	}

	if utils.ContainsNonASCII(domain) {
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		domain = ascii
	}
	if len(domain) > MaxDomainLength {
		return "", fmt.Errorf("%w: domain exceeds %d octets", ErrInvalidAddress, MaxDomainLength)
	}
	return domain, nil
}

func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}

// IsASCII reports whether the address can be sent without SMTPUTF8.
func (a Address) IsASCII() bool {
	return !utils.ContainsNonASCII(a.LocalPart) && !utils.ContainsNonASCII(a.Domain)
}

// UnicodeDomain returns the U-label form of the domain.
func (a Address) UnicodeDomain() string {
	if strings.HasPrefix(a.Domain, "[") {
		return a.Domain
	}
	u, err := idna.Lookup.ToUnicode(a.Domain)
	if err != nil {
		return a.Domain
	}
	return u
}

// Envelope is the SMTP envelope: the reverse path and the forward paths.
// A nil From is the null sender "<>".
type Envelope struct {
	From *Address
	To   []Address
}

// NewEnvelope returns an envelope, failing when to is empty.
func NewEnvelope(from *Address, to []Address) (Envelope, error) {
	if len(to) == 0 {
		return Envelope{}, ErrNoRecipients
	}
	return Envelope{From: from, To: to}, nil
}

// HasNonASCIIAddresses reports whether any envelope address needs SMTPUTF8.
// Domains are compared in their stored A-label form, so only local parts
// normally trigger it.
func (e Envelope) HasNonASCIIAddresses() bool {
	if e.From != nil && !e.From.IsASCII() {
		return true
	}
	for _, a := range e.To {
		if !a.IsASCII() {
			return true
		}
	}
	return false
}

// ClientID is the name the client gives in EHLO/HELO: a domain or an
// address literal.
type ClientID struct {
	domain string
	ip     net.IP
}

// ClientIDDomain returns a ClientID naming a domain.
func ClientIDDomain(domain string) ClientID {
	return ClientID{domain: domain}
}

// ClientIDFromIP returns an address literal ClientID.
func ClientIDFromIP(ip net.IP) ClientID {
	return ClientID{ip: ip}
}

// ClientIDFromAddr returns an address literal for the IP of addr, typically
// the local address of a connection.
func ClientIDFromAddr(addr net.Addr) (ClientID, error) {
	ip, err := utils.GetIPFromAddr(addr)
	if err != nil {
		return ClientID{}, fmt.Errorf("%w: %w", ErrInvalidClientID, err)
	}
	return ClientIDFromIP(ip), nil
}

// ClientIDFromHostname returns the host name of this machine, or the
// literal [127.0.0.1] when it cannot be determined or is not a valid domain.
func ClientIDFromHostname() ClientID {
	name, err := os.Hostname()
	if err == nil {
		id := ClientIDDomain(name)
		if id.Validate() == nil {
			return id
		}
	}
	return ClientIDFromIP(net.IPv4(127, 0, 0, 1))
}

// IsZero reports whether the ClientID is unset.
func (c ClientID) IsZero() bool {
	return c.domain == "" && c.ip == nil
}

// String returns the EHLO argument: the domain, "[a.b.c.d]" or "[IPv6:...]".
func (c ClientID) String() string {
	if c.ip == nil {
		return c.domain
	}
	if v4 := c.ip.To4(); v4 != nil {
		return "[" + v4.String() + "]"
	}
	return "[IPv6:" + c.ip.String() + "]"
}

// Validate checks the domain production of RFC 5321: dot separated labels of
// letters, digits and hyphens, none starting or ending with a hyphen.
func (c ClientID) Validate() error {
	if c.ip != nil {
		return nil
	}
	d := c.domain
	if d == "" || len(d) > MaxDomainLength {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, d)
	}
	for label := range strings.SplitSeq(d, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("%w: %q", ErrInvalidClientID, d)
		}
		for i := 0; i < len(label); i++ {
			b := label[i]
			if !(b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-') {
				return fmt.Errorf("%w: %q", ErrInvalidClientID, d)
			}
		}
	}
	return nil
}
