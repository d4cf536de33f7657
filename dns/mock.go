package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing. A and AAAA map FQDNs (with
// trailing dot) to textual addresses.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string

	// Fail lists lookups that return ErrDNSServFail, as "type name",
	// e.g. "a relay.example.test.".
	Fail []string

	// AllAuthentic sets Authentic on every answer.
	AllAuthentic bool

	// Lookups counts the LookupIP calls, keyed by FQDN. It is only
	// updated when non-nil.
	Lookups map[string]int
}

var _ Resolver = MockResolver{}

func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupIP returns A and AAAA records for host.
func (r MockResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	if err := ctx.Err(); err != nil {
		return Result[net.IP]{}, err
	}

	fqdn := ensureFQDN(host)
	if r.Lookups != nil {
		r.Lookups[fqdn]++
	}
	if slices.Contains(r.Fail, "a "+fqdn) || slices.Contains(r.Fail, "aaaa "+fqdn) {
		return Result[net.IP]{}, ErrDNSServFail
	}

	var ips []net.IP
	for _, s := range r.A[fqdn] {
		ips = append(ips, net.ParseIP(s))
	}
	for _, s := range r.AAAA[fqdn] {
		ips = append(ips, net.ParseIP(s))
	}
	if len(ips) == 0 {
		return Result[net.IP]{}, ErrDNSNotFound
	}
	return Result[net.IP]{Records: ips, Authentic: r.AllAuthentic}, nil
}
