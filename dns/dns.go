// Package dns resolves relay host names for the SMTP client.
//
// The default path uses the operating system resolver through StdResolver.
// DNSResolver queries nameservers directly with github.com/miekg/dns, which
// allows pinning the resolvers used for mail submission and requesting DNSSEC
// validation. MockResolver serves fixed records in tests.
package dns

import (
	"context"
	"errors"
	"net"
)

var (
	ErrDNSNotFound = errors.New("dns: record not found")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
)

// Result holds the records of one lookup. Authentic is true only when the
// answer was DNSSEC validated by the upstream resolver.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)
}

// ResolveHost returns the first address of host. IP literals are returned
// without a lookup.
func ResolveHost(ctx context.Context, r Resolver, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	res, err := r.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, ErrDNSNotFound
	}
	return res.Records[0], nil
}

// IsNotFound reports whether err means the name has no records.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a lookup timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail reports whether err is a SERVFAIL answer.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether retrying the lookup later may succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err)
}
