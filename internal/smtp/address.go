package smtp

import (
	"context"
	"errors"
	"strings"

	"github.com/teachmail/mailrelay/internal/dns"
	"github.com/teachmail/mailrelay/internal/userdb"
)

// Errors returned by address validation.
var (
	ErrBadAddress     = errors.New("malformed address")
	ErrLocalPartShort = errors.New("local part too short")
	ErrDomainNotFound = errors.New("domain does not resolve")
)

// Address is a parsed envelope address.
type Address struct {
	Local  string
	Domain string
}

// String reassembles the address.
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// ParseAddress parses an envelope address, stripping angle brackets if
// present. It requires exactly one @ with non-empty parts on both sides.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")

	local, domain, found := strings.Cut(s, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") {
		return Address{}, ErrBadAddress
	}

	return Address{Local: local, Domain: domain}, nil
}

// ValidateAddress parses and validates an envelope address: the local
// part must be at least two characters and the domain must resolve by A
// or MX lookup.
func ValidateAddress(ctx context.Context, resolver dns.Resolver, raw string) (Address, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return Address{}, err
	}

	if len(addr.Local) < 2 {
		return Address{}, ErrLocalPartShort
	}

	if !resolver.DomainExists(ctx, addr.Domain) {
		return Address{}, ErrDomainNotFound
	}

	return addr, nil
}

// IsLocalRecipient reports whether addr names a mailbox on this host:
// the domain must equal the configured hostname and the local part must
// exist in the user table.
func IsLocalRecipient(addr Address, hostname string, users *userdb.DB) bool {
	if !strings.EqualFold(addr.Domain, hostname) {
		return false
	}
	return users.Has(addr.Local)
}
