// Package dns wraps the resolver operations the relay needs: checking that
// a mail domain exists (by A or MX record) and picking the delivery host
// for outbound mail.
package dns

import (
	"context"
	"net"
	"sort"
)

// Resolver answers the two questions the relay asks of DNS.
type Resolver interface {
	// DomainExists reports whether the domain has at least one A or MX
	// record, making it plausible as a mail domain.
	DomainExists(ctx context.Context, domain string) bool

	// DeliveryHost returns the host outbound mail for domain should be
	// delivered to: the domain itself when it has an A record, otherwise
	// the best-preference MX target. Returns an error when neither exists.
	DeliveryHost(ctx context.Context, domain string) (string, error)
}

// NetResolver implements Resolver on top of the system resolver.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver returns a NetResolver using the default system resolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver}
}

// DomainExists reports whether domain has an A or MX record.
func (r *NetResolver) DomainExists(ctx context.Context, domain string) bool {
	if addrs, err := r.resolver.LookupHost(ctx, domain); err == nil && len(addrs) > 0 {
		return true
	}
	if mxs, err := r.resolver.LookupMX(ctx, domain); err == nil && len(mxs) > 0 {
		return true
	}
	return false
}

// DeliveryHost resolves the delivery host for domain. A direct A record
// wins over MX, matching the relay's simple delivery model.
func (r *NetResolver) DeliveryHost(ctx context.Context, domain string) (string, error) {
	if addrs, err := r.resolver.LookupHost(ctx, domain); err == nil && len(addrs) > 0 {
		return domain, nil
	}

	mxs, err := r.resolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		return "", &net.DNSError{Err: "no A or MX record", Name: domain, IsNotFound: true}
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	host := mxs[0].Host
	if len(host) > 0 && host[len(host)-1] == '.' {
		host = host[:len(host)-1]
	}
	return host, nil
}

// StaticResolver is a Resolver backed by fixed tables, for tests.
type StaticResolver struct {
	// Hosts maps domains with A records to the host to deliver to.
	Hosts map[string]string
	// MX maps domains without A records to their best MX target.
	MX map[string]string
}

// DomainExists reports whether domain appears in either table.
func (r *StaticResolver) DomainExists(ctx context.Context, domain string) bool {
	if _, ok := r.Hosts[domain]; ok {
		return true
	}
	_, ok := r.MX[domain]
	return ok
}

// DeliveryHost returns the configured delivery host for domain.
func (r *StaticResolver) DeliveryHost(ctx context.Context, domain string) (string, error) {
	if host, ok := r.Hosts[domain]; ok {
		return host, nil
	}
	if host, ok := r.MX[domain]; ok {
		return host, nil
	}
	return "", &net.DNSError{Err: "no A or MX record", Name: domain, IsNotFound: true}
}
