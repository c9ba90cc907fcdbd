// Package dns provides DNS resolution for the end-of-run hostname summary.
// This is part of the Imperative Shell - handles I/O (DNS lookups).
package dns

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	coredns "github.com/artpar/stackup/internal/core/dns"
)

// HostResolver is the subset of net.Resolver used for lookups.
type HostResolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Resolver performs DNS lookups for ingress hostnames.
type Resolver struct {
	resolver    HostResolver
	expectedIPs []string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewResolver creates a new DNS resolver. A nil HostResolver uses net.DefaultResolver.
// expectedIPs, when set, are the ingress addresses hostnames must point at.
func NewResolver(resolver HostResolver, expectedIPs []string, logger *slog.Logger) *Resolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		resolver:    resolver,
		expectedIPs: expectedIPs,
		timeout:     5 * time.Second,
		logger:      logger.With("component", "dns_resolver"),
	}
}

// Resolve performs DNS lookups for the given hostname and returns a VerificationInput
// that can be passed to the pure verification function.
func (r *Resolver) Resolve(ctx context.Context, hostname string) coredns.VerificationInput {
	input := coredns.VerificationInput{
		Hostname: hostname,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Look up CNAME records
	cname, err := r.resolver.LookupCNAME(ctx, hostname)
	if err == nil && cname != "" {
		input.CNAMERecords = []string{cname}
	}

	// Look up A records
	ips, err := r.resolver.LookupIPAddr(ctx, hostname)
	if err == nil {
		for _, ip := range ips {
			input.ARecords = append(input.ARecords, ip.IP)
		}
	}

	if len(input.CNAMERecords) == 0 && len(input.ARecords) == 0 {
		input.LookupError = "no DNS records found for " + hostname
	}

	return input
}

// Unresolved returns the sorted hostnames that do not yet route to the cluster.
// Invalid hostnames are skipped with a warning.
func (r *Resolver) Unresolved(ctx context.Context, hosts []string) []string {
	results := make([]coredns.VerificationResult, 0, len(hosts))
	for _, host := range hosts {
		if err := coredns.ValidateHostname(host); err != nil {
			r.logger.Warn("skipping invalid hostname", "host", host, "error", err)
			continue
		}
		result := coredns.Verify(r.Resolve(ctx, host), r.expectedIPs)
		if !result.Resolved {
			r.logger.Debug("hostname unresolved", "host", host, "reason", result.Error)
		}
		results = append(results, result)
	}
	unresolved := coredns.Unresolved(results)
	sort.Strings(unresolved)
	return unresolved
}
