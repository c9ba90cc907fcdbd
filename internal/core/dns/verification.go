// Package dns contains pure functions for the end-of-run DNS summary.
// This is part of the Functional Core - all functions are pure with no I/O.
package dns

import (
	"errors"
	"net"
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidHostname = errors.New("invalid hostname format")
	ErrHostnameTooLong = errors.New("hostname must be under 253 characters")
)

// =============================================================================
// Validation
// =============================================================================

var hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ValidateHostname validates a hostname extracted from an ingress rule.
func ValidateHostname(hostname string) error {
	hostname = strings.TrimSpace(strings.ToLower(hostname))
	if hostname == "" {
		return ErrInvalidHostname
	}
	if len(hostname) > 253 {
		return ErrHostnameTooLong
	}
	if !hostnameRegex.MatchString(hostname) {
		return ErrInvalidHostname
	}
	return nil
}

// =============================================================================
// Verification
// =============================================================================

// VerificationInput contains DNS lookup results passed from the shell layer.
type VerificationInput struct {
	Hostname     string
	CNAMERecords []string
	ARecords     []net.IP
	LookupError  string
}

// VerificationResult is the pure output of verification logic.
type VerificationResult struct {
	Hostname string
	Resolved bool
	Error    string
}

// Verify decides whether a hostname already routes to the cluster.
// With no expected IPs, any A record counts as resolved.
func Verify(input VerificationInput, expectedIPs []string) VerificationResult {
	result := VerificationResult{Hostname: input.Hostname}

	if input.LookupError != "" {
		result.Error = "DNS lookup failed: " + input.LookupError
		return result
	}
	if len(input.ARecords) == 0 {
		result.Error = "no A records"
		return result
	}
	if len(expectedIPs) == 0 {
		result.Resolved = true
		return result
	}

	for _, aRecord := range input.ARecords {
		for _, expectedIP := range expectedIPs {
			if aRecord.String() == expectedIP {
				result.Resolved = true
				return result
			}
		}
	}

	result.Error = "DNS records do not point to the cluster"
	return result
}

// Unresolved returns the sorted hostnames that still need DNS configuration.
func Unresolved(results []VerificationResult) []string {
	var hosts []string
	for _, r := range results {
		if !r.Resolved {
			hosts = append(hosts, r.Hostname)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// =============================================================================
// DNS Instructions
// =============================================================================

// DNSInstruction represents a DNS record the operator needs to create.
type DNSInstruction struct {
	Type  string `json:"type"`  // "A"
	Name  string `json:"name"`  // The hostname to set
	Value string `json:"value"` // The cluster ingress IP
}

// GenerateInstructions returns DNS setup instructions for unresolved hosts.
// Without an ingress IP the value is left as a placeholder.
func GenerateInstructions(hosts []string, ingressIP string) []DNSInstruction {
	value := ingressIP
	if value == "" {
		value = "<cluster ingress IP>"
	}
	instructions := make([]DNSInstruction, 0, len(hosts))
	for _, h := range hosts {
		instructions = append(instructions, DNSInstruction{Type: "A", Name: h, Value: value})
	}
	return instructions
}
