package dns

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver struct {
	records map[string][]net.IPAddr
}

func (f *fakeResolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	return "", errors.New("no cname")
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f.records[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

func TestResolver_Resolve(t *testing.T) {
	fake := &fakeResolver{records: map[string][]net.IPAddr{
		"admin.example.com": {{IP: net.ParseIP("203.0.113.7")}},
	}}
	r := NewResolver(fake, nil, nil)

	input := r.Resolve(context.Background(), "admin.example.com")
	assert.Len(t, input.ARecords, 1)
	assert.Empty(t, input.LookupError)

	missing := r.Resolve(context.Background(), "nope.example.com")
	assert.Empty(t, missing.ARecords)
	assert.Contains(t, missing.LookupError, "nope.example.com")
}

func TestResolver_Unresolved(t *testing.T) {
	fake := &fakeResolver{records: map[string][]net.IPAddr{
		"admin.example.com":   {{IP: net.ParseIP("203.0.113.7")}},
		"traefik.example.com": {{IP: net.ParseIP("198.51.100.1")}},
	}}
	r := NewResolver(fake, []string{"203.0.113.7"}, nil)

	got := r.Unresolved(context.Background(), []string{
		"traefik.example.com",
		"admin.example.com",
		"db.example.com",
		"not a host",
	})
	assert.Equal(t, []string{"db.example.com", "traefik.example.com"}, got)
}
