package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/login":
			http.Redirect(w, r, "/", http.StatusFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewHTTPProber(Config{AttemptTimeout: time.Second})
	ctx := context.Background()

	tests := []struct {
		name    string
		probe   domain.Probe
		healthy bool
	}{
		{"2xx", domain.Probe{Protocol: domain.ProbeHTTP, Endpoint: srv.URL + "/ok"}, true},
		{"503", domain.Probe{Protocol: domain.ProbeHTTP, Endpoint: srv.URL + "/starting"}, false},
		{"redirect not 2xx", domain.Probe{Protocol: domain.ProbeHTTP, Endpoint: srv.URL + "/login"}, false},
		{"redirect expected", domain.Probe{Protocol: domain.ProbeHTTP, Endpoint: srv.URL + "/login", ExpectStatus: 302}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(ctx, tt.probe)
			if tt.healthy {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnhealthy)
			}
		})
	}
}

func TestHTTPProber_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	probe := domain.Probe{Protocol: domain.ProbeHTTPS, Endpoint: srv.URL}

	strict := NewHTTPProber(Config{AttemptTimeout: time.Second})
	err := strict.Check(context.Background(), probe)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnhealthy)

	insecure := NewHTTPProber(Config{AttemptTimeout: time.Second, InsecureSkipVerify: true})
	assert.NoError(t, insecure.Check(context.Background(), probe))
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p := NewTCPProber(Config{AttemptTimeout: time.Second})
	assert.NoError(t, p.Check(context.Background(), domain.Probe{Protocol: domain.ProbeTCP, Endpoint: addr}))

	ln.Close()
	assert.Error(t, p.Check(context.Background(), domain.Probe{Protocol: domain.ProbeTCP, Endpoint: addr}))
}

func TestMulti_Dispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := New(Config{AttemptTimeout: time.Second}, nil)
	ctx := context.Background()

	assert.NoError(t, m.Check(ctx, domain.Probe{Protocol: domain.ProbeHTTP, Endpoint: srv.URL}))
	assert.NoError(t, m.Check(ctx, domain.Probe{Protocol: domain.ProbeTCP, Endpoint: strings.TrimPrefix(srv.URL, "http://")}))
	assert.ErrorIs(t, m.Check(ctx, domain.Probe{Protocol: "grpc", Endpoint: "x"}), ErrUnsupportedProtocol)
}
