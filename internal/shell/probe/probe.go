// Package probe executes readiness probes against deployed units.
// This is part of the Imperative Shell - probes perform network I/O.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/docker/go-connections/tlsconfig"
)

var (
	// ErrUnhealthy is returned when the endpoint answered with an unexpected result.
	ErrUnhealthy = errors.New("probe reported unhealthy")

	// ErrUnsupportedProtocol is returned for protocols no prober handles.
	ErrUnsupportedProtocol = errors.New("unsupported probe protocol")
)

// Prober runs one probe attempt. A nil error means healthy.
type Prober interface {
	Check(ctx context.Context, p domain.Probe) error
}

// Config configures the probers.
type Config struct {
	// AttemptTimeout bounds a single attempt. Default: 5 seconds.
	AttemptTimeout time.Duration

	// InsecureSkipVerify accepts self-signed certificates, which edge routers
	// serve until their ACME certificates are issued.
	InsecureSkipVerify bool
}

// =============================================================================
// HTTP Prober
// =============================================================================

// HTTPProber issues a GET and checks the status code.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP(S) prober.
func NewHTTPProber(cfg Config) *HTTPProber {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	tlsCfg := tlsconfig.ClientDefault()
	tlsCfg.InsecureSkipVerify = cfg.InsecureSkipVerify // #nosec G402 -- operator opt-in

	return &HTTPProber{
		client: &http.Client{
			Timeout: cfg.AttemptTimeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				TLSClientConfig:   tlsCfg,
				DisableKeepAlives: true,
			},
			// Redirects count as answers; the status check decides.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPProber) Check(ctx context.Context, p domain.Probe) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "stackup-readiness")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", p.Endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !p.Accepts(resp.StatusCode) {
		return fmt.Errorf("GET %s: status %d: %w", p.Endpoint, resp.StatusCode, ErrUnhealthy)
	}
	return nil
}

// =============================================================================
// TCP Prober
// =============================================================================

// TCPProber succeeds when a TCP connection can be opened.
type TCPProber struct {
	dialer *net.Dialer
}

// NewTCPProber creates a TCP prober.
func NewTCPProber(cfg Config) *TCPProber {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &TCPProber{dialer: &net.Dialer{Timeout: cfg.AttemptTimeout}}
}

func (t *TCPProber) Check(ctx context.Context, p domain.Probe) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", p.Endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Endpoint, err)
	}
	return conn.Close()
}

// =============================================================================
// Dispatcher
// =============================================================================

// Multi dispatches to a prober by protocol.
type Multi struct {
	http   Prober
	tcp    Prober
	logger *slog.Logger
}

// New creates a dispatcher with HTTP(S) and TCP probers.
func New(cfg Config, logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{
		http:   NewHTTPProber(cfg),
		tcp:    NewTCPProber(cfg),
		logger: logger.With("component", "prober"),
	}
}

func (m *Multi) Check(ctx context.Context, p domain.Probe) error {
	var err error
	switch p.Protocol {
	case domain.ProbeHTTP, domain.ProbeHTTPS:
		err = m.http.Check(ctx, p)
	case domain.ProbeTCP:
		err = m.tcp.Check(ctx, p)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, p.Protocol)
	}
	if err != nil {
		m.logger.Debug("probe attempt failed", "endpoint", p.Endpoint, "error", err)
	}
	return err
}
