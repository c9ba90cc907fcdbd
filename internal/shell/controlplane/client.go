// Package controlplane provides a client for a Portainer-style management API.
// The reconciler uses it to authenticate and to recreate stacks so the control
// plane owns their lifecycle.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/hashicorp/go-retryablehttp"
)

// API is the control-plane surface consumed by the reconciler.
type API interface {
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)
	ListEndpoints(ctx context.Context, sess *Session) ([]Endpoint, error)
	ListStacks(ctx context.Context, sess *Session) ([]Stack, error)
	CreateStack(ctx context.Context, sess *Session, req CreateStackRequest) (*Stack, error)
}

// Client talks to the control plane over a retrying HTTP transport.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     *slog.Logger
}

var _ API = (*Client)(nil)

// Config holds control-plane client configuration.
type Config struct {
	BaseURL            string // e.g., "https://admin.example.com"
	Timeout            time.Duration
	RetryMax           int
	RetryWaitMin       time.Duration
	RetryWaitMax       time.Duration
	InsecureSkipVerify bool // Self-signed certificates during bootstrap
}

// NewClient creates a new control-plane client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controlplane_client")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	tlsCfg := tlsconfig.ClientDefault()
	tlsCfg.InsecureSkipVerify = cfg.InsecureSkipVerify // #nosec G402 -- operator opt-in

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsCfg,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	rc.Logger = logger
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: rc,
		logger:     logger,
	}
}

// checkRetry retries POSTs only when the server did not process them.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.Request != nil && resp.Request.Method == http.MethodPost {
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway:
		default:
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// =============================================================================
// Types
// =============================================================================

// Credentials are the control-plane admin credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is an authenticated credential bounded by one run.
type Session struct {
	Token    string
	IssuedAt time.Time
}

// Endpoint is an environment registered in the control plane.
type Endpoint struct {
	ID   int    `json:"Id"`
	Name string `json:"Name"`
	Type int    `json:"Type"`
	URL  string `json:"URL"`
}

// Stack is a control-plane managed stack.
type Stack struct {
	ID         int    `json:"Id"`
	Name       string `json:"Name"`
	Type       int    `json:"Type"`
	EndpointID int    `json:"EndpointId"`
	SwarmID    string `json:"SwarmId"`
	Status     int    `json:"Status"`
}

// EnvVar is a stack environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateStackRequest creates a swarm stack from file content.
type CreateStackRequest struct {
	Name             string   `json:"name"`
	EndpointID       int      `json:"-"`
	SwarmID          string   `json:"swarmID"`
	StackFileContent string   `json:"stackFileContent"`
	Env              []EnvVar `json:"env,omitempty"`
}

type authResponse struct {
	JWT *string `json:"jwt"`
}

type errorResponse struct {
	Message string `json:"message"`
	Details string `json:"details"`
}

// =============================================================================
// Operations
// =============================================================================

// Authenticate exchanges credentials for a session. A missing or empty token
// is reported as ErrNoToken.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	var out authResponse
	status, err := c.do(ctx, "Authenticate", http.MethodPost, "/api/auth", "", creds, &out)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusUnprocessableEntity {
			return nil, NewAPIError("Authenticate", status, "invalid credentials", ErrUnauthorized)
		}
		return nil, err
	}
	if out.JWT == nil || *out.JWT == "" {
		return nil, NewAPIError("Authenticate", status, "response carried no token", ErrNoToken)
	}

	c.logger.Debug("authenticated", "user", creds.Username)
	return &Session{Token: *out.JWT, IssuedAt: time.Now()}, nil
}

// ListEndpoints lists registered endpoints.
func (c *Client) ListEndpoints(ctx context.Context, sess *Session) ([]Endpoint, error) {
	var out []Endpoint
	if _, err := c.do(ctx, "ListEndpoints", http.MethodGet, "/api/endpoints", sess.Token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStacks lists control-plane managed stacks.
func (c *Client) ListStacks(ctx context.Context, sess *Session) ([]Stack, error) {
	var out []Stack
	if _, err := c.do(ctx, "ListStacks", http.MethodGet, "/api/stacks", sess.Token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateStack creates a swarm stack from file content on the given endpoint.
func (c *Client) CreateStack(ctx context.Context, sess *Session, req CreateStackRequest) (*Stack, error) {
	path := "/api/stacks/create/swarm/string?endpointId=" + url.QueryEscape(strconv.Itoa(req.EndpointID))

	var out Stack
	if _, err := c.do(ctx, "CreateStack", http.MethodPost, path, sess.Token, req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("stack created", "stack", req.Name, "id", out.ID, "endpoint", req.EndpointID)
	return &out, nil
}

// ResolveEndpoint returns id when non-zero, otherwise the first swarm endpoint.
func ResolveEndpoint(ctx context.Context, api API, sess *Session, id int) (int, error) {
	if id != 0 {
		return id, nil
	}
	endpoints, err := api.ListEndpoints(ctx, sess)
	if err != nil {
		return 0, err
	}
	if len(endpoints) == 0 {
		return 0, NewAPIError("ResolveEndpoint", 0, "no endpoints registered", ErrNoEndpoint)
	}
	lowest := endpoints[0].ID
	for _, e := range endpoints[1:] {
		if e.ID < lowest {
			lowest = e.ID
		}
	}
	return lowest, nil
}

// =============================================================================
// Transport
// =============================================================================

// do sends a JSON request and decodes a JSON response into out. It returns the
// HTTP status (zero on transport failure).
func (c *Client) do(ctx context.Context, op, method, path, token string, body, out any) (int, error) {
	var payload any
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, NewAPIError(op, 0, "marshal request: "+err.Error(), ErrRejected)
		}
		payload = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, NewAPIError(op, 0, "create request: "+err.Error(), ErrRejected)
	}
	c.setHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, NewAPIError(op, 0, "send request: "+err.Error(), ErrUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		kind := ErrRejected
		if resp.StatusCode >= 500 {
			kind = ErrUnreachable
		}
		if resp.StatusCode == http.StatusUnauthorized {
			kind = ErrUnauthorized
		}
		return resp.StatusCode, NewAPIError(op, resp.StatusCode, errorMessage(raw), kind)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, NewAPIError(op, resp.StatusCode, fmt.Sprintf("decode response: %v", err), ErrRejected)
		}
	}
	return resp.StatusCode, nil
}

// setHeaders sets common headers for control-plane requests.
func (c *Client) setHeaders(req *retryablehttp.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func errorMessage(raw []byte) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		if e.Details != "" {
			return e.Message + ": " + e.Details
		}
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}
