package controlplane_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/stackup/internal/shell/controlplane"
	"github.com/artpar/stackup/internal/shell/controlplane/controlplanetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *controlplane.Client {
	return controlplane.NewClient(controlplane.Config{
		BaseURL:      url,
		Timeout:      5 * time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, nil)
}

func TestAuthenticate(t *testing.T) {
	srv := controlplanetest.New()
	defer srv.Close()
	c := newClient(srv.URL)

	sess, err := c.Authenticate(context.Background(), controlplane.Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "test-jwt", sess.Token)
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	srv := controlplanetest.New()
	defer srv.Close()
	c := newClient(srv.URL)

	_, err := c.Authenticate(context.Background(), controlplane.Credentials{Username: "admin", Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, controlplane.ErrUnauthorized)

	var apiErr *controlplane.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestAuthenticate_NullToken(t *testing.T) {
	srv := controlplanetest.New()
	srv.NullToken = true
	defer srv.Close()
	c := newClient(srv.URL)

	_, err := c.Authenticate(context.Background(), controlplane.Credentials{Username: "admin", Password: "secret"})
	assert.ErrorIs(t, err, controlplane.ErrNoToken)
}

func TestAuthenticate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(url)
	_, err := c.Authenticate(context.Background(), controlplane.Credentials{Username: "admin", Password: "secret"})
	assert.ErrorIs(t, err, controlplane.ErrUnreachable)
}

func TestCreateStack(t *testing.T) {
	srv := controlplanetest.New()
	defer srv.Close()
	c := newClient(srv.URL)
	ctx := context.Background()

	sess, err := c.Authenticate(ctx, controlplane.Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)

	stack, err := c.CreateStack(ctx, sess, controlplane.CreateStackRequest{
		Name:             "app",
		EndpointID:       1,
		SwarmID:          "swarm-1",
		StackFileContent: "services:\n  web:\n    image: nginx\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "app", stack.Name)
	assert.Equal(t, 1, stack.EndpointID)

	creates := srv.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, "Bearer test-jwt", creates[0].Authorization)
	assert.Equal(t, "swarm-1", creates[0].SwarmID)
	assert.Equal(t, 1, creates[0].EndpointID)

	stacks, err := c.ListStacks(ctx, sess)
	require.NoError(t, err)
	require.Len(t, stacks, 1)
	assert.Equal(t, "app", stacks[0].Name)
}

func TestCreateStack_Rejected(t *testing.T) {
	srv := controlplanetest.New()
	srv.Reject["bad"] = true
	defer srv.Close()
	c := newClient(srv.URL)
	ctx := context.Background()

	sess, err := c.Authenticate(ctx, controlplane.Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)

	_, err = c.CreateStack(ctx, sess, controlplane.CreateStackRequest{
		Name: "bad", EndpointID: 1, SwarmID: "swarm-1", StackFileContent: "services: {}",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, controlplane.ErrRejected)
	assert.Contains(t, err.Error(), "Invalid stack file content")
	// Rejections are not retried.
	assert.Len(t, srv.Creates(), 1)
}

func TestCreateStack_RequiresToken(t *testing.T) {
	srv := controlplanetest.New()
	defer srv.Close()
	c := newClient(srv.URL)

	_, err := c.CreateStack(context.Background(), &controlplane.Session{Token: "forged"}, controlplane.CreateStackRequest{
		Name: "app", EndpointID: 1, SwarmID: "swarm-1", StackFileContent: "x",
	})
	assert.ErrorIs(t, err, controlplane.ErrUnauthorized)
	assert.Empty(t, srv.Creates())
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"Id": 4, "Name": "edge"}]`))
	}))
	defer srv.Close()

	endpoints, err := newClient(srv.URL).ListEndpoints(context.Background(), &controlplane.Session{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, []controlplane.Endpoint{{ID: 4, Name: "edge"}}, endpoints)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnPostServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).CreateStack(context.Background(), &controlplane.Session{Token: "t"}, controlplane.CreateStackRequest{Name: "x", EndpointID: 1})
	assert.ErrorIs(t, err, controlplane.ErrUnreachable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveEndpoint(t *testing.T) {
	srv := controlplanetest.New()
	srv.Endpoints = []map[string]any{{"Id": 7, "Name": "b"}, {"Id": 3, "Name": "a"}}
	defer srv.Close()
	c := newClient(srv.URL)
	ctx := context.Background()

	sess, err := c.Authenticate(ctx, controlplane.Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)

	id, err := controlplane.ResolveEndpoint(ctx, c, sess, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = controlplane.ResolveEndpoint(ctx, c, sess, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, id)

	srv.Endpoints = nil
	_, err = controlplane.ResolveEndpoint(ctx, c, sess, 0)
	assert.ErrorIs(t, err, controlplane.ErrNoEndpoint)
}
