package govlinesdk_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	govlinesdk "govline/sdk/go"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/engine"
	"govline/internal/engine/auth"
	"govline/internal/migrate"
	"govline/internal/server"
)

const secret = "sdk-secret"

func startServer(t *testing.T) string {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, dialect))
	e := engine.New(conn, dialect, config.Default(), nil)
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return "http://" + ln.Addr().String()
}

func newClient(t *testing.T, baseURL string, perms ...string) *govlinesdk.Client {
	t.Helper()
	token, err := server.SignToken(secret, "sdk-user", nil, perms, time.Minute)
	require.NoError(t, err)
	c := govlinesdk.New(baseURL)
	c.BearerToken = token
	return c
}

func fullNarrative() govlinesdk.Narrative {
	text := "documented in enough detail to review"
	return govlinesdk.Narrative{
		ExecutiveSummary:     text,
		DeliverablesManifest: text,
		KeyDecisions:         text,
		KnownIssues:          text,
		ResourceUtilization:  text,
		ActionItems:          text,
		CompletenessReport:   text,
	}
}

func TestClientHandoffRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, startServer(t), auth.Wildcard)

	d, err := c.CreateDirective(ctx, "Provision cluster", "infrastructure")
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", d.Phase)

	d, err = c.ApproveDirective(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "LEAD", d.Phase)

	h, err := c.ProposeHandoff(ctx, d.ID, "PLAN", fullNarrative())
	require.NoError(t, err)
	assert.Equal(t, "pending", h.Status)
	assert.True(t, h.ValidationPassed)
	assert.Equal(t, 85, h.Threshold)

	h, err = c.AcceptHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", h.Status)

	p, err := c.Progress(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, p.TotalProgress)
	assert.Len(t, p.Phases, 5)

	d, err = c.GetDirective(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "PLAN", d.Phase)

	page, err := c.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "handoff.accepted", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := newClient(t, baseURL, auth.Wildcard)

	d, err := c.CreateDirective(ctx, "Runbook refresh", "documentation")
	require.NoError(t, err)
	d, err = c.ApproveDirective(ctx, d.ID)
	require.NoError(t, err)

	_, err = c.Complete(ctx, d.ID)
	var apiErr *govlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "completion_blocked", apiErr.Code)

	_, err = c.GetDirective(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	readOnly := newClient(t, baseURL)
	_, err = readOnly.ApproveDirective(ctx, d.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
