package diveopssdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/repo"
	"diveops/internal/server"
	"diveops/internal/testutil"
)

func newClient(t *testing.T) (*Client, engine.Engine) {
	t.Helper()
	e := engine.New(testutil.OpenDB(t), nil, nil)
	h, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c := New(ts.URL)
	c.ActorID = "sdk-test"
	return c, e
}

func TestClientImmersionRoundTrip(t *testing.T) {
	c, e := newClient(t)
	ctx := context.Background()
	_, err := e.CreateCompany(ctx, domain.Company{ID: "ct-co", Name: "Buceo Sur", Type: domain.CompanyContractor}, "admin")
	require.NoError(t, err)

	im, err := c.CreateImmersion(ctx, CreateImmersion{
		ID:               "im-1",
		Codigo:           "IM-1",
		CompanyID:        "ct-co",
		EstimatedEndTime: time.Now().Add(-time.Minute),
		SupervisorID:     "sup-1",
		Team:             []TeamMember{{UserID: "d-1", Role: "buzo_principal"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "planificada", im.Estado)

	_, err = e.StartImmersion(ctx, "im-1", "sup-1")
	require.NoError(t, err)

	summary, err := c.RunLifecycleJob(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "auto_completed", summary.Results[0].Status)

	notes, err := c.Notifications(ctx, "sup-1", true)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	var reminder *Notification
	for i := range notes {
		if notes[i].Type == "bitacora_reminder" {
			reminder = &notes[i]
		}
	}
	require.NotNil(t, reminder)
	assert.Equal(t, "high", reminder.Metadata["priority"])

	page, err := c.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "scheduler.run", page.Items[0].Type)

	evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{Type: "immersion.created"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "sdk-test", evts[0].ActorID)
}

func TestClientValidate(t *testing.T) {
	c, _ := newClient(t)
	res, err := c.Validate(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, "missing", res.HPTStatus)
	assert.NotEmpty(t, res.Errors)
}

func TestClientAPIError(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.CreateImmersion(context.Background(), CreateImmersion{
		Codigo:           "IM-1",
		OperacionID:      "nope",
		EstimatedEndTime: time.Now().Add(time.Hour),
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "not_found")
}
