package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diveops/internal/config"
	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/testutil"
)

type receiver struct {
	mu       sync.Mutex
	failNext int
	got      []webhookEvent
	headers  []http.Header
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.failNext > 0 {
		rc.failNext--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rc.got = append(rc.got, evt)
	rc.headers = append(rc.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func (rc *receiver) events() []webhookEvent {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]webhookEvent(nil), rc.got...)
}

func newForwarderEnv(t *testing.T, hook config.WebhookConfig) (engine.Engine, *WebhookForwarder, *receiver) {
	t.Helper()
	rc := &receiver{}
	ts := httptest.NewServer(rc)
	t.Cleanup(ts.Close)
	hook.URL = ts.URL
	e := engine.New(testutil.OpenDB(t), nil, nil)
	f := NewWebhookForwarder(e.Repo, []config.WebhookConfig{hook}, nil)
	// pin the cursor before any event exists
	f.DispatchAll(context.Background())
	return e, f, rc
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	e, f, rc := newForwarderEnv(t, config.WebhookConfig{Secret: "s3cret"})
	ctx := context.Background()
	_, err := e.CreateCompany(ctx, domain.Company{ID: "co-1", Name: "Acme", Type: domain.CompanyOperator}, "admin")
	require.NoError(t, err)

	f.DispatchAll(ctx)
	got := rc.events()
	require.Len(t, got, 1)
	assert.Equal(t, "company.created", got[0].Type)
	assert.Equal(t, "co-1", got[0].CompanyID)
	assert.JSONEq(t, `{"type":"operator"}`, string(got[0].Payload))

	h := rc.headers[0]
	assert.Equal(t, "company.created", h.Get("X-Diveops-Event"))
	assert.Equal(t, "1", h.Get("X-Diveops-Delivery"))
	assert.Equal(t, "s3cret", h.Get("X-Diveops-Secret"))

	f.DispatchAll(ctx)
	assert.Len(t, rc.events(), 1)
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	e, f, rc := newForwarderEnv(t, config.WebhookConfig{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := e.CreateCompany(ctx, domain.Company{ID: id, Name: id, Type: domain.CompanyContractor}, "admin")
		require.NoError(t, err)
	}

	rc.mu.Lock()
	rc.failNext = 1
	rc.mu.Unlock()

	f.DispatchAll(ctx)
	assert.Empty(t, rc.events())

	f.DispatchAll(ctx)
	got := rc.events()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].EntityID)
	assert.Equal(t, "b", got[1].EntityID)
}

func TestWebhookEventFilter(t *testing.T) {
	e, f, rc := newForwarderEnv(t, config.WebhookConfig{Events: []string{"module.*"}})
	ctx := context.Background()
	_, err := e.CreateCompany(ctx, domain.Company{ID: "co-1", Name: "Acme", Type: domain.CompanyOperator}, "admin")
	require.NoError(t, err)
	_, err = e.SetModule(ctx, "co-1", domain.ModulePlanningOperations, true, "admin")
	require.NoError(t, err)

	f.DispatchAll(ctx)
	got := rc.events()
	require.Len(t, got, 1)
	assert.Equal(t, "module.toggled", got[0].Type)
}

func TestEventFilterMatch(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("anything"))

	f := newEventFilter([]string{"immersion.*", "notification.created", " "})
	assert.True(t, f.match("immersion.auto_completed"))
	assert.True(t, f.match("notification.created"))
	assert.False(t, f.match("immersions"))
	assert.False(t, f.match("module.toggled"))
}

func TestWebhookRunReturnsWithoutHooks(t *testing.T) {
	off := false
	f := NewWebhookForwarder(engine.New(testutil.OpenDB(t), nil, nil).Repo, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}, nil)
	done := make(chan struct{})
	go func() {
		f.Run(context.Background())
		close(done)
	}()
	<-done
}
