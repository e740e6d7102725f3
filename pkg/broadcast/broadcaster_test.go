package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/auth"
)

// stubJWKS validates tokens by lookup in a fixed map.
type stubJWKS struct {
	tokens map[string]*auth.Claims
}

func (s *stubJWKS) ValidateToken(token string) (*auth.Claims, error) {
	if claims, ok := s.tokens[token]; ok {
		return claims, nil
	}
	return nil, assert.AnError
}

func (s *stubJWKS) Close() {}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	b := NewBroadcaster(&stubJWKS{tokens: map[string]*auth.Claims{
		"token-t7":        {TenantID: 7},
		"token-t8":        {TenantID: 8},
		"token-no-tenant": {},
	}}, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, token, job string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	if job != "" {
		url += "&job=" + job
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscriber(t *testing.T, b *Broadcaster, tenantID int, job string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(tenantID, job) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber for tenant %d job %q never registered", tenantID, job)
}

func TestBroadcasterDeliversToMatchingSubscriber(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	conn := dial(t, srv, "token-t7", "nightly_sync")
	waitForSubscriber(t, b, 7, "nightly_sync")

	sent := Event{
		Type:     EventStepStatusChanged,
		TenantID: 7,
		JobID:    uuid.New(),
		JobName:  "nightly_sync",
		Step:     "jira_issues_with_changelogs",
		Stage:    "transform",
		Status:   "running",
		At:       time.Now().UTC(),
	}
	b.Publish(sent)

	var got Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, sent.JobID, got.JobID)
	assert.Equal(t, "transform", got.Stage)
}

func TestBroadcasterIsolatesTenants(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	other := dial(t, srv, "token-t8", "nightly_sync")
	waitForSubscriber(t, b, 8, "nightly_sync")

	// Event for tenant 7 must never reach a tenant 8 subscriber.
	b.Publish(Event{Type: EventJobStarted, TenantID: 7, JobName: "nightly_sync", At: time.Now()})

	require.NoError(t, other.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var got Event
	err := other.ReadJSON(&got)
	assert.Error(t, err, "tenant 8 should time out waiting, not receive tenant 7's event")
}

func TestBroadcasterTenantWideSubscription(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	conn := dial(t, srv, "token-t7", "")
	waitForSubscriber(t, b, 7, "")

	b.Publish(Event{Type: EventJobFinished, TenantID: 7, JobName: "any_job", At: time.Now()})

	var got Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventJobFinished, got.Type)
}

func TestBroadcasterDisconnectDropsOnlyTenantSessions(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	dropped := dial(t, srv, "token-t7", "nightly_sync")
	waitForSubscriber(t, b, 7, "nightly_sync")
	kept := dial(t, srv, "token-t8", "nightly_sync")
	waitForSubscriber(t, b, 8, "nightly_sync")

	b.Disconnect(7)

	require.NoError(t, dropped.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := dropped.ReadMessage()
	assert.Error(t, err, "disconnected session stops receiving")
	assert.Equal(t, 0, b.SubscriberCount(7, "nightly_sync"))

	b.Publish(Event{Type: EventJobStarted, TenantID: 8, JobName: "nightly_sync", At: time.Now()})
	var got Event
	require.NoError(t, kept.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, kept.ReadJSON(&got))
	assert.Equal(t, EventJobStarted, got.Type, "other tenants stay connected")
}

func TestBroadcasterClosesInvalidCredentialsWithPolicyViolation(t *testing.T) {
	_, srv := newTestBroadcaster(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=bogus"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds; rejection arrives as a close frame")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestBroadcasterRejectsTokenWithoutTenant(t *testing.T) {
	_, srv := newTestBroadcaster(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=token-no-tenant"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}
