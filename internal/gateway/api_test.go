package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"channelhub/internal/domain"
	"channelhub/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, doJSON(t, "GET", env.http.URL+"/health", "", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Metrics(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "channelhub_ws_connections")
}

func TestAPI_PubSubLifecycle(t *testing.T) {
	env := newTestEnv(t)
	base := env.http.URL + "/api/pubsub"

	for _, id := range []string{"w1", "w2", "w3"} {
		var rec domain.PubSubRecord
		require.Equal(t, http.StatusCreated, doJSON(t, "POST", base, `{"id":"`+id+`","data":{"n":1}}`, &rec))
		assert.Equal(t, 1, rec.Prop)
		assert.Equal(t, 1, rec.Tax)
	}

	var active []domain.PubSubRecord
	require.Equal(t, http.StatusOK, doJSON(t, "GET", base+"/active?kind=prop", "", &active))
	require.Len(t, active, 3)
	assert.Equal(t, "w1", active[0].ID)
	assert.Equal(t, "w3", active[2].ID)

	var done queue.Completion
	require.Equal(t, http.StatusOK, doJSON(t, "POST", base+"/w1/complete?kind=prop", "", &done))
	assert.False(t, done.Deleted)
	require.Equal(t, http.StatusOK, doJSON(t, "POST", base+"/w1/complete?kind=tax", "", &done))
	assert.True(t, done.Deleted)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", base+"/w1", "", &errBody))
	assert.NotEmpty(t, errBody["error"])
	assert.Equal(t, http.StatusNotFound, doJSON(t, "POST", base+"/w1/complete?kind=tax", "", &errBody))

	active = nil
	require.Equal(t, http.StatusOK, doJSON(t, "GET", base+"/active?kind=tax", "", &active))
	require.Len(t, active, 2)
	assert.Equal(t, "w2", active[0].ID)

	var order domain.Order
	require.Equal(t, http.StatusOK, doJSON(t, "GET", env.http.URL+"/api/orders/w1", "", &order))
	assert.Equal(t, domain.OrderCompleted, order.PropStatus)
	assert.Equal(t, domain.OrderCompleted, order.TaxStatus)
}

func TestAPI_PubSubErrors(t *testing.T) {
	env := newTestEnv(t)
	base := env.http.URL + "/api/pubsub"

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"missing id", "POST", base, `{"prop":1}`, http.StatusBadRequest},
		{"bad flag", "POST", base, `{"id":"x","prop":2}`, http.StatusBadRequest},
		{"both flags zero", "POST", base, `{"id":"x","prop":0,"tax":0}`, http.StatusBadRequest},
		{"invalid body", "POST", base, `{`, http.StatusBadRequest},
		{"bad kind", "GET", base + "/active?kind=vat", "", http.StatusBadRequest},
		{"complete unknown", "POST", base + "/nope/complete?kind=prop", "", http.StatusNotFound},
		{"complete bad kind", "POST", base + "/nope/complete", "", http.StatusBadRequest},
		{"unknown channel", "GET", env.http.URL + "/api/channels/ghost", "", http.StatusNotFound},
		{"stop unknown channel", "POST", env.http.URL + "/api/channels/ghost/stop", "", http.StatusNotFound},
		{"message without request id", "GET", env.http.URL + "/api/messages", "", http.StatusBadRequest},
		{"unknown message", "GET", env.http.URL + "/api/messages?requestId=zz", "", http.StatusNotFound},
		{"unknown order", "GET", env.http.URL + "/api/orders/zz", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			assert.Equal(t, tt.want, doJSON(t, tt.method, tt.url, tt.body, &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAPI_DuplicateRecord(t *testing.T) {
	env := newTestEnv(t)
	base := env.http.URL + "/api/pubsub"
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", base, `{"id":"dup"}`, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", base, `{"id":"dup"}`, nil))
}

func TestAPI_CreateOrderGeneratesID(t *testing.T) {
	env := newTestEnv(t)

	var created orderCreated
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", env.http.URL+"/api/orders", `{"tax":0,"data":{"sku":"A1"}}`, &created))
	require.NotEmpty(t, created.Record.ID)
	require.NotNil(t, created.Order)
	assert.Equal(t, created.Record.ID, created.Order.ID)
	assert.Equal(t, domain.OrderPending, created.Order.PropStatus)
	assert.Equal(t, domain.OrderCompleted, created.Order.TaxStatus)
	assert.JSONEq(t, `{"sku":"A1"}`, string(created.Record.Data))

	var active []domain.PubSubRecord
	require.Equal(t, http.StatusOK, doJSON(t, "GET", env.http.URL+"/api/pubsub/active?kind=tax", "", &active))
	assert.Empty(t, active)
}

func TestAPI_Channels(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	register(a, "alpha")
	a.mustCall(TypeJoinChannel, "ops", nil)
	a.mustCall(TypeMessage, "ops", MessagePayload{Content: "hello"})

	var list []domain.ChannelSummary
	require.Equal(t, http.StatusOK, doJSON(t, "GET", env.http.URL+"/api/channels", "", &list))
	require.Len(t, list, 1)
	assert.Equal(t, domain.ChannelSummary{ID: "ops", Active: true, Participants: 1, Messages: 1}, list[0])

	var ch domain.Channel
	require.Equal(t, http.StatusOK, doJSON(t, "POST", env.http.URL+"/api/channels/ops/stop", "", &ch))
	assert.False(t, ch.Active)
	a.nextOfType("channel_stopped", "ops")

	require.Equal(t, http.StatusOK, doJSON(t, "POST", env.http.URL+"/api/channels/ops/start", "", &ch))
	assert.True(t, ch.Active)
	assert.Empty(t, ch.Messages)

	var bots []BotInfo
	require.Equal(t, http.StatusOK, doJSON(t, "GET", env.http.URL+"/api/bots", "", &bots))
	require.Len(t, bots, 1)
	assert.Equal(t, "alpha", bots[0].ID)
}

func TestAPI_FindMessage(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	a.mustCall(TypeMessage, "ops", MessagePayload{Content: "run [requestId: Job-1]"})

	var msg domain.Message
	waitFor(t, func() bool {
		return doJSON(t, "GET", env.http.URL+"/api/messages?requestId=job-1", "", &msg) == http.StatusOK
	})
	assert.Equal(t, "Job-1", msg.RequestID)
	assert.Equal(t, "ops", msg.ChannelID)
}
