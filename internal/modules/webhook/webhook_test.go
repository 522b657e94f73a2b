package webhook_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/modules/webhook"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/types"
)

type received struct {
	body      []byte
	signature string
	header    string
	delivery  string
}

type endpoint struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	got    []received
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	e := &endpoint{status: status}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.got = append(e.got, received{
			body:      body,
			signature: r.Header.Get(webhook.SignatureHeader),
			header:    r.Header.Get("X-Tenant"),
			delivery:  r.Header.Get(webhook.DeliveryHeader),
		})
		status := e.status
		e.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) requests() []received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]received(nil), e.got...)
}

func newDispatcher(t *testing.T, cfg types.DataObject) *webhook.Dispatcher {
	t.Helper()
	mod, err := webhook.NewFactory().Create("hook", pipeline.ModuleContext{
		Now: func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}, cfg)
	require.NoError(t, err)
	require.NotNil(t, mod)
	w, ok := pipeline.ModuleAs[*webhook.Dispatcher](mod)
	require.True(t, ok)
	t.Cleanup(w.Shutdown)
	return w
}

func batch(n int) []*types.Dispatch {
	out := make([]*types.Dispatch, n)
	for i := range out {
		out[i] = types.NewDispatch(string(rune('a'+i)), "purchase", types.DispatchEvent, nil, time.UnixMilli(1_700_000_000_000))
	}
	return out
}

func deliver(w *webhook.Dispatcher, ds []*types.Dispatch) []types.TrackResult {
	ch := make(chan []types.TrackResult, 1)
	w.Dispatch(ds, func(rs []types.TrackResult) { ch <- rs })
	select {
	case rs := <-ch:
		return rs
	case <-time.After(5 * time.Second):
		return nil
	}
}

func statuses(rs []types.TrackResult) []types.TrackStatus {
	out := make([]types.TrackStatus, len(rs))
	for i, r := range rs {
		out[i] = r.Status
	}
	return out
}

func TestDeliverSignedBatch(t *testing.T) {
	e := newEndpoint(t, http.StatusAccepted)
	w := newDispatcher(t, types.DataObject{
		"url":     e.URL,
		"secret":  "s3cret",
		"headers": map[string]any{"X-Tenant": "acme"},
	})

	rs := deliver(w, batch(2))
	assert.Equal(t, []types.TrackStatus{types.TrackDelivered, types.TrackDelivered}, statuses(rs))

	reqs := e.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, webhook.Sign("s3cret", reqs[0].body), reqs[0].signature)
	assert.Equal(t, "acme", reqs[0].header)

	var body struct {
		SentAt     int64 `json:"sent_at"`
		Dispatches []struct {
			ID string `json:"id"`
		} `json:"dispatches"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].body, &body))
	assert.Equal(t, int64(1_700_000_000_000), body.SentAt)
	require.Len(t, body.Dispatches, 2)
	assert.Equal(t, "a", body.Dispatches[0].ID)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   types.TrackStatus
	}{
		{http.StatusOK, types.TrackDelivered},
		{http.StatusBadRequest, types.TrackDropped},
		{http.StatusUnprocessableEntity, types.TrackDropped},
		{http.StatusRequestTimeout, types.TrackFailed},
		{http.StatusTooManyRequests, types.TrackFailed},
		{http.StatusServiceUnavailable, types.TrackFailed},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			e := newEndpoint(t, tc.status)
			w := newDispatcher(t, types.DataObject{"url": e.URL})
			rs := deliver(w, batch(1))
			require.Len(t, rs, 1)
			assert.Equal(t, tc.want, rs[0].Status)
			if tc.want != types.TrackDelivered {
				assert.ErrorIs(t, rs[0].Err, webhook.ErrUnexpectedStatus)
			}
		})
	}
}

func TestUnreachableEndpointFails(t *testing.T) {
	e := newEndpoint(t, http.StatusOK)
	url := e.URL
	e.Close()

	w := newDispatcher(t, types.DataObject{"url": url, "timeout_ms": 500})
	rs := deliver(w, batch(1))
	require.Len(t, rs, 1)
	assert.Equal(t, types.TrackFailed, rs[0].Status)
	assert.Error(t, rs[0].Err)
}

func TestConfiguration(t *testing.T) {
	c, err := webhook.ParseConfiguration(types.DataObject{"url": "https://collect.example.com/i"})
	require.NoError(t, err)
	assert.Equal(t, webhook.DefaultDispatchLimit, c.DispatchLimit)

	c, err = webhook.ParseConfiguration(types.DataObject{"url": "https://collect.example.com/i", "dispatch_limit": 500})
	require.NoError(t, err)
	assert.Equal(t, webhook.MaxDispatchLimit, c.DispatchLimit)

	_, err = webhook.ParseConfiguration(types.DataObject{})
	assert.ErrorIs(t, err, webhook.ErrMissingURL)

	_, err = webhook.ParseConfiguration(types.DataObject{"url": "ftp://example.com"})
	assert.Error(t, err)

	_, err = webhook.ParseConfiguration(types.DataObject{"url": "https://collect.example.com/i", "rate_limit": -1})
	assert.Error(t, err)
}

func TestCreateWithoutURLIsDisabled(t *testing.T) {
	mod, err := webhook.NewFactory().Create("hook", pipeline.ModuleContext{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, mod)
}

func TestUpdateConfiguration(t *testing.T) {
	e := newEndpoint(t, http.StatusOK)
	w := newDispatcher(t, types.DataObject{"url": e.URL})

	assert.Error(t, w.UpdateConfiguration(types.DataObject{"url": ""}))
	assert.Equal(t, e.URL, w.Endpoint())

	require.NoError(t, w.UpdateConfiguration(types.DataObject{"url": e.URL, "dispatch_limit": 3}))
	assert.Equal(t, 3, w.DispatchLimit())
}

func TestShutdownFailsLaterBatches(t *testing.T) {
	e := newEndpoint(t, http.StatusOK)
	w := newDispatcher(t, types.DataObject{"url": e.URL})
	w.Shutdown()

	rs := deliver(w, batch(2))
	assert.Equal(t, []types.TrackStatus{types.TrackFailed, types.TrackFailed}, statuses(rs))
	assert.Empty(t, e.requests())
}

func TestEnforcedEndpoint(t *testing.T) {
	f := webhook.NewFactory(webhook.WithEndpoint("audit", webhook.Configuration{URL: "https://audit.example.com"}))
	enforced := f.EnforcedSettings()
	require.Contains(t, enforced, "audit")
	assert.Equal(t, webhook.ModuleType, enforced["audit"].ModuleType)
	assert.Equal(t, "https://audit.example.com", enforced["audit"].Configuration["url"])
}

func TestEveryRequestHasItsOwnDeliveryID(t *testing.T) {
	e := newEndpoint(t, http.StatusOK)
	w := newDispatcher(t, types.DataObject{"url": e.URL})

	deliver(w, batch(1))
	deliver(w, batch(1))

	reqs := e.requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		_, err := uuid.Parse(r.delivery)
		assert.NoError(t, err, r.delivery)
	}
	assert.NotEqual(t, reqs[0].delivery, reqs[1].delivery)
}

func TestRateLimitSpacesBatches(t *testing.T) {
	e := newEndpoint(t, http.StatusOK)
	w := newDispatcher(t, types.DataObject{"url": e.URL, "rate_limit": 20})

	start := time.Now()
	for i := 0; i < 3; i++ {
		rs := deliver(w, batch(1))
		require.Equal(t, []types.TrackStatus{types.TrackDelivered}, statuses(rs))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, e.requests(), 3)
}

func TestRateLimitBeyondTimeoutFails(t *testing.T) {
	e := newEndpoint(t, http.StatusOK)
	w := newDispatcher(t, types.DataObject{"url": e.URL, "rate_limit": 0.5, "timeout_ms": 100})

	assert.Equal(t, []types.TrackStatus{types.TrackDelivered}, statuses(deliver(w, batch(1))))
	rs := deliver(w, batch(1))
	require.Len(t, rs, 1)
	assert.Equal(t, types.TrackFailed, rs[0].Status)
	assert.Equal(t, "rate limited", rs[0].Info)
	assert.Len(t, e.requests(), 1)
}
