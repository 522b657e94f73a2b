package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/config"
	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/tracker"
	transphttp "github.com/snehjoshi/dispatchq/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	cfg     *config.Config
	tracker *tracker.Tracker
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...tracker.Option) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.InMemory = true
	if mutate != nil {
		mutate(cfg)
	}
	reg := metrics.NewRegistry()
	tr, err := tracker.New(cfg, tracker.BuiltinFactories(cfg, nil), append(opts, tracker.WithMetrics(reg))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	srv := transphttp.New(tr, cfg, reg, nil)
	return &fixture{cfg: cfg, tracker: tr, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		reqBody.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&reqBody).Encode(b))
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, f.tracker.InstanceID(), resp["instance_id"])
	assert.Equal(t, false, resp["persistent"])
	assert.ElementsMatch(t, []any{"visitor", "trace", "patch"}, resp["modules"])
}

// ─── Tracking ────────────────────────────────────────────────────────────────

func TestHTTP_Track(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "POST", "/v1/track", map[string]any{
		"event": "purchase",
		"data":  map[string]any{"total": 10},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	resp := decode[map[string]any](t, rr)
	assert.Equal(t, "accepted", resp["status"])
	assert.Len(t, resp["id"], 26, "ULID")
}

func TestHTTP_TrackValidation(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name string
		body any
	}{
		{"empty event", map[string]any{"event": " "}},
		{"unknown type", map[string]any{"event": "x", "type": "click"}},
		{"unknown field", map[string]any{"event": "x", "extra": 1}},
		{"long name", map[string]any{"event": strings.Repeat("a", 300)}},
		{"not json", "{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, "POST", "/v1/track", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestHTTP_TrackDisabledLibraryReportsDropped(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "PUT", "/v1/settings", map[string]any{"core": map[string]any{"disable_library": true}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool { return f.tracker.Settings().Core.DisableLibrary }, time.Second, 5*time.Millisecond)
	rr = f.do(t, "POST", "/v1/track", map[string]any{"event": "view", "type": "view"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dropped", decode[map[string]any](t, rr)["status"])
}

func TestHTTP_TrackBatch(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "POST", "/v1/track/batch", map[string]any{"events": []any{
		map[string]any{"event": "a"},
		map[string]any{"event": "b", "type": "view"},
	}})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[struct {
		Results []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"results"`
	}](t, rr)
	require.Len(t, resp.Results, 2)
	assert.Less(t, resp.Results[0].ID, resp.Results[1].ID, "ids are time ordered")

	rr = f.do(t, "POST", "/v1/track/batch", map[string]any{"events": []any{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	big := make([]any, 101)
	for i := range big {
		big[i] = map[string]any{"event": "x"}
	}
	rr = f.do(t, "POST", "/v1/track/batch", map[string]any{"events": big})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, "POST", "/v1/track/batch", map[string]any{"events": []any{
		map[string]any{"event": "ok"},
		map[string]any{"event": ""},
	}})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "the whole batch is validated first")
}

func TestHTTP_Flush(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "POST", "/v1/flush", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestHTTP_AfterShutdown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.tracker.Shutdown(context.Background()))

	rr := f.do(t, "POST", "/v1/track", map[string]any{"event": "late"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	rr = f.do(t, "POST", "/v1/flush", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	rr = f.do(t, "GET", "/v1/visitor", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// ─── Consent ─────────────────────────────────────────────────────────────────

func TestHTTP_ConsentDisabled(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "GET", "/v1/consent", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTP_ConsentDecision(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Consent.Enabled = true
		c.Consent.CmpID = "static"
		c.Consent.Purposes = []string{"tealium", "analytics"}
	})

	rr := f.do(t, "GET", "/v1/consent", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[map[string]any](t, rr)
	assert.Equal(t, "static", resp["cmp_id"])
	assert.Nil(t, resp["decision"])
	assert.Equal(t, []any{"tealium", "analytics"}, resp["all_purposes"])

	rr = f.do(t, "PUT", "/v1/consent", map[string]any{"decision_type": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, "PUT", "/v1/consent", map[string]any{
		"decision_type": "explicit",
		"purposes":      []string{"tealium"},
	})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	cmp, err := f.tracker.Cmp()
	require.NoError(t, err)
	d, ok := cmp.(*consent.StaticCmp).Decision()
	require.True(t, ok)
	assert.Equal(t, []string{"tealium"}, d.Purposes)

	rr = f.do(t, "GET", "/v1/consent", nil)
	resp = decode[map[string]any](t, rr)
	assert.Equal(t, map[string]any{"decision_type": "explicit", "purposes": []any{"tealium"}}, resp["decision"])

	rr = f.do(t, "DELETE", "/v1/consent", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	_, ok = cmp.(*consent.StaticCmp).Decision()
	assert.False(t, ok)
}

// ─── Queue, session, modules ─────────────────────────────────────────────────

func TestHTTP_QueueAndSession(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "GET", "/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "no dispatch tracked yet")

	rr = f.do(t, "POST", "/v1/track", map[string]any{"event": "a"})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = f.do(t, "GET", "/v1/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sess := decode[map[string]any](t, rr)
	assert.EqualValues(t, 1, sess["event_count"])

	rr = f.do(t, "GET", "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	q := decode[map[string]any](t, rr)
	assert.Contains(t, q, "sizes")
	assert.Contains(t, q, "in_flight")
}

func TestHTTP_DeadLetters(t *testing.T) {
	var reject atomic.Bool
	reject.Store(true)
	var delivered atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reject.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	f := newFixture(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookEndpoint{{ID: "hook", URL: hook.URL, DispatchLimit: 1}}
	})

	rr := f.do(t, "POST", "/v1/track", map[string]any{"event": "rejected"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decode[map[string]any](t, rr)["id"]

	require.Eventually(t, func() bool {
		rr := f.do(t, "GET", "/v1/deadletter", nil)
		var body struct {
			Sizes map[string]int `json:"sizes"`
		}
		return json.Unmarshal(rr.Body.Bytes(), &body) == nil && body.Sizes["hook"] == 1
	}, 3*time.Second, 10*time.Millisecond)

	rr = f.do(t, "GET", "/v1/deadletter/hook?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Dispatcher string `json:"dispatcher"`
		Entries    []struct {
			Info     string `json:"info"`
			Dispatch struct {
				ID string `json:"id"`
			} `json:"dispatch"`
		} `json:"entries"`
	}](t, rr)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, id, list.Entries[0].Dispatch.ID)
	assert.Equal(t, "Bad Request", list.Entries[0].Info)

	rr = f.do(t, "GET", "/v1/deadletter/hook?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, "POST", "/v1/deadletter/nope/replay", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	reject.Store(false)
	rr = f.do(t, "POST", "/v1/deadletter/hook/replay", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 1, decode[map[string]int](t, rr)["replayed"])
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	rr = f.do(t, "DELETE", "/v1/deadletter/hook", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[map[string]any](t, rr)["entries"])
}

func TestHTTP_DeadLettersDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.DeadLetter.Enabled = false })
	rr := f.do(t, "GET", "/v1/deadletter", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTP_Trace(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "POST", "/v1/visit/end", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "not in a trace")

	rr = f.do(t, "POST", "/v1/trace/abc123", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc123", decode[map[string]any](t, rr)["trace_id"])

	rr = f.do(t, "POST", "/v1/visit/end", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = f.do(t, "DELETE", "/v1/trace", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHTTP_Visitor(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "GET", "/v1/visitor", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	first := decode[map[string]any](t, rr)["visitor_id"]
	assert.Len(t, first, 32)

	rr = f.do(t, "POST", "/v1/visitor/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEqual(t, first, decode[map[string]any](t, rr)["visitor_id"])
}

func TestHTTP_ModuleDisabled(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "PUT", "/v1/settings", map[string]any{"modules": map[string]any{
		"trace": map[string]any{"module_type": "trace", "enabled": false},
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool {
		return f.do(t, "POST", "/v1/trace/x", nil).Code == http.StatusNotFound
	}, time.Second, 5*time.Millisecond)
}

// ─── Auth, metrics, CORS ─────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health", nil).Code, "health is exempt")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/v1/queue", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/v1/queue", nil, "X-Api-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/v1/queue", nil, "X-Api-Key", "s3cret").Code)
}

func TestHTTP_RateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit.MaxRate = 1
		c.RateLimit.Burst = 2
	})
	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, f.do(t, "GET", "/health", nil).Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestHTTP_Metrics(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/v1/track", map[string]any{"event": "a"})

	rr := f.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "dispatchq_")
	assert.Contains(t, body, `POST /v1/track`)
}

func TestHTTP_CORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "OPTIONS", "/v1/track", nil, "Origin", "https://shop.example")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://shop.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

// ─── Result stream ───────────────────────────────────────────────────────────

func TestHTTP_ResultStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/results/ws?status=accepted"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	frames := make(chan map[string]any, 1)
	go func() {
		var frame map[string]any
		if conn.ReadJSON(&frame) == nil {
			frames <- frame
		}
	}()

	// The subscription starts after the upgrade; track until a frame arrives.
	var frame map[string]any
	require.Eventually(t, func() bool {
		r, err := http.Post(srv.URL+"/v1/track", "application/json", strings.NewReader(`{"event":"streamed"}`))
		if err == nil {
			r.Body.Close()
		}
		select {
		case frame = <-frames:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "result", frame["type"])
	assert.Equal(t, "accepted", frame["status"])
	dispatch := frame["dispatch"].(map[string]any)
	assert.Equal(t, "streamed", dispatch["payload"].(map[string]any)["tealium_event"])
}

func TestHTTP_ResultStreamRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "GET", "/v1/results/ws?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
