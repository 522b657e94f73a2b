// Package websocket streams track results to WebSocket clients.
//
// Clients open a connection to:
//
//	GET /v1/results/ws[?status=delivered,failed]
//
// Every TrackResult the tracker emits after the upgrade is pushed as one
// text frame. The optional status filter limits the stream to the listed
// statuses.
//
// Server → client frame:
//
//	{"type":"result","status":"delivered","dispatcher":"webhook","info":"...","dispatch":{"id":"...","timestamp":...,"payload":{...}}}
//
// A client that cannot keep up loses frames; the count of lost frames is
// reported in the next frame's "dropped" field.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const (
	// sendBuffer is the number of frames held for a slow client.
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gorillaws.Upgrader{
	// Requests without an Origin header (native clients) are allowed; browser
	// requests must be same-origin.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the result stream.
type Handler struct {
	Results reactive.Observable[types.TrackResult]
	Logger  *slog.Logger
}

// Frame is the JSON structure pushed to clients.
type Frame struct {
	Type       string            `json:"type"`
	Status     types.TrackStatus `json:"status"`
	Dispatcher string            `json:"dispatcher,omitempty"`
	Info       string            `json:"info,omitempty"`
	Dispatch   *types.Dispatch   `json:"dispatch"`
	Dropped    int               `json:"dropped,omitempty"`
}

// ServeHTTP upgrades the connection and pushes results until the client
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	filter, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	frames := make(chan Frame, sendBuffer)
	var dropped atomic.Int64
	sub := h.Results.Subscribe(func(res types.TrackResult) {
		if filter != nil && !filter[res.Status] {
			return
		}
		f := Frame{
			Type:       "result",
			Status:     res.Status,
			Dispatcher: res.DispatcherID,
			Info:       res.Info,
			Dispatch:   res.Dispatch,
		}
		select {
		case frames <- f:
		default:
			dropped.Add(1)
		}
	})
	defer sub.Dispose()

	// The read loop only handles control frames and detects disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case f := <-frames:
			f.Dropped = int(dropped.Swap(0))
			data, err := json.Marshal(f)
			if err != nil {
				log.Warn("websocket: encode frame", "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseStatusFilter(raw string) (map[types.TrackStatus]bool, error) {
	if raw == "" {
		return nil, nil
	}
	out := map[types.TrackStatus]bool{}
	for _, name := range strings.Split(raw, ",") {
		s, ok := parseStatus(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown status %q", name)
		}
		out[s] = true
	}
	return out, nil
}

func parseStatus(name string) (types.TrackStatus, bool) {
	for _, s := range []types.TrackStatus{types.TrackAccepted, types.TrackDropped, types.TrackDelivered, types.TrackFailed} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}
