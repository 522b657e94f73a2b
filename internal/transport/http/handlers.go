package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/dlq"
	"github.com/snehjoshi/dispatchq/internal/modules/trace"
	"github.com/snehjoshi/dispatchq/internal/modules/visitor"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/tracker"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// maxTrackBatch is the maximum number of events in one batch request.
const maxTrackBatch = 100

// maxEventNameBytes bounds tealium_event.
const maxEventNameBytes = 256

// Handler groups the request handlers around one tracker.
type Handler struct {
	tracker *tracker.Tracker
}

// decisionSetter is implemented by CMP adapters whose decision the server
// may change.
type decisionSetter interface {
	SetDecision(types.ConsentDecision)
	ClearDecision()
}

// decisionGetter is implemented by CMP adapters that expose their current
// decision.
type decisionGetter interface {
	Decision() (types.ConsentDecision, bool)
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type trackReq struct {
	Event string           `json:"event"`
	Type  string           `json:"type"` // "event" (default) | "view"
	Data  types.DataObject `json:"data"`
}

type trackResp struct {
	ID     string            `json:"id"`
	Status types.TrackStatus `json:"status"`
	Info   string            `json:"info,omitempty"`
}

type trackBatchReq struct {
	Events []trackReq `json:"events"`
}

type trackBatchResp struct {
	Results []trackResp `json:"results"`
}

type consentResp struct {
	CmpID          string                 `json:"cmp_id"`
	Decision       *types.ConsentDecision `json:"decision,omitempty"`
	AllPurposes    []string               `json:"all_purposes,omitempty"`
	TealiumBlocked bool                   `json:"tealium_blocked"`
}

type queueResp struct {
	Sizes    map[string]int      `json:"sizes"`
	InFlight map[string][]string `json:"in_flight"`
}

type traceResp struct {
	TraceID string `json:"trace_id,omitempty"`
}

type visitorResp struct {
	VisitorID string `json:"visitor_id"`
}

type sessionResp struct {
	ID         int64  `json:"session_id"`
	Status     string `json:"status"`
	EventCount int    `json:"event_count"`
	LastEvent  int64  `json:"last_event_ms"`
}

type healthResp struct {
	Status     string   `json:"status"`
	InstanceID string   `json:"instance_id"`
	Persistent bool     `json:"persistent"`
	Modules    []string `json:"modules"`
}

type deadLetterSizesResp struct {
	Sizes map[string]int `json:"sizes"`
}

type deadLetterListResp struct {
	Dispatcher string      `json:"dispatcher"`
	Entries    []dlq.Entry `json:"entries"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	mods := h.tracker.Modules()
	ids := make([]string, 0, len(mods))
	for _, m := range mods {
		ids = append(ids, m.ID)
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:     "ok",
		InstanceID: h.tracker.InstanceID(),
		Persistent: h.tracker.Persistent(),
		Modules:    ids,
	})
}

// ─── Tracking ────────────────────────────────────────────────────────────────

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	var req trackReq
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.trackOne(r, req)
	if err != nil {
		writeTrackError(w, err)
		return
	}
	code := http.StatusAccepted
	if res.Status == types.TrackDropped {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (h *Handler) trackBatch(w http.ResponseWriter, r *http.Request) {
	var req trackBatchReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("events must not be empty"))
		return
	}
	if len(req.Events) > maxTrackBatch {
		writeError(w, http.StatusBadRequest, fmt.Errorf("batch exceeds %d events", maxTrackBatch))
		return
	}
	for i, e := range req.Events {
		if err := validateTrack(e); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("events[%d]: %w", i, err))
			return
		}
	}
	out := trackBatchResp{Results: make([]trackResp, 0, len(req.Events))}
	for _, e := range req.Events {
		res, err := h.trackOne(r, e)
		if err != nil {
			writeTrackError(w, err)
			return
		}
		out.Results = append(out.Results, res)
	}
	writeJSON(w, http.StatusAccepted, out)
}

func validateTrack(req trackReq) error {
	if strings.TrimSpace(req.Event) == "" {
		return errors.New("event must not be empty")
	}
	if len(req.Event) > maxEventNameBytes {
		return fmt.Errorf("event exceeds %d bytes", maxEventNameBytes)
	}
	switch req.Type {
	case "", "event", "view":
	default:
		return fmt.Errorf("unknown type %q", req.Type)
	}
	return nil
}

func (h *Handler) trackOne(r *http.Request, req trackReq) (trackResp, error) {
	if err := validateTrack(req); err != nil {
		return trackResp{}, badRequest{err}
	}
	kind := types.DispatchEvent
	if req.Type == "view" {
		kind = types.DispatchView
	}
	d, err := h.tracker.NewDispatch(req.Event, kind, req.Data)
	if err != nil {
		return trackResp{}, err
	}
	res, err := h.tracker.TrackSync(r.Context(), d)
	if err != nil {
		return trackResp{}, err
	}
	return trackResp{ID: d.ID(), Status: res.Status, Info: res.Info}, nil
}

type badRequest struct{ error }

func writeTrackError(w http.ResponseWriter, err error) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		writeError(w, http.StatusBadRequest, br.error)
	case errors.Is(err, tracker.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Flush(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ─── Consent ─────────────────────────────────────────────────────────────────

func (h *Handler) getConsent(w http.ResponseWriter, r *http.Request) {
	cmp, mgr, ok := h.consent(w)
	if !ok {
		return
	}
	resp := consentResp{
		CmpID:          cmp.ID(),
		AllPurposes:    cmp.AllPurposes(),
		TealiumBlocked: mgr.TealiumConsentExplicitlyBlocked(),
	}
	if g, ok := cmp.(decisionGetter); ok {
		if d, decided := g.Decision(); decided {
			resp.Decision = &d
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) putConsent(w http.ResponseWriter, r *http.Request) {
	cmp, _, ok := h.consent(w)
	if !ok {
		return
	}
	setter, ok := cmp.(decisionSetter)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("cmp %q does not accept decisions", cmp.ID()))
		return
	}
	var d types.ConsentDecision
	if !decodeJSON(w, r, &d) {
		return
	}
	switch d.Type {
	case types.DecisionExplicit, types.DecisionImplicit:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("decision_type must be %q or %q", types.DecisionExplicit, types.DecisionImplicit))
		return
	}
	setter.SetDecision(d)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteConsent(w http.ResponseWriter, r *http.Request) {
	cmp, _, ok := h.consent(w)
	if !ok {
		return
	}
	setter, ok := cmp.(decisionSetter)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("cmp %q does not accept decisions", cmp.ID()))
		return
	}
	setter.ClearDecision()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) consent(w http.ResponseWriter) (consent.CmpAdapter, *consent.Manager, bool) {
	mgr, err := h.tracker.Consent()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, nil, false
	}
	cmp, err := h.tracker.Cmp()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, nil, false
	}
	return cmp, mgr, true
}

// ─── Queue and session ───────────────────────────────────────────────────────

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueResp{
		Sizes:    h.tracker.QueueSizes(),
		InFlight: h.tracker.InFlight(),
	})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	s, ok := h.tracker.Session()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no session yet"))
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{
		ID:         s.ID,
		Status:     s.Status.String(),
		EventCount: s.EventCount,
		LastEvent:  s.LastEventTimeMillis,
	})
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func (h *Handler) deadLetterSizes(w http.ResponseWriter, r *http.Request) {
	dl, ok := h.deadLetters(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deadLetterSizesResp{Sizes: dl.Sizes()})
}

func (h *Handler) peekDeadLetters(w http.ResponseWriter, r *http.Request) {
	dl, ok := h.deadLetters(w)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	id := r.PathValue("dispatcher")
	entries, err := dl.Peek(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterListResp{Dispatcher: id, Entries: entries})
}

func (h *Handler) drainDeadLetters(w http.ResponseWriter, r *http.Request) {
	dl, ok := h.deadLetters(w)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	id := r.PathValue("dispatcher")
	entries, err := dl.Drain(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterListResp{Dispatcher: id, Entries: entries})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	dl, ok := h.deadLetters(w)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	n, err := dl.Replay(r.PathValue("dispatcher"), limit)
	switch {
	case errors.Is(err, dlq.ErrUnknownDispatcher):
		writeError(w, http.StatusNotFound, err)
	case err != nil && n == 0:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, replayResp{Replayed: n})
	}
}

func (h *Handler) deadLetters(w http.ResponseWriter) (*dlq.Manager, bool) {
	dl, err := h.tracker.DeadLetters()
	switch {
	case errors.Is(err, tracker.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err)
		return nil, false
	case err != nil:
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return dl, true
}

// limitParam parses ?limit=; absent means no limit.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a non-negative integer, got %q", raw))
		return 0, false
	}
	return n, true
}

// ─── Trace ───────────────────────────────────────────────────────────────────

func (h *Handler) joinTrace(w http.ResponseWriter, r *http.Request) {
	m, ok := moduleOrError[*trace.Module](w, h.tracker, trace.ModuleType)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := m.Join(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, traceResp{TraceID: id})
}

func (h *Handler) leaveTrace(w http.ResponseWriter, r *http.Request) {
	m, ok := moduleOrError[*trace.Module](w, h.tracker, trace.ModuleType)
	if !ok {
		return
	}
	if err := m.Leave(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) endVisit(w http.ResponseWriter, r *http.Request) {
	m, ok := moduleOrError[*trace.Module](w, h.tracker, trace.ModuleType)
	if !ok {
		return
	}
	if err := m.ForceEndOfVisit(nil); err != nil {
		if errors.Is(err, trace.ErrNotInTrace) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ─── Visitor ─────────────────────────────────────────────────────────────────

func (h *Handler) getVisitor(w http.ResponseWriter, r *http.Request) {
	m, ok := moduleOrError[*visitor.Module](w, h.tracker, visitor.ModuleType)
	if !ok {
		return
	}
	id, err := m.VisitorID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, visitorResp{VisitorID: id})
}

func (h *Handler) resetVisitor(w http.ResponseWriter, r *http.Request) {
	m, ok := moduleOrError[*visitor.Module](w, h.tracker, visitor.ModuleType)
	if !ok {
		return
	}
	id, err := m.Reset()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, visitorResp{VisitorID: id})
}

func moduleOrError[T any](w http.ResponseWriter, t *tracker.Tracker, id string) (T, bool) {
	m, err := tracker.ModuleAs[T](t, id)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrModuleNotEnabled):
			code = http.StatusNotFound
		case errors.Is(err, tracker.ErrShutdown):
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return m, false
	}
	return m, true
}

// ─── Settings ────────────────────────────────────────────────────────────────

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Settings())
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var doc types.DataObject
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if err := h.tracker.SetSettings(doc); err != nil {
		if errors.Is(err, tracker.ErrShutdown) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Settings())
}

func (h *Handler) refreshSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.RefreshSettings(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Settings())
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return false
	}
	return true
}
