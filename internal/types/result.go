package types

// TrackStatus is the outcome reported for a dispatch.
type TrackStatus uint8

const (
	// TrackAccepted means the dispatch was accepted into the pipeline and queued.
	TrackAccepted TrackStatus = iota
	// TrackDropped means the dispatch was permanently rejected.
	TrackDropped
	// TrackDelivered means a dispatcher reported successful delivery.
	TrackDelivered
	// TrackFailed means a dispatcher reported a failure; the record stays queued.
	TrackFailed
)

func (s TrackStatus) String() string {
	switch s {
	case TrackAccepted:
		return "accepted"
	case TrackDropped:
		return "dropped"
	case TrackDelivered:
		return "delivered"
	case TrackFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON.
func (s TrackStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TrackResult is the terminal (or intermediate, for dispatchers) outcome for
// a dispatch.
type TrackResult struct {
	Dispatch     *Dispatch   `json:"dispatch"`
	Status       TrackStatus `json:"status"`
	Info         string      `json:"info,omitempty"`
	DispatcherID string      `json:"dispatcher,omitempty"`
	Err          error       `json:"-"`
}

// Accepted builds an Accepted result.
func Accepted(d *Dispatch, info string) TrackResult {
	return TrackResult{Dispatch: d, Status: TrackAccepted, Info: info}
}

// Dropped builds a Dropped result.
func Dropped(d *Dispatch, info string) TrackResult {
	return TrackResult{Dispatch: d, Status: TrackDropped, Info: info}
}

// TrackResultListener receives exactly one result per tracked dispatch.
type TrackResultListener func(TrackResult)
