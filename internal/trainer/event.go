package trainer

import "time"

// EventType enum for event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeEpisodeEnd
	EventTypeUpdate
	EventTypeForceStop
	EventTypeReset
)

// EventVersion for backwards compatibility of the log format
const EventVersion uint8 = 1

// Event is one line of the event log
type Event struct {
	Version     uint8       `json:"version"`
	Type        EventType   `json:"type"`
	Name        string      `json:"name"`
	Timestamp   int64       `json:"timestamp"` // Unix nano
	Sequence    uint64      `json:"sequence"`
	UpdateCount int         `json:"updateCount"`
	EpisodeID   EpisodeID   `json:"episodeId,omitempty"`
	Payload     interface{} `json:"payload,omitempty"` // one of the typed payloads below
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeEpisodeEnd:
		return "episode_end"
	case EventTypeUpdate:
		return "update"
	case EventTypeForceStop:
		return "force_stop"
	case EventTypeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// EpisodeEndPayload is the reward summary of a finished episode
type EpisodeEndPayload struct {
	CumulativeReward float64 `json:"cumulativeReward"`
	Buffer           int     `json:"buffer"`
}

// UpdatePayload describes one completed update
type UpdatePayload struct {
	Buffers    []int   `json:"buffers"`
	Steps      int     `json:"steps"`
	DurationMs float64 `json:"durationMs"`
	Published  bool    `json:"published"`
}

// ForceStopPayload records the frames discarded by a force stop
type ForceStopPayload struct {
	Discarded int `json:"discarded"`
}

// ResetPayload records what a reset cleared
type ResetPayload struct {
	Buffers  int `json:"buffers"`
	Episodes int `json:"episodes"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, updateCount int, episode EpisodeID, payload interface{}) Event {
	return Event{
		Version:     EventVersion,
		Type:        eventType,
		Name:        eventType.String(),
		Timestamp:   time.Now().UnixNano(),
		UpdateCount: updateCount,
		EpisodeID:   episode,
		Payload:     payload,
	}
}
