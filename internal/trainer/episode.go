package trainer

import "github.com/google/uuid"

// EpisodeID keys the buffer table. It is stable for the life of an episode.
type EpisodeID string

// EpisodeHandle identifies one running episode. Handles are values and never
// change; a handle becomes inactive when its episode ends, is force-stopped
// or the trainer is reset.
type EpisodeHandle struct {
	id EpisodeID
}

// ID returns the episode id.
func (h EpisodeHandle) ID() EpisodeID { return h.id }

// IsZero reports whether h was never issued by StartEpisode.
func (h EpisodeHandle) IsZero() bool { return h.id == "" }

// String implements fmt.Stringer.
func (h EpisodeHandle) String() string { return string(h.id) }

// HandleFor rebuilds a handle from an id, for callers that only kept the
// id (the HTTP API). The handle is only useful if the id is still active.
func HandleFor(id EpisodeID) EpisodeHandle {
	return EpisodeHandle{id: id}
}

func newEpisodeHandle() EpisodeHandle {
	return EpisodeHandle{id: EpisodeID(uuid.NewString())}
}
