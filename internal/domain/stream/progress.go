package stream

import "time"

// Progress is one observation of a live transport between two polls.
type Progress struct {
	// Advanced is true when new media was consumed since the last poll.
	Advanced bool
	// Position is the cumulative playback position of the session.
	Position time.Duration
	// Behind is the distance from the live edge. Always zero on
	// transports without a live-edge query.
	Behind time.Duration
}
