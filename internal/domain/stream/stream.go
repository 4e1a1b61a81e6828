package stream

import "strings"

// Source is one live feed as supplied by configuration or the repo.
// Identity is the URL; Title is display-only.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Valid reports whether the source has a usable URL.
func (s Source) Valid() bool { return strings.TrimSpace(s.URL) != "" }

// IsHLS reports whether the URL points at an HLS media playlist.
// Non-HLS URLs are played over the direct (progressive) transport,
// which has no live-edge query and a narrower error taxonomy.
func (s Source) IsHLS() bool {
	u := s.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".m3u8")
}
