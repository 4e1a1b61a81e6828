package hls

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Segment is one media segment of a playlist, addressed by its
// absolute media sequence number.
type Segment struct {
	Sequence int64
	Duration time.Duration
	URI      string
}

// Playlist is a parsed HLS media playlist. For live feeds the segment
// window slides: MediaSequence is the sequence of Segments[0].
type Playlist struct {
	TargetDuration time.Duration
	MediaSequence  int64
	Ended          bool
	Segments       []Segment
}

// ParseMediaPlaylist reads an HLS media playlist. Unknown tags are
// skipped; only the tags a live monitor needs are interpreted.
func ParseMediaPlaylist(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		return nil, ErrNotPlaylist
	}
	if strings.TrimSpace(sc.Text()) != "#EXTM3U" {
		return nil, ErrNotPlaylist
	}

	pl := &Playlist{}
	var (
		pendingDur time.Duration
		havePending bool
		index       int64
	)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.ParseFloat(line[len("#EXT-X-TARGETDURATION:"):], 64)
			if err != nil {
				return nil, fmt.Errorf("target duration: %w", err)
			}
			pl.TargetDuration = time.Duration(v * float64(time.Second))

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseInt(line[len("#EXT-X-MEDIA-SEQUENCE:"):], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("media sequence: %w", err)
			}
			pl.MediaSequence = v

		case strings.HasPrefix(line, "#EXTINF:"):
			attr := line[len("#EXTINF:"):]
			if i := strings.IndexByte(attr, ','); i >= 0 {
				attr = attr[:i]
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(attr), 64)
			if err != nil {
				return nil, fmt.Errorf("extinf: %w", err)
			}
			pendingDur = time.Duration(v * float64(time.Second))
			havePending = true

		case line == "#EXT-X-ENDLIST":
			pl.Ended = true

		case strings.HasPrefix(line, "#"):
			// uninterpreted tag

		default:
			if !havePending {
				// URI with no preceding EXTINF; tolerate with zero duration
				pendingDur = 0
			}
			pl.Segments = append(pl.Segments, Segment{
				Sequence: pl.MediaSequence + index,
				Duration: pendingDur,
				URI:      line,
			})
			index++
			pendingDur, havePending = 0, false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return pl, nil
}

// EdgeSequence returns the sequence just past the newest segment:
// the live edge in sequence space.
func (p *Playlist) EdgeSequence() int64 {
	if len(p.Segments) == 0 {
		return p.MediaSequence
	}
	return p.Segments[len(p.Segments)-1].Sequence + 1
}

// Segment returns the segment with the given sequence, if it is still
// inside the window.
func (p *Playlist) Segment(seq int64) (Segment, bool) {
	i := seq - p.MediaSequence
	if i < 0 || i >= int64(len(p.Segments)) {
		return Segment{}, false
	}
	return p.Segments[i], true
}

// DurationBetween sums segment durations for sequences in [from, to).
// Sequences outside the window contribute nothing.
func (p *Playlist) DurationBetween(from, to int64) time.Duration {
	var total time.Duration
	for _, s := range p.Segments {
		if s.Sequence >= from && s.Sequence < to {
			total += s.Duration
		}
	}
	return total
}

// SeekFromEdge returns the playhead sequence that leaves roughly pad
// worth of media between it and the live edge. With an empty window it
// returns the edge itself.
func (p *Playlist) SeekFromEdge(pad time.Duration) int64 {
	seq := p.EdgeSequence()
	var acc time.Duration
	for i := len(p.Segments) - 1; i >= 0; i-- {
		if acc >= pad {
			break
		}
		seq = p.Segments[i].Sequence
		acc += p.Segments[i].Duration
	}
	return seq
}
