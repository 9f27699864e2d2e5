package hls

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultSegmentDuration applies to segments without a measured duration.
const DefaultSegmentDuration = 5 * time.Second

// PlaylistEntry is one media segment line pair.
type PlaylistEntry struct {
	Duration float64
	URL      string
}

// RenderPlaylist builds an EVENT playlist body. The target duration is the
// integer part of the longest segment plus one. complete appends
// #EXT-X-ENDLIST.
func RenderPlaylist(entries []PlaylistEntry, targetDuration int, complete bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", e.Duration)
		b.WriteString(e.URL)
		b.WriteByte('\n')
	}
	if complete {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// TargetDuration returns floor(max(durations)) + 1.
func TargetDuration(durations []float64) int {
	longest := 0.0
	for _, d := range durations {
		longest = math.Max(longest, d)
	}
	return int(math.Floor(longest)) + 1
}

// segmentDurations returns one duration per segment, padding with the
// default when measurements are missing.
func segmentDurations(count int, measured []float64, fallback time.Duration) []float64 {
	out := make([]float64, count)
	for i := range out {
		if i < len(measured) && measured[i] > 0 {
			out[i] = measured[i]
		} else {
			out[i] = fallback.Seconds()
		}
	}
	return out
}
