package hls

import "fmt"

// Storage layout under a job's HLS namespace:
//
//	<user_id>/hls/<job_id>/segment_000.ts
//	<user_id>/hls/<job_id>/playlist.m3u8
//	<user_id>/hls/<job_id>/voice.mp3
const (
	PlaylistName  = "playlist.m3u8"
	TTSCacheName  = "voice.mp3"
	SegmentSuffix = ".ts"
	segmentGlob   = "segment_*" + SegmentSuffix
)

// Content types written with each artifact.
const (
	ContentTypeSegment  = "video/MP2T"
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeAudio    = "audio/mpeg"
)

// Prefix is the namespace holding every HLS artifact of a job.
func Prefix(userID, jobID string) string {
	return userID + "/hls/" + jobID + "/"
}

// SegmentKey zero-pads index to three digits so lexical order matches
// playback order.
func SegmentKey(userID, jobID string, index int) string {
	return fmt.Sprintf("%ssegment_%03d%s", Prefix(userID, jobID), index, SegmentSuffix)
}

func PlaylistKey(userID, jobID string) string {
	return Prefix(userID, jobID) + PlaylistName
}

// TTSCacheKey holds the synthesized voice track so a failed mix can be
// retried without calling the speech provider again.
func TTSCacheKey(userID, jobID string) string {
	return Prefix(userID, jobID) + TTSCacheName
}
