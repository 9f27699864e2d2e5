package download

import (
	"context"

	"github.com/3leaps/stillpoint/pkg/command"
)

// DefaultBitrate is the MP3 bitrate of generated downloads.
const DefaultBitrate = "128k"

// FFmpegMuxer concatenates segments with ffmpeg's concat demuxer and encodes
// the result with libmp3lame.
type FFmpegMuxer struct {
	Runner  command.Runner
	Binary  string
	Bitrate string
}

// Args returns the ffmpeg arguments for one concat run.
func (m FFmpegMuxer) Args(listPath, outPath string) []string {
	bitrate := m.Bitrate
	if bitrate == "" {
		bitrate = DefaultBitrate
	}
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-acodec", "libmp3lame",
		"-b:a", bitrate,
		outPath,
	}
}

func (m FFmpegMuxer) Concat(ctx context.Context, listPath, outPath string) error {
	bin := m.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	runner := m.Runner
	if runner == nil {
		runner = command.ExecRunner{}
	}
	res, err := runner.Run(ctx, bin, m.Args(listPath, outPath)...)
	if err == nil && res.ExitCode != 0 {
		err = &command.Error{Name: bin, Result: res}
	}
	return err
}
