package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/stillpoint/pkg/command"
)

// FFmpeg mixes and segments audio with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	Runner      command.Runner
	Binary      string
	ProbeBinary string
	Bitrate     string

	// MusicVolume scales the background track; zero uses 0.15.
	MusicVolume float64
}

func (f FFmpeg) bin() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

func (f FFmpeg) probe() string {
	if f.ProbeBinary == "" {
		return "ffprobe"
	}
	return f.ProbeBinary
}

func (f FFmpeg) bitrate() string {
	if f.Bitrate == "" {
		return "128k"
	}
	return f.Bitrate
}

func (f FFmpeg) run(ctx context.Context, name string, args ...string) (command.Result, error) {
	res, err := runner(f.Runner).Run(ctx, name, args...)
	if err == nil && res.ExitCode != 0 {
		err = &command.Error{Name: name, Result: res}
	}
	return res, err
}

// MixArgs returns the ffmpeg arguments for Mix.
func (f FFmpeg) MixArgs(voicePath, musicPath, outPath string) []string {
	if musicPath == "" {
		return []string{"-y", "-i", voicePath, "-acodec", "libmp3lame", "-b:a", f.bitrate(), outPath}
	}
	vol := f.MusicVolume
	if vol <= 0 {
		vol = 0.15
	}
	filter := fmt.Sprintf("[1:a]volume=%.2f[bg];[0:a][bg]amix=inputs=2:duration=first:dropout_transition=3", vol)
	return []string{
		"-y",
		"-i", voicePath,
		"-stream_loop", "-1", "-i", musicPath,
		"-filter_complex", filter,
		"-acodec", "libmp3lame",
		"-b:a", f.bitrate(),
		outPath,
	}
}

func (f FFmpeg) Mix(ctx context.Context, voicePath, musicPath, outPath string) error {
	if _, err := f.run(ctx, f.bin(), f.MixArgs(voicePath, musicPath, outPath)...); err != nil {
		return fmt.Errorf("mix audio: %w", err)
	}
	return nil
}

// SegmentArgs returns the ffmpeg arguments for Segment.
func (f FFmpeg) SegmentArgs(inputPath, outDir string, segmentSeconds int) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-c:a", "aac",
		"-b:a", f.bitrate(),
		"-f", "segment",
		"-segment_format", "mpegts",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-reset_timestamps", "1",
		filepath.Join(outDir, "segment_%03d.ts"),
	}
}

// Segment splits inputPath into MPEG-TS chunks and probes each duration. A
// chunk whose duration cannot be probed reports 0.
func (f FFmpeg) Segment(ctx context.Context, inputPath, outDir string, segmentSeconds int) ([]Segment, error) {
	if _, err := f.run(ctx, f.bin(), f.SegmentArgs(inputPath, outDir, segmentSeconds)...); err != nil {
		return nil, fmt.Errorf("segment audio: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(outDir, "segment_*.ts"))
	if err != nil {
		return nil, fmt.Errorf("locate segments: %w", err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("segment audio: no segments produced")
	}

	out := make([]Segment, 0, len(files))
	for _, p := range files {
		out = append(out, Segment{Path: p, Duration: f.duration(ctx, p)})
	}
	return out, nil
}

func (f FFmpeg) duration(ctx context.Context, path string) float64 {
	res, err := f.run(ctx, f.probe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0
	}
	return d
}
