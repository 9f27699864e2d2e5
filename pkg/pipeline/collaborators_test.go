package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stillpoint/pkg/command"
	"github.com/3leaps/stillpoint/pkg/jobs"
)

func TestPassthroughScript(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		jobType jobs.Type
		input   string
		want    string
		wantErr bool
	}{
		{"plain string", jobs.TypeMeditation, `"Relax your shoulders."`, "Relax your shoulders.", false},
		{"text field", jobs.TypeMeditation, `{"text":"Notice the breath."}`, "Notice the breath.", false},
		{"prompt field", jobs.TypeMeditation, `{"prompt":"sleep"}`, "sleep", false},
		{"summary keeps first sentences", jobs.TypeSummary, `{"text":"One. Two.\n\nThree? Four."}`, "One. Three?", false},
		{"empty", jobs.TypeMeditation, `{}`, "", true},
		{"missing", jobs.TypeMeditation, ``, "", true},
		{"malformed", jobs.TypeMeditation, `[1,2]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PassthroughScript{}.GenerateScript(ctx, tt.jobType, json.RawMessage(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandSynthesizer(t *testing.T) {
	var gotName string
	var gotArgs []string
	r := command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		gotName, gotArgs = name, args
		return command.Result{}, os.WriteFile(args[1], []byte("RIFF"), 0o644)
	})

	out := filepath.Join(t.TempDir(), "voice.wav")
	s := CommandSynthesizer{Runner: r, Binary: "espeak-ng"}
	require.NoError(t, s.Synthesize(context.Background(), "hello there", out))
	assert.Equal(t, "espeak-ng", gotName)
	assert.Equal(t, []string{"-w", out, "hello there"}, gotArgs)
}

func TestCommandSynthesizer_Failures(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "voice.wav")

	assert.Error(t, CommandSynthesizer{}.Synthesize(ctx, "x", out))

	exit := command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		return command.Result{ExitCode: 2, Stderr: "voice not found"}, nil
	})
	err := CommandSynthesizer{Runner: exit, Binary: "piper", Args: []string{"--output_file", "{output}"}}.Synthesize(ctx, "x", out)
	var cmdErr *command.Error
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, cmdErr.Result.ExitCode)

	silent := command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		return command.Result{}, nil
	})
	err = CommandSynthesizer{Runner: silent, Binary: "piper"}.Synthesize(ctx, "x", out)
	assert.ErrorContains(t, err, "produced no audio")
}

func TestFFmpeg_MixArgs(t *testing.T) {
	f := FFmpeg{}
	assert.Equal(t,
		[]string{"-y", "-i", "v.wav", "-acodec", "libmp3lame", "-b:a", "128k", "o.mp3"},
		f.MixArgs("v.wav", "", "o.mp3"))

	args := strings.Join(FFmpeg{MusicVolume: 0.3, Bitrate: "192k"}.MixArgs("v.wav", "m.mp3", "o.mp3"), " ")
	assert.Contains(t, args, "-stream_loop -1 -i m.mp3")
	assert.Contains(t, args, "[1:a]volume=0.30[bg];[0:a][bg]amix=inputs=2:duration=first")
	assert.Contains(t, args, "-b:a 192k o.mp3")
}

func TestFFmpeg_Segment(t *testing.T) {
	dir := t.TempDir()
	var probes int
	r := command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		switch name {
		case "ffmpeg":
			for i := range 3 {
				p := filepath.Join(dir, fmt.Sprintf("segment_%03d.ts", i))
				if err := os.WriteFile(p, []byte{1}, 0o644); err != nil {
					return command.Result{}, err
				}
			}
			return command.Result{}, nil
		case "ffprobe":
			probes++
			if strings.HasSuffix(args[len(args)-1], "segment_002.ts") {
				return command.Result{Stdout: "2.480000\n"}, nil
			}
			if strings.HasSuffix(args[len(args)-1], "segment_001.ts") {
				return command.Result{Stdout: "N/A\n"}, nil
			}
			return command.Result{Stdout: "5.000000\n"}, nil
		}
		return command.Result{}, fmt.Errorf("unexpected %s", name)
	})

	segs, err := FFmpeg{Runner: r}.Segment(context.Background(), "mixed.mp3", dir, 5)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, 3, probes)
	assert.Equal(t, filepath.Join(dir, "segment_000.ts"), segs[0].Path)
	assert.InDelta(t, 5.0, segs[0].Duration, 1e-9)
	assert.Zero(t, segs[1].Duration, "unparseable probe output falls back to the default later")
	assert.InDelta(t, 2.48, segs[2].Duration, 1e-9)
}

func TestFFmpeg_SegmentArgs(t *testing.T) {
	args := strings.Join(FFmpeg{}.SegmentArgs("in.mp3", "/tmp/out", 5), " ")
	assert.Contains(t, args, "-f segment -segment_format mpegts -segment_time 5 -reset_timestamps 1")
	assert.True(t, strings.HasSuffix(args, filepath.Join("/tmp/out", "segment_%03d.ts")))
}

func TestFFmpeg_SegmentFailure(t *testing.T) {
	r := command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		return command.Result{ExitCode: 1, Stderr: "Invalid data found"}, nil
	})
	_, err := FFmpeg{Runner: r}.Segment(context.Background(), "in.mp3", t.TempDir(), 5)
	var cmdErr *command.Error
	assert.ErrorAs(t, err, &cmdErr)

	ok := command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		return command.Result{}, nil
	})
	_, err = FFmpeg{Runner: ok}.Segment(context.Background(), "in.mp3", t.TempDir(), 5)
	assert.ErrorContains(t, err, "no segments produced")
}
