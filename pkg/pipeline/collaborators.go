package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/3leaps/stillpoint/pkg/command"
	"github.com/3leaps/stillpoint/pkg/jobs"
)

// ScriptGenerator turns request input into the text to be spoken (or the
// summary to be returned).
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, jobType jobs.Type, input json.RawMessage) (string, error)
}

// SpeechSynthesizer renders text to an audio file at outPath.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, outPath string) error
}

// AudioMixer lays the voice over background music. musicPath may be empty.
type AudioMixer interface {
	Mix(ctx context.Context, voicePath, musicPath, outPath string) error
}

// Segment is one encoded chunk ready for upload.
type Segment struct {
	Path     string
	Duration float64
}

// Segmenter splits audio into fixed-length segments in outDir.
type Segmenter interface {
	Segment(ctx context.Context, inputPath, outDir string, segmentSeconds int) ([]Segment, error)
}

// ErrEmptyScript indicates the generator produced no text.
var ErrEmptyScript = errors.New("empty script")

// PassthroughScript uses the request text as the script. Input is either a
// JSON string or an object with a "text" (or "prompt") field.
type PassthroughScript struct{}

func (PassthroughScript) GenerateScript(ctx context.Context, jobType jobs.Type, input json.RawMessage) (string, error) {
	text, err := inputText(input)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyScript
	}
	if jobType == jobs.TypeSummary {
		return summarize(text), nil
	}
	return text, nil
}

func inputText(input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", ErrEmptyScript
	}
	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Text   string `json:"text"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &obj); err != nil {
		return "", fmt.Errorf("decode job input: %w", err)
	}
	if obj.Text != "" {
		return obj.Text, nil
	}
	return obj.Prompt, nil
}

// summarize keeps the first sentence of each paragraph.
func summarize(text string) string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if i := strings.IndexAny(para, ".!?"); i >= 0 {
			para = para[:i+1]
		}
		out = append(out, para)
	}
	return strings.Join(out, " ")
}

// CommandSynthesizer runs a speech CLI such as espeak-ng or piper. Args may
// contain the placeholders {text} and {output}.
type CommandSynthesizer struct {
	Runner command.Runner
	Binary string
	Args   []string
}

// DefaultSynthArgs suit espeak-ng.
var DefaultSynthArgs = []string{"-w", "{output}", "{text}"}

func (s CommandSynthesizer) Synthesize(ctx context.Context, text, outPath string) error {
	if s.Binary == "" {
		return fmt.Errorf("speech synthesizer binary is not configured")
	}
	tmpl := s.Args
	if len(tmpl) == 0 {
		tmpl = DefaultSynthArgs
	}
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		a = strings.ReplaceAll(a, "{output}", outPath)
		args[i] = strings.ReplaceAll(a, "{text}", text)
	}

	res, err := runner(s.Runner).Run(ctx, s.Binary, args...)
	if err == nil && res.ExitCode != 0 {
		err = &command.Error{Name: s.Binary, Result: res}
	}
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	if st, err := os.Stat(outPath); err != nil || st.Size() == 0 {
		return fmt.Errorf("synthesize speech: %s produced no audio", s.Binary)
	}
	return nil
}

func runner(r command.Runner) command.Runner {
	if r == nil {
		return command.ExecRunner{}
	}
	return r
}
