package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tracks = "music/**/*.{mp3,wav,m4a,ogg,flac}"

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "include only", cfg: Config{Includes: []string{tracks}}},
		{name: "include and exclude", cfg: Config{Includes: []string{tracks}, Excludes: []string{"music/drafts/**"}}},
		{name: "no includes", cfg: Config{}, wantErr: ErrNoIncludes},
		{name: "bad include", cfg: Config{Includes: []string{"music/[a-"}}, wantErr: ErrInvalidPattern},
		{name: "bad exclude", cfg: Config{Includes: []string{tracks}, Excludes: []string{"music/{a"}}, wantErr: ErrInvalidPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	m, err := New(Config{
		Includes: []string{tracks},
		Excludes: []string{"music/drafts/**"},
	})
	require.NoError(t, err)

	tests := []struct {
		key  string
		want bool
	}{
		{"music/calm.mp3", true},
		{"music/ambient/rain.wav", true},
		{"music/ambient/deep/ocean.flac", true},
		{"music/notes.txt", false},
		{"music/drafts/wip.mp3", false},
		{"music/.trash/old.mp3", false},
		{"music/._calm.mp3", false},
		{"other/calm.mp3", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.key))
		})
	}
}

func TestMatcher_IncludeHidden(t *testing.T) {
	m, err := New(Config{Includes: []string{"u1/hls/j1/*"}, IncludeHidden: true})
	require.NoError(t, err)

	assert.True(t, m.Match("u1/hls/j1/.stillpoint-health"))
}

func TestMatcher_Filter(t *testing.T) {
	m, err := New(Config{Includes: []string{tracks}})
	require.NoError(t, err)

	got := m.Filter([]string{
		"music/z.mp3",
		"music/readme.md",
		"music/a/b.ogg",
		"music/a.wav",
	})
	assert.Equal(t, []string{"music/a.wav", "music/a/b.ogg", "music/z.mp3"}, got)
	assert.Empty(t, m.Filter(nil))
}

func TestMatcher_Prefixes(t *testing.T) {
	m, err := New(Config{Includes: []string{"music/calm/*.mp3", "music/**/*.wav", "jingles/*.mp3"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"jingles/", "music/"}, m.Prefixes())
	assert.Len(t, m.IncludePatterns(), 3)
}

func TestPatternError(t *testing.T) {
	err := &PatternError{Pattern: "[bad", Err: ErrInvalidPattern}

	assert.Equal(t, "pattern [bad: invalid glob pattern", err.Error())
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func BenchmarkMatcher_Match(b *testing.B) {
	m, _ := New(Config{Includes: []string{tracks}, Excludes: []string{"music/drafts/**"}})
	key := "music/ambient/deep/ocean.flac"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Match(key)
	}
}
