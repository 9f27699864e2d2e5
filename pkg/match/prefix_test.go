package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePrefix(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"music/calm/**/*.mp3", "music/calm/"},
		{"music/**", "music/"},
		{"*.ts", ""},
		{"**/*.mp3", ""},
		{"music/take-{1,2}.mp3", "music/"},
		{"music/calm-*.mp3", "music/"},
		{"music/[ab]/*.mp3", "music/"},
		{"music/exact.mp3", "music/exact.mp3"},
		{"music/", "music/"},
		{`music/take\*1.mp3`, "music/take*1.mp3"},
		{`music/\[live\]/*.mp3`, "music/[live]/"},
		{`music\calm/*.mp3`, "music/calm/"},
		{`music\calm\*.mp3`, "music/calm*.mp3"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePrefix(tt.pattern))
		})
	}
}

func TestDerivePrefixes(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"none", nil, nil},
		{"disjoint", []string{"music/a/**", "music/b/**"}, []string{"music/a/", "music/b/"}},
		{"parent covers child", []string{"music/a/**", "music/**"}, []string{"music/"}},
		{"full listing wins", []string{"music/**", "*.mp3"}, []string{""}},
		{"duplicates", []string{"music/*.mp3", "music/*.wav"}, []string{"music/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePrefixes(tt.patterns))
		})
	}
}
