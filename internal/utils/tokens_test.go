package utils_test

import (
	"strings"
	"testing"

	"github.com/KaramelBytes/dida-cli/internal/utils"
)

func TestCountTokens(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"one rune", "a", 1},
		{"short question", "how many rows?", 3},
		{"runes not bytes", strings.Repeat("é", 8), 2},
		{"long answer", strings.Repeat("a", 4000), 1000},
	}
	for _, c := range cases {
		if got := utils.CountTokens(c.in); got != c.want {
			t.Errorf("%s: got %d want %d", c.name, got, c.want)
		}
	}
}
