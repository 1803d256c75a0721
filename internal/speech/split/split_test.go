package split

import (
	"testing"
	"time"
)

func texts(sentences []Sentence) []string {
	out := make([]string, len(sentences))
	for i, s := range sentences {
		out[i] = s.Text
	}
	return out
}

func TestSplit(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "simple sentences",
			in:   "Hello there. How are you? Fine!",
			want: []string{"Hello there.", "How are you?", "Fine!"},
		},
		{
			name: "abbreviation does not split",
			in:   "Dr. Smith went home.",
			want: []string{"Dr. Smith went home."},
		},
		{
			name: "multiple abbreviations",
			in:   "Mr. and Mrs. Jones met Prof. Clark. They talked, e.g. about fish.",
			want: []string{"Mr. and Mrs. Jones met Prof. Clark.", "They talked, e.g. about fish."},
		},
		{
			name: "no terminal punctuation",
			in:   "no terminal punctuation here",
			want: []string{"no terminal punctuation here"},
		},
		{
			name: "trailing whitespace and blank pieces",
			in:   "One.   Two.   ",
			want: []string{"One.", "Two."},
		},
		{
			name: "combined terminators",
			in:   "Really?! Yes.",
			want: []string{"Really?!", "Yes."},
		},
		{
			name: "unterminated tail kept",
			in:   "First sentence. and then a fragment",
			want: []string{"First sentence.", "and then a fragment"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Split(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d sentences %v, want %d %v", len(got), texts(got), len(tc.want), tc.want)
			}
			for i, s := range got {
				if s.Index != i {
					t.Fatalf("sentence %d has index %d", i, s.Index)
				}
				if s.Text != tc.want[i] {
					t.Fatalf("sentence %d: got %q, want %q", i, s.Text, tc.want[i])
				}
			}
		})
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	if got := Split("   \n\t "); got != nil {
		t.Fatalf("expected nil for whitespace input, got %v", got)
	}
}

func TestSplitDeterministic(t *testing.T) {
	in := "Dr. Smith went home. Then Mr. Jones arrived! Was it late? It was."
	first := texts(Split(in))
	for i := 0; i < 5; i++ {
		again := texts(Split(in))
		if len(again) != len(first) {
			t.Fatalf("run %d produced %d sentences, want %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d sentence %d differs: %q vs %q", i, j, again[j], first[j])
			}
		}
	}
}

func TestEstimateDuration(t *testing.T) {
	base := EstimateDuration("one two three four five six seven eight nine ten", 1.0)
	if base < 3*time.Second || base > 5*time.Second {
		t.Fatalf("ten words at 150wpm should be ~4s, got %v", base)
	}
	faster := EstimateDuration("one two three four five six seven eight nine ten", 2.0)
	if faster >= base {
		t.Fatalf("doubling speed should shorten the estimate: %v vs %v", faster, base)
	}
	if EstimateDuration("", 1.0) <= 0 {
		t.Fatal("empty text should still have a positive floor")
	}
}
