package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-naiad/internal/weights"
)

var testMerges = []string{"c a", "ca t</w>", "a t</w>", "d o", "do g</w>"}

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tk, err := New(testMerges)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tk
}

func TestSentinels(t *testing.T) {
	tk := newTestTokenizer(t)
	if tk.VocabSize() != 512+len(testMerges) {
		t.Errorf("expected vocab %d, got %d", 512+len(testMerges), tk.VocabSize())
	}
	if tk.Begin() != 517 || tk.End() != 518 {
		t.Errorf("expected sentinels 517/518, got %d/%d", tk.Begin(), tk.End())
	}
}

func TestEncode(t *testing.T) {
	tk := newTestTokenizer(t)
	aEOW := tk.vocab["a</w>"]
	cat := tk.vocab["cat</w>"]
	dog := tk.vocab["dog</w>"]

	tests := []struct {
		name  string
		input string
		want  []int32
	}{
		{"empty", "", nil},
		{"single word", "cat", []int32{cat}},
		{"two words", "a cat", []int32{aEOW, cat}},
		{"case and whitespace", "  A\t\tCAT \n", []int32{aEOW, cat}},
		{"merge every occurrence", "dog dog", []int32{dog, dog}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := tk.Encode(tt.input)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if seq[0] != tk.Begin() {
				t.Errorf("expected begin sentinel, got %d", seq[0])
			}
			for i, id := range tt.want {
				if seq[i+1] != id {
					t.Errorf("position %d: expected %d, got %d", i+1, id, seq[i+1])
				}
			}
			for i := len(tt.want) + 1; i < SequenceLength; i++ {
				if seq[i] != tk.End() {
					t.Fatalf("position %d: expected end/pad %d, got %d", i, tk.End(), seq[i])
				}
			}
		})
	}
}

func TestEncodeUnmergedBytes(t *testing.T) {
	tk := newTestTokenizer(t)
	seq, err := tk.Encode("tac")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []int32{tk.vocab["t"], tk.vocab["a"], tk.vocab["c</w>"]}
	for i, id := range want {
		if seq[i+1] != id {
			t.Errorf("position %d: expected %d, got %d", i+1, id, seq[i+1])
		}
	}
}

func TestEncodeTruncates(t *testing.T) {
	tk := newTestTokenizer(t)
	seq, err := tk.Encode(strings.Repeat("cat ", 100))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cat := tk.vocab["cat</w>"]
	for i := 1; i <= MaxTokens; i++ {
		if seq[i] != cat {
			t.Fatalf("position %d: expected %d, got %d", i, cat, seq[i])
		}
	}
	if seq[SequenceLength-1] != tk.End() {
		t.Errorf("expected final end sentinel, got %d", seq[SequenceLength-1])
	}
}

func TestEncodeDeterministic(t *testing.T) {
	tk := newTestTokenizer(t)
	a, _ := tk.Encode("a photo of a cat, it's red")
	b, _ := tk.Encode("a photo of a cat, it's red")
	if a != b {
		t.Error("expected identical sequences")
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"leading contraction", "'s cat", []string{"'s", "cat"}},
		{"contraction inside word", "it's", []string{"it's"}},
		{"adjacent contractions", "'re'll", []string{"'re", "'ll"}},
		{"contraction prefix", "'sx", []string{"'s", "x"}},
		{"punctuation stays attached", "a, b", []string{"a,", "b"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chunks(tt.input)
			if err != nil {
				t.Fatalf("chunks: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMergeIterationCap(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a merge table with thousands of long symbols")
	}
	// Each merge extends the x-prefixed symbol by one byte, so every iteration merges
	// exactly once and the chain outlasts the cap.
	merges := make([]string, 0, maxIterations+100)
	for k := 0; k < maxIterations+100; k++ {
		merges = append(merges, "x"+strings.Repeat("a", k)+" a")
	}
	tk, err := New(merges)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk := "x" + strings.Repeat("a", 9000)
	ids, err := tk.encodeChunk(chunk, nil)
	if err != nil {
		t.Fatalf("encodeChunk: %v", err)
	}
	// x plus 8999 a plus a</w>, less one symbol per capped iteration.
	if want := len(chunk) - maxIterations; len(ids) != want {
		t.Fatalf("expected %d ids, got %d", want, len(ids))
	}
	if ids[0] != tk.vocab["x"+strings.Repeat("a", maxIterations)] {
		t.Errorf("expected first id to be the %d-byte merge, got %d", maxIterations+1, ids[0])
	}
	if ids[len(ids)-1] != tk.vocab["a"+endOfWord] {
		t.Errorf("expected trailing a</w>, got %d", ids[len(ids)-1])
	}

	seq, err := tk.Encode(chunk)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if seq[1] != ids[0] || seq[SequenceLength-1] != tk.End() {
		t.Errorf("expected truncated sequence to start with the capped merge")
	}
}

func TestByteTable(t *testing.T) {
	seen := make(map[rune]bool)
	for b, r := range byteRunes {
		if seen[r] {
			t.Fatalf("rune %q assigned twice", r)
		}
		seen[r] = true
		if runeBytes[r] != byte(b) {
			t.Errorf("byte %d does not round trip", b)
		}
	}
	if byteRunes[0] != 256 || byteRunes[' '] != 256+32 || byteRunes[173] != 256+67 {
		t.Errorf("unexpected remapping: %d %d %d", byteRunes[0], byteRunes[' '], byteRunes[173])
	}
}

func TestDecode(t *testing.T) {
	tk := newTestTokenizer(t)
	for _, text := range []string{"a cat", "dog tac", "café au lait"} {
		seq, err := tk.Encode(text)
		if err != nil {
			t.Fatalf("Encode(%q): %v", text, err)
		}
		got, err := tk.Decode(seq[:])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != text {
			t.Errorf("expected %q, got %q", text, got)
		}
	}
	if _, err := tk.Decode([]int32{9999}); !errors.Is(err, errUnknownID) {
		t.Errorf("expected unknown id error, got %v", err)
	}
}

func TestVocabularyError(t *testing.T) {
	tk := newTestTokenizer(t)
	tk.ranks["x y</w>"] = -1

	_, err := tk.Encode("xy")
	var vErr *VocabularyError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected VocabularyError, got %v", err)
	}
	if vErr.Symbol != "xy</w>" {
		t.Errorf("expected symbol xy</w>, got %q", vErr.Symbol)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	content := "#version: 0.2\n" + strings.Join(testMerges, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, VocabFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tk, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tk.Begin() != 517 {
		t.Errorf("expected begin 517, got %d", tk.Begin())
	}

	var cfgErr *weights.ConfigurationError
	if _, err := Load(t.TempDir()); !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError for missing file, got %v", err)
	}

	bad := t.TempDir()
	if err := os.WriteFile(filepath.Join(bad, VocabFile), []byte("#v\nnospace\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError for malformed file, got %v", err)
	}
}
