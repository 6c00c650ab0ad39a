// Package tokenizer implements the byte-level BPE tokenizer that turns prompts into fixed
// length id sequences for the text encoder.
package tokenizer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"

	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/metrics"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

const (
	// VocabFile is the merge table inside a weights directory.
	VocabFile = "bpe_simple_vocab_16e6.txt"
	// MaxMerges caps how many merge lines are read (the published table's size).
	MaxMerges = 48894
	// SequenceLength is the encoded length: begin, up to MaxTokens ids, end and padding.
	SequenceLength = 77
	MaxTokens      = SequenceLength - 2

	maxIterations = 0x2000
	endOfWord     = "</w>"
)

// Sequence is one encoded prompt.
type Sequence [SequenceLength]int32

// VocabularyError reports a merged symbol that has no vocabulary id.
type VocabularyError struct {
	Symbol string
}

func (e *VocabularyError) Error() string {
	return fmt.Sprintf("symbol %q not in vocabulary", e.Symbol)
}

var pattern = regexp2.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d|[^\s]+`, regexp2.IgnoreCase)

// byteRunes maps every byte to a printable rune. Printable Latin-1 bytes map to themselves,
// the rest to 256 onwards in byte order.
var byteRunes, runeBytes = buildByteTable()

func buildByteTable() ([256]rune, map[rune]byte) {
	var table [256]rune
	reverse := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= 33 && b <= 126) || (b >= 161 && b <= 172) || (b >= 174 && b <= 255)
	}
	next := rune(256)
	for b := 0; b < 256; b++ {
		if printable(b) {
			table[b] = rune(b)
		} else {
			table[b] = next
			next++
		}
		reverse[table[b]] = byte(b)
	}
	return table, reverse
}

type Tokenizer struct {
	ranks  map[string]int
	vocab  map[string]int32
	tokens []string
	begin  int32
	end    int32
}

// Load reads the merge table from a weights directory.
func Load(dir string) (*Tokenizer, error) {
	path := filepath.Join(dir, VocabFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, &weights.ConfigurationError{Resource: path, Err: err}
	}
	defer f.Close()

	var merges []string
	sc := bufio.NewScanner(f)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		if len(merges) == MaxMerges {
			break
		}
		merges = append(merges, line)
	}
	if err := sc.Err(); err != nil {
		return nil, &weights.ConfigurationError{Resource: path, Err: err}
	}
	t, err := New(merges)
	if err != nil {
		return nil, &weights.ConfigurationError{Resource: path, Err: err}
	}
	logger.Log.Debug("loaded vocabulary", "path", path, "merges", len(merges), "vocab", len(t.tokens))
	return t, nil
}

// New builds a tokenizer from merge lines of the form "first second", lowest rank first.
// The vocabulary is the 256 byte symbols, the same symbols with the end-of-word marker,
// then one entry per merge. The begin sentinel follows the vocabulary and the end sentinel
// doubles as padding.
func New(merges []string) (*Tokenizer, error) {
	t := &Tokenizer{
		ranks:  make(map[string]int, len(merges)),
		vocab:  make(map[string]int32, 512+len(merges)),
		tokens: make([]string, 0, 512+len(merges)),
	}
	var base []string
	for b := 33; b < 256; b++ {
		if byteRunes[b] == rune(b) {
			base = append(base, string(rune(b)))
		}
	}
	for b := 0; b < 256; b++ {
		if byteRunes[b] != rune(b) {
			base = append(base, string(byteRunes[b]))
		}
	}
	for _, s := range base {
		t.add(s)
	}
	for _, s := range base {
		t.add(s + endOfWord)
	}
	for i, m := range merges {
		first, second, ok := strings.Cut(m, " ")
		if !ok || first == "" || second == "" || strings.Contains(second, " ") {
			return nil, fmt.Errorf("merge %d: malformed line %q", i+1, m)
		}
		if _, dup := t.ranks[m]; !dup {
			t.ranks[m] = i
		}
		t.add(first + second)
	}
	t.begin = int32(len(t.tokens))
	t.end = t.begin + 1
	return t, nil
}

func (t *Tokenizer) add(sym string) {
	// Later duplicates keep the first id but still occupy a slot.
	if _, ok := t.vocab[sym]; !ok {
		t.vocab[sym] = int32(len(t.tokens))
	}
	t.tokens = append(t.tokens, sym)
}

func (t *Tokenizer) Begin() int32 { return t.begin }

// End is both the end sentinel and the padding id.
func (t *Tokenizer) End() int32 { return t.end }

func (t *Tokenizer) VocabSize() int { return len(t.tokens) }

// Encode tokenizes text into a fixed-length sequence, truncating to MaxTokens ids.
func (t *Tokenizer) Encode(text string) (Sequence, error) {
	parts, err := chunks(clean(text))
	if err != nil {
		return Sequence{}, err
	}
	var ids []int32
	for _, chunk := range parts {
		if ids, err = t.encodeChunk(chunk, ids); err != nil {
			return Sequence{}, err
		}
	}
	metrics.RecordEncode(len(ids), len(ids) > MaxTokens)
	if len(ids) > MaxTokens {
		ids = ids[:MaxTokens]
	}

	var seq Sequence
	seq[0] = t.begin
	copy(seq[1:], ids)
	for i := 1 + len(ids); i < SequenceLength; i++ {
		seq[i] = t.end
	}
	return seq, nil
}

// clean lowercases and collapses whitespace runs to single spaces.
func clean(text string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(text), unicode.IsSpace), " ")
}

func chunks(text string) ([]string, error) {
	var out []string
	m, err := pattern.FindStringMatch(text)
	for m != nil && err == nil {
		out = append(out, m.String())
		m, err = pattern.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("split prompt: %w", err)
	}
	return out, nil
}

func (t *Tokenizer) encodeChunk(chunk string, ids []int32) ([]int32, error) {
	word := make([]string, 0, len(chunk))
	for i := 0; i < len(chunk); i++ {
		word = append(word, string(byteRunes[chunk[i]]))
	}
	if len(word) == 0 {
		return ids, nil
	}
	word[len(word)-1] += endOfWord

	for iter := 0; len(word) > 1 && iter < maxIterations; iter++ {
		first, second, ok := t.bestPair(word)
		if !ok {
			break
		}
		word = mergePair(word, first, second)
	}

	for _, sym := range word {
		id, ok := t.vocab[sym]
		if !ok {
			return ids, &VocabularyError{Symbol: sym}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// bestPair returns the adjacent pair with the lowest rank.
func (t *Tokenizer) bestPair(word []string) (string, string, bool) {
	best, at := -1, -1
	for i := 0; i+1 < len(word); i++ {
		if r, ok := t.ranks[word[i]+" "+word[i+1]]; ok && (best < 0 || r < best) {
			best, at = r, i
		}
	}
	if at < 0 {
		return "", "", false
	}
	return word[at], word[at+1], true
}

// mergePair joins every non-overlapping occurrence of (first, second), scanning left to right.
func mergePair(word []string, first, second string) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == first && word[i+1] == second {
			out = append(out, first+second)
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

var errUnknownID = errors.New("unknown id")

// Decode maps ids back to text. Sentinels are dropped and end-of-word markers become spaces.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.begin || id == t.end {
			continue
		}
		if id < 0 || int(id) >= len(t.tokens) {
			return "", fmt.Errorf("decode %d: %w", id, errUnknownID)
		}
		sym := t.tokens[id]
		word, eow := strings.CutSuffix(sym, endOfWord)
		for _, r := range word {
			b, ok := runeBytes[r]
			if !ok {
				return "", fmt.Errorf("decode %d: rune %q outside byte table", id, r)
			}
			sb.WriteByte(b)
		}
		if eow {
			sb.WriteByte(' ')
		}
	}
	return strings.TrimSuffix(sb.String(), " "), nil
}
