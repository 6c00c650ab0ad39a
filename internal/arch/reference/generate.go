package reference

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/tokenizer"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

// vocabWords seed the merge table written by GenerateWeights.
var vocabWords = []string{
	"a", "an", "the", "of", "on", "in", "at", "with", "and",
	"cat", "dog", "photo", "portrait", "painting", "sitting", "red", "blue", "green",
	"mountain", "lake", "sunset", "forest", "city", "night", "high", "quality",
	"lowres", "bad", "anatomy", "hands", "blurry", "text", "error", "cropped", "watermark",
}

// GenerateWeights writes a complete deterministic weights directory for dims: every
// parameter, the noise schedule, the dimensions file and a small merge table.
func GenerateWeights(dir string, dims Dims, seed int64, fp32 bool) error {
	if err := dims.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	store := weights.NewStore(dir, fp32)
	r := rand.New(rand.NewPCG(uint64(seed), 0xd1ff))

	gaussian := func(n int, scale float64) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(r.NormFloat64() * scale)
		}
		return v
	}

	k, d, m := dims.TimeCoefficients, dims.TextDim, dims.Channels
	params := []struct {
		name   string
		values []float32
	}{
		{TokenEmbedding, gaussian(dims.Vocab*d, 0.5)},
		{PositionEmbedding, gaussian(arch.SequenceLength*d, 0.1)},
		{TimeCoefficients, timeCoefficients(k)},
		{AlphasCumprod, ScaledLinearAlphas(1000, 0.00085, 0.012)},
		{TimeWeight, gaussian(2*k*m, 1/math.Sqrt(float64(2*k)))},
		{CondWeight, gaussian(d*m, 1/math.Sqrt(float64(d)))},
		{InWeight, gaussian(4*m, 0.5)},
		{InBias, gaussian(m, 0.1)},
		{OutWeight, gaussian(m*4, 0.5/math.Sqrt(float64(m)))},
		{OutBias, gaussian(4, 0.01)},
		{EncoderWeight, gaussian(3*8, 0.5)},
		{EncoderBias, gaussian(8, 0.1)},
		{DecoderWeight, gaussian(4*3, float64(arch.LatentScale)/2)},
		{DecoderBias, gaussian(3, 0.1)},
		{PreviewWeight, gaussian(4*3, 0.25)},
		{PreviewBias, gaussian(3, 0.05)},
	}
	for _, p := range params {
		if err := store.Write(p.name, p.values); err != nil {
			return err
		}
	}

	raw, err := json.MarshalIndent(dims, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, DimsFile), raw, 0o644); err != nil {
		return fmt.Errorf("write dims: %w", err)
	}
	if err := WriteVocabulary(filepath.Join(dir, tokenizer.VocabFile), vocabWords); err != nil {
		return err
	}

	logger.Log.Info("generated reference weights", "dir", dir, "fp32", fp32, "params", len(params))
	return nil
}

// ScaledLinearAlphas returns the cumulative alpha products for betas spaced linearly in
// square-root space between start and end.
func ScaledLinearAlphas(n int, start, end float64) []float32 {
	out := make([]float32, n)
	a, b := math.Sqrt(start), math.Sqrt(end)
	cum := 1.0
	for i := 0; i < n; i++ {
		s := a + (b-a)*float64(i)/float64(n-1)
		cum *= 1 - s*s
		out[i] = float32(cum)
	}
	return out
}

func timeCoefficients(k int) []float32 {
	out := make([]float32, k)
	for i := range out {
		out[i] = float32(math.Exp(-math.Log(10000) * float64(i) / float64(k)))
	}
	return out
}

// WriteVocabulary writes a merge table that assembles each word left to right. The first
// line is a header, as in the published merge files.
func WriteVocabulary(path string, words []string) error {
	seen := make(map[string]bool)
	lines := []string{"#version: 0.2"}
	for _, word := range words {
		var syms []string
		for _, r := range word {
			syms = append(syms, string(r))
		}
		if len(syms) == 0 {
			continue
		}
		syms[len(syms)-1] += "</w>"
		for len(syms) > 1 {
			merge := syms[0] + " " + syms[1]
			if !seen[merge] {
				seen[merge] = true
				lines = append(lines, merge)
			}
			syms = append([]string{syms[0] + syms[1]}, syms[2:]...)
		}
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write vocabulary: %w", err)
	}
	return nil
}
