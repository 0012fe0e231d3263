package pipeline

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
)

// DuplicateVerdict is the detector's output. MatchIndex is the 0-based
// offset into the compared list, or -1 for the semantic layer.
type DuplicateVerdict struct {
	IsDuplicate bool
	MatchIndex  int
	Layer       string
}

// DuplicateDetector implements the layered cross-turn duplicate check:
// exact hash, word Jaccard, character-bigram Dice, then embedding cosine.
// Layers run cheapest first and short-circuit on the first hit.
type DuplicateDetector struct {
	cfg      common.DuplicateConfig
	embedder interfaces.EmbeddingService
	logger   arbor.ILogger
}

// NewDuplicateDetector creates a detector. embedder may be nil; the
// semantic layer is skipped when it is absent or not ready.
func NewDuplicateDetector(cfg common.DuplicateConfig, embedder interfaces.EmbeddingService, logger arbor.ILogger) *DuplicateDetector {
	return &DuplicateDetector{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
	}
}

// Check compares response against the recent assistant messages. Responses
// shorter than the minimum length after footer stripping are always unique.
func (d *DuplicateDetector) Check(ctx context.Context, response string, recent []string) DuplicateVerdict {
	unique := DuplicateVerdict{IsDuplicate: false, MatchIndex: -1}

	stripped := stripFooter(response)
	if len([]rune(stripped)) < d.cfg.MinLength {
		return unique
	}
	if len(recent) == 0 {
		return unique
	}

	respHash := contentHash(stripped)
	respWords := wordSet(stripped)
	respBigrams := bigramSet(stripped)

	for i, prev := range recent {
		prevStripped := stripFooter(prev)

		if contentHash(prevStripped) == respHash {
			return DuplicateVerdict{IsDuplicate: true, MatchIndex: i, Layer: "exact_hash"}
		}

		if jaccard(respWords, wordSet(prevStripped)) >= d.cfg.JaccardThreshold {
			return DuplicateVerdict{IsDuplicate: true, MatchIndex: i, Layer: "word_jaccard"}
		}

		score := dice(respBigrams, bigramSet(prevStripped))
		if score >= d.cfg.BigramThreshold {
			return DuplicateVerdict{IsDuplicate: true, MatchIndex: i, Layer: "bigram_dice"}
		}
		if score >= d.cfg.BigramNearMiss {
			d.logger.Info().
				Int("match_index", i).
				Float64("score", score).
				Float64("threshold", d.cfg.BigramThreshold).
				Msg("Bigram near-miss below duplicate threshold")
		}
	}

	if d.embedder != nil && d.embedder.Ready(ctx) {
		if d.semanticDuplicate(ctx, stripped, recent) {
			return DuplicateVerdict{IsDuplicate: true, MatchIndex: -1, Layer: "semantic"}
		}
	}

	return unique
}

func (d *DuplicateDetector) semanticDuplicate(ctx context.Context, response string, recent []string) bool {
	respVec, err := d.embedder.Embed(ctx, response)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Embedding failed; skipping semantic duplicate layer")
		return false
	}
	for _, prev := range recent {
		prevVec, err := d.embedder.Embed(ctx, stripFooter(prev))
		if err != nil {
			continue
		}
		if cosine(respVec, prevVec) >= d.cfg.SemanticThreshold {
			return true
		}
	}
	return false
}

// stripFooter removes trailing subtext footer lines before comparison so a
// varying footer cannot mask an otherwise identical response.
func stripFooter(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	end := len(lines)
	for end > 0 {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "-# ") {
			end--
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[:end], "\n"))
}

func contentHash(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

func bigramSet(s string) map[string]struct{} {
	runes := []rune(strings.ToLower(s))
	set := make(map[string]struct{})
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func dice(a, b map[string]struct{}) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	inter := 0
	for g := range a {
		if _, ok := b[g]; ok {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(a)+len(b))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
