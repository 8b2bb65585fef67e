package services

import "github.com/ekaya-inc/ekaya-nl2sql/pkg/models"

// CutoffOptions controls soft-k / hard-k filtering of similarity results.
type CutoffOptions struct {
	// SoftK results are always kept, however weak.
	SoftK int
	// HardK caps the number of results fetched and kept.
	HardK int
	// Threshold applies beyond rank SoftK.
	Threshold float64
}

// normalized clamps SoftK into [0, HardK].
func (o CutoffOptions) normalized() CutoffOptions {
	if o.HardK < 0 {
		o.HardK = 0
	}
	if o.SoftK < 0 {
		o.SoftK = 0
	}
	if o.SoftK > o.HardK {
		o.SoftK = o.HardK
	}
	return o
}

// ApplySoftHard keeps the first SoftK items unconditionally, then keeps
// further items while their similarity clears Threshold, stopping at the
// first one that does not. items must be sorted by descending similarity.
// The result is always a prefix of items of length at most HardK.
func ApplySoftHard[T any](items []T, similarity func(T) float64, opts CutoffOptions) []T {
	opts = opts.normalized()
	n := len(items)
	if n > opts.HardK {
		n = opts.HardK
	}

	keep := 0
	for keep < n {
		if keep >= opts.SoftK && similarity(items[keep]) < opts.Threshold {
			break
		}
		keep++
	}
	return items[:keep:keep]
}

// DedupByEntity keeps the highest-similarity match per entity id, preserving
// the order in which ids first appear.
func DedupByEntity(matches []models.EntityMatch) []models.EntityMatch {
	out := make([]models.EntityMatch, 0, len(matches))
	seen := make(map[string]int, len(matches))
	for _, m := range matches {
		if i, ok := seen[m.EntityID]; ok {
			if m.Similarity > out[i].Similarity {
				out[i] = m
			}
			continue
		}
		seen[m.EntityID] = len(out)
		out = append(out, m)
	}
	return out
}

// ConfidencePolicy holds the constants of the confidence classification.
type ConfidencePolicy struct {
	HardMinimum float64
	Margin      float64
}

// DefaultConfidencePolicy is hard minimum 0.70 with a 0.01 runner-up margin.
var DefaultConfidencePolicy = ConfidencePolicy{HardMinimum: 0.70, Margin: 0.01}

// Classify grades candidates after deduplicating them by entity id.
func (p ConfidencePolicy) Classify(matches []models.EntityMatch) models.Confidence {
	distinct := DedupByEntity(matches)
	if len(distinct) == 0 {
		return models.ConfidenceNone
	}

	first, second := -1.0, -1.0
	for _, m := range distinct {
		switch {
		case m.Similarity > first:
			first, second = m.Similarity, first
		case m.Similarity > second:
			second = m.Similarity
		}
	}

	if first < p.HardMinimum {
		return models.ConfidenceLow
	}
	if len(distinct) == 1 {
		return models.ConfidenceHigh
	}
	if first-second >= p.Margin {
		return models.ConfidenceMedium
	}
	return models.ConfidenceLow
}
