// Package face scores a probe face template against stored templates
// using cosine similarity. Matching is a pure function over the
// vectors handed to it: no store access, no shared state, safe to
// call concurrently.
package face

import "math"

// DefaultThreshold balances false positives against false negatives
// for typical landmark embeddings. 0.95+ is stricter, 0.85-0.90
// looser.
const DefaultThreshold = 0.92

// Candidate is one stored template offered for matching.
type Candidate struct {
	ID           string
	IdentityHash string
	Template     []float64
	Version      string
}

// Options tunes a match. Threshold is used as given (the handler
// applies DefaultThreshold when the caller sends none). A non-empty
// Version restricts candidates to that version tag; untagged
// candidates always pass.
type Options struct {
	Threshold float64
	Version   string
}

// Best identifies the highest-scoring candidate.
type Best struct {
	ID           string
	IdentityHash string
	Score        float64
}

// Result is the outcome of one match call.
type Result struct {
	Match      bool
	Best       *Best
	Threshold  float64
	Candidates int
}

func dot(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float64) float64 {
	var sum float64
	for _, v := range a {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// cosineSimilarity returns 0 if the lengths differ or either vector
// has zero norm.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

// Match scores probe against every eligible candidate and reports the
// best. Candidates are filtered by version tag, then by exact
// dimensionality with the probe; a mismatched-length template is
// silently excluded, never an error. Ties break toward the candidate
// seen first (strict > when updating best). Match is true iff the
// best score reaches the threshold.
func Match(probe []float64, stored []Candidate, opts Options) Result {
	var filtered []Candidate
	for _, c := range stored {
		if opts.Version != "" && c.Version != "" && c.Version != opts.Version {
			continue
		}
		if len(c.Template) != len(probe) {
			continue
		}
		filtered = append(filtered, c)
	}

	if len(filtered) == 0 {
		return Result{Match: false, Threshold: opts.Threshold}
	}

	bestScore := math.Inf(-1)
	var bestFace *Candidate
	for i := range filtered {
		score := cosineSimilarity(probe, filtered[i].Template)
		if score > bestScore {
			bestScore = score
			bestFace = &filtered[i]
		}
	}

	return Result{
		Match: bestScore >= opts.Threshold,
		Best: &Best{
			ID:           bestFace.ID,
			IdentityHash: bestFace.IdentityHash,
			Score:        bestScore,
		},
		Threshold:  opts.Threshold,
		Candidates: len(filtered),
	}
}

// ValidTemplate reports whether a vector is usable as a face
// template: at least MinTemplateLen entries, all finite.
func ValidTemplate(v []float64) bool {
	if len(v) < MinTemplateLen {
		return false
	}
	for _, n := range v {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return false
		}
	}
	return true
}

// MinTemplateLen is the smallest embedding length accepted for
// enrollment or matching.
const MinTemplateLen = 8
