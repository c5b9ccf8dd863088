// Package predict turns classifier output into a species guess that honors
// the species a user has already ruled out.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/metrics"
	"github.com/Brownie44l1/plantid-api/internal/model"
	"github.com/Brownie44l1/plantid-api/internal/species"
)

const (
	// maskEpsilon replaces excluded probabilities before renormalizing. It is
	// not zero so a fully masked vector still has a positive sum.
	maskEpsilon = 1e-10

	// minConfidence is the floor below which a renormalized winner is
	// treated as degenerate.
	minConfidence = 1e-8

	// MaxRanked caps Result.Ranked.
	MaxRanked = 10
)

// ErrExclusionExhausted means every catalog species is excluded or scores zero.
var ErrExclusionExhausted = errors.New("no valid species available: all candidates excluded")

// Classifier produces one probability per catalog entry, in catalog order.
type Classifier interface {
	Infer(input []float32) ([]float64, error)
}

// Candidate is one ranked species with its renormalized confidence.
type Candidate struct {
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
	Index      int     `json:"index"`
}

// Result is returned fresh by every Classify call and never mutated after.
type Result struct {
	Species    string      `json:"predicted_species"`
	Confidence float64     `json:"confidence"`
	Index      int         `json:"species_index"`
	Ranked     []Candidate `json:"ranked_candidates"`
}

// Engine turns classifier output into a prediction that honors a session's
// exclusions. It holds no per-session state.
type Engine struct {
	classifier Classifier
	catalog    *species.Catalog
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewEngine(classifier Classifier, catalog *species.Catalog, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		classifier: classifier,
		catalog:    catalog,
		logger:     logger,
		metrics:    m,
	}
}

// Ready reports whether a classifier is loaded.
func (e *Engine) Ready() bool {
	return e.classifier != nil
}

func (e *Engine) Catalog() *species.Catalog {
	return e.catalog
}

// Classify returns the most likely species that is not in exclude.
func (e *Engine) Classify(ctx context.Context, input []float32, exclude Exclusion) (Result, error) {
	res, _, err := e.classify(ctx, input, exclude)
	return res, err
}

// TopK returns up to k ranked candidates outside exclude. Failures yield an
// empty slice: the list is only used for optional display.
func (e *Engine) TopK(ctx context.Context, input []float32, k int, exclude Exclusion) []Candidate {
	if k <= 0 {
		return []Candidate{}
	}
	res, original, err := e.classify(ctx, input, exclude)
	if err != nil {
		e.logger.Debug("top-k unavailable", zap.Error(err))
		return []Candidate{}
	}
	if k <= len(res.Ranked) {
		return res.Ranked[:k]
	}
	return e.rank(original, exclude, k)
}

func (e *Engine) classify(ctx context.Context, input []float32, exclude Exclusion) (Result, []float64, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, nil, err
	}
	if e.classifier == nil {
		e.metrics.Inferences.WithLabelValues("unavailable").Inc()
		return Result{}, nil, model.ErrModelUnavailable
	}

	start := time.Now()
	raw, err := e.classifier.Infer(input)
	e.metrics.InferenceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.Inferences.WithLabelValues("error").Inc()
		return Result{}, nil, err
	}
	if len(raw) != e.catalog.Len() {
		e.metrics.Inferences.WithLabelValues("error").Inc()
		return Result{}, nil, fmt.Errorf("%w: classifier returned %d scores for %d species",
			model.ErrShapeMismatch, len(raw), e.catalog.Len())
	}

	original := sanitize(raw)
	p := e.mask(original, exclude)

	best := argmax(p)
	res := Result{
		Species:    e.catalog.Name(best),
		Confidence: p[best],
		Index:      best,
	}

	overridden := false
	if exclude.Contains(res.Species) {
		idx, ok := e.firstAllowed(original, exclude, math.Inf(-1))
		if !ok {
			e.metrics.Inferences.WithLabelValues("exhausted").Inc()
			return Result{}, nil, ErrExclusionExhausted
		}
		e.logger.Warn("masked winner was excluded, falling back to original ranking",
			zap.String("masked", res.Species),
			zap.String("fallback", e.catalog.Name(idx)))
		res = Result{Species: e.catalog.Name(idx), Confidence: original[idx], Index: idx}
		overridden = true
	}

	if !overridden && res.Confidence < minConfidence {
		if idx, ok := e.firstAllowed(original, exclude, minConfidence); ok {
			res = Result{Species: e.catalog.Name(idx), Confidence: original[idx], Index: idx}
		}
	}

	res.Ranked = e.rank(original, exclude, MaxRanked)
	e.metrics.Inferences.WithLabelValues("ok").Inc()
	return res, original, nil
}

// mask sets excluded entries to maskEpsilon and renormalizes. If the masked
// vector has no mass, it falls back to the original with excluded entries
// zeroed.
func (e *Engine) mask(original []float64, exclude Exclusion) []float64 {
	p := make([]float64, len(original))
	copy(p, original)
	if exclude.Len() == 0 {
		return p
	}

	excluded := e.excludedIndexes(exclude)
	for _, idx := range excluded {
		p[idx] = maskEpsilon
	}

	var sum float64
	for _, v := range p {
		sum += v
	}
	if sum > 0 {
		for i := range p {
			p[i] /= sum
		}
		return p
	}

	copy(p, original)
	for _, idx := range excluded {
		p[idx] = 0
	}
	return p
}

func (e *Engine) excludedIndexes(exclude Exclusion) []int {
	out := make([]int, 0, exclude.Len())
	for _, name := range exclude.Names() {
		if idx, ok := e.catalog.Index(name); ok {
			out = append(out, idx)
		}
	}
	return out
}

// firstAllowed walks original in descending order and returns the first
// index that is not excluded and scores strictly above floor.
func (e *Engine) firstAllowed(original []float64, exclude Exclusion, floor float64) (int, bool) {
	for _, idx := range descending(original) {
		if exclude.Contains(e.catalog.Name(idx)) {
			continue
		}
		if original[idx] > floor {
			return idx, true
		}
	}
	return 0, false
}

func (e *Engine) rank(original []float64, exclude Exclusion, limit int) []Candidate {
	out := make([]Candidate, 0, min(limit, len(original)))
	for _, idx := range descending(original) {
		if len(out) == limit {
			break
		}
		name := e.catalog.Name(idx)
		if exclude.Contains(name) {
			continue
		}
		out = append(out, Candidate{Species: name, Confidence: original[idx], Index: idx})
	}
	return out
}

// descending returns indexes ordered by score, ties broken by lower index.
func descending(p []float64) []int {
	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return p[idx[a]] > p[idx[b]]
	})
	return idx
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

// sanitize copies raw, mapping NaN and negative scores to zero.
func sanitize(raw []float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || v < 0 {
			continue
		}
		out[i] = v
	}
	return out
}
