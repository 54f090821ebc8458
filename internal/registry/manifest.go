package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Embedder produces a vector embedding for a piece of text, used by the
// manifest-mode prefilter.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Picker runs the second-stage LLM pick over the prefiltered shortlist,
// returning the chosen skill names in the order the cell should see them.
type Picker func(ctx context.Context, instructions string, candidates []*Skill) ([]string, error)

const manifestPrefilterSize = 30

// ResolveManifest implements manifest mode: given a cell's
// instructions, prefilter registered skills by embedding similarity to
// ~30 candidates, then run an LLM pick to produce the final shortlist
// injected as the cell's tool schemas.
func (r *Registry) ResolveManifest(ctx context.Context, instructions string, embedder Embedder, pick Picker) ([]*Skill, error) {
	all := r.List("")
	if len(all) == 0 {
		return nil, nil
	}
	shortlist := all
	if embedder != nil && len(all) > manifestPrefilterSize {
		ranked, err := rankByEmbedding(ctx, instructions, all, embedder)
		if err != nil {
			return nil, fmt.Errorf("registry: manifest prefilter: %w", err)
		}
		shortlist = ranked[:manifestPrefilterSize]
	}
	if pick == nil {
		return shortlist, nil
	}
	names, err := pick(ctx, instructions, shortlist)
	if err != nil {
		return nil, fmt.Errorf("registry: manifest pick: %w", err)
	}
	picked := make([]*Skill, 0, len(names))
	for _, n := range names {
		if s, err := r.Get(n); err == nil {
			picked = append(picked, s)
		}
	}
	return picked, nil
}

func rankByEmbedding(ctx context.Context, instructions string, candidates []*Skill, embedder Embedder) ([]*Skill, error) {
	target, err := embedder.Embed(ctx, instructions)
	if err != nil {
		return nil, err
	}
	type scored struct {
		skill *Skill
		score float64
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, s := range candidates {
		vec, err := embedder.Embed(ctx, s.Name)
		if err != nil {
			continue
		}
		scoredList = append(scoredList, scored{skill: s, score: cosine(target, vec)})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })
	out := make([]*Skill, len(scoredList))
	for i, sc := range scoredList {
		out[i] = sc.skill
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
