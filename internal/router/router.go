// Package router implements task classification and provider selection
// (C7, spec.md §4.3). There is no teacher analogue for keyword-weighted
// classification; the scoring and selection procedures follow spec.md
// §4.3's literal rules. The candidate-set/tie-break shape (derive
// requirements, filter by capability, apply a soft ceiling, tie-break by
// mode) mirrors the filter-then-select structure of
// features/policy/basic/engine.go's Decide (index metadata, build
// candidates, filter, apply a final hint), generalized from tool
// selection to provider selection.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/task"
)

// SelectionMode governs the provider tie-break procedure.
type SelectionMode string

const (
	ModeProviderOnly    SelectionMode = "provider_only"
	ModeRespectRanking  SelectionMode = "respect_ranking"
	ModeOptimizeCost    SelectionMode = "optimize_cost"
	ModeRoundRobin      SelectionMode = "round_robin"
)

var costRank = map[string]int{"free": 0, "included": 1, "metered": 2, "premium": 3}

var keywordSets = map[task.ResourceType][]string{
	task.ResourceReasoning: {"why", "analyze", "reason", "explain", "think", "evaluate", "compare", "decide"},
	task.ResourceCoding:    {"code", "function", "bug", "implement", "refactor", "compile", "debug", "test"},
	task.ResourceData:      {"data", "csv", "table", "query", "dataset", "spreadsheet", "schema"},
	task.ResourceCreative:  {"story", "poem", "creative", "design", "brainstorm", "imagine"},
	task.ResourceSearch:    {"search", "find", "lookup", "research", "browse", "latest"},
}

// Router classifies tasks and selects a provider.
type Router struct {
	mu           sync.Mutex
	providers    []provider.Provider
	breakers     *circuitbreaker.Registry
	mode         SelectionMode
	roundRobinIx int
}

// New constructs a Router over a fixed provider set (loaded at boot,
// immutable for the process lifetime per spec.md §3 "Provider").
func New(providers []provider.Provider, breakers *circuitbreaker.Registry, mode SelectionMode) *Router {
	return &Router{providers: providers, breakers: breakers, mode: mode}
}

// Classify scores the prompt against five keyword sets (reasoning weighted
// 2×) and derives complexity (spec.md §4.3 "Classification").
func Classify(prompt string) task.Classification {
	lower := strings.ToLower(prompt)
	scores := make(map[task.ResourceType]int, len(keywordSets))
	nonZero := 0
	for rt, words := range keywordSets {
		score := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if rt == task.ResourceReasoning {
			score *= 2
		}
		scores[rt] = score
		if score > 0 {
			nonZero++
		}
	}

	best := task.ResourceReasoning
	bestScore := -1
	for _, rt := range []task.ResourceType{
		task.ResourceReasoning, task.ResourceCoding, task.ResourceData,
		task.ResourceCreative, task.ResourceSearch,
	} {
		if scores[rt] > bestScore {
			bestScore = scores[rt]
			best = rt
		}
	}
	if bestScore == 0 {
		best = task.ResourceMixed
		if nonZero == 0 {
			best = task.ResourceReasoning
		}
	}

	complexity := task.ComplexityModerate
	switch {
	case containsAny(lower, "refactor", "security", "architect") || nonZero >= 3:
		complexity = task.ComplexityComplex
	case len(prompt) < 80 && !strings.Contains(lower, "research"):
		complexity = task.ComplexitySimple
	}

	return task.Classification{Complexity: complexity, ResourceType: best}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ProvidersSnapshot returns the router's fixed provider set, for callers
// that need to enumerate providers (health/quota HTTP handlers) without
// going through Select.
func (r *Router) ProvidersSnapshot() []provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]provider.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// requiredCapabilities derives capability tags from a classification
// (spec.md §4.3 step 3: "resource-type → capability; complex adds reasoning").
func requiredCapabilities(c task.Classification) []string {
	var caps []string
	switch c.ResourceType {
	case task.ResourceReasoning:
		caps = append(caps, "reasoning")
	case task.ResourceCoding:
		caps = append(caps, "coding")
	case task.ResourceData:
		caps = append(caps, "structured-data")
	case task.ResourceCreative:
		caps = append(caps, "creative")
	case task.ResourceSearch:
		caps = append(caps, "search")
	}
	if c.Complexity == task.ComplexityComplex {
		caps = appendUnique(caps, "reasoning")
	}
	return caps
}

func appendUnique(caps []string, c string) []string {
	for _, existing := range caps {
		if existing == c {
			return caps
		}
	}
	return append(caps, c)
}

// Select implements spec.md §4.3 "Selection", excluding any provider named
// in exclude (used by FailoverController to rule out the failed provider).
func (r *Router) Select(ctx context.Context, t task.Task, exclude map[string]struct{}) (provider.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == ModeProviderOnly && len(r.providers) > 0 {
		if p := r.providers[0]; p.IsAvailable(ctx) && !excluded(exclude, p.Name()) {
			return p, true
		}
	}
	if t.ModelPreference != "" {
		for _, p := range r.providers {
			if p.Name() == t.ModelPreference && !excluded(exclude, p.Name()) && p.IsAvailable(ctx) {
				return p, true
			}
		}
	}

	required := requiredCapabilities(t.Classification)
	candidates := r.candidates(ctx, required, exclude)
	if len(candidates) == 0 {
		return nil, false
	}

	if t.MaxCostTier != "" {
		ceiled := filterByCostCeiling(candidates, t.MaxCostTier)
		if len(ceiled) > 0 {
			candidates = ceiled
		}
		// else: soft filter emptied the set, fall through unfiltered (spec.md
		// §4.3 step 5: "a working expensive provider beats a failed task").
	}

	return r.tieBreak(candidates), true
}

func excluded(exclude map[string]struct{}, name string) bool {
	if exclude == nil {
		return false
	}
	_, ok := exclude[name]
	return ok
}

func (r *Router) candidates(ctx context.Context, required []string, exclude map[string]struct{}) []provider.Provider {
	var out []provider.Provider
	for _, p := range r.providers {
		if excluded(exclude, p.Name()) {
			continue
		}
		if !hasAllCapabilities(p.Capabilities(), required) {
			continue
		}
		if !p.IsAvailable(ctx) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func filterByCostCeiling(candidates []provider.Provider, ceiling string) []provider.Provider {
	max, ok := costRank[ceiling]
	if !ok {
		return candidates
	}
	var out []provider.Provider
	for _, p := range candidates {
		if rank, ok := costRank[p.CostTier()]; ok && rank <= max {
			out = append(out, p)
		}
	}
	return out
}

func (r *Router) tieBreak(candidates []provider.Provider) provider.Provider {
	switch r.mode {
	case ModeOptimizeCost:
		best := candidates[0]
		for _, p := range candidates[1:] {
			if costRank[p.CostTier()] < costRank[best.CostTier()] ||
				(costRank[p.CostTier()] == costRank[best.CostTier()] && p.Rank() < best.Rank()) {
				best = p
			}
		}
		return best
	case ModeRoundRobin:
		idx := r.roundRobinIx % len(candidates)
		r.roundRobinIx++
		return candidates[idx]
	default: // respect_ranking and provider_only fallback
		best := candidates[0]
		for _, p := range candidates[1:] {
			if p.Rank() < best.Rank() {
				best = p
			}
		}
		return best
	}
}
