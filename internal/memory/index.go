package memory

import (
	"math"
	"strings"
	"sync"
)

// bm25Index is a persistent-in-process inverted index over MemoryItem
// summaries and tags, built from Tier 3's on-disk items on load and updated
// in place by Put/Remove on every item write (spec.md §4.2 "Search").
// BM25+ is the standard term-weighting refinement of BM25 that adds a
// small floor δ to term frequency, avoiding BM25's tendency to
// under-score long documents that still contain the query term.
type bm25Index struct {
	mu    sync.Mutex
	docs  map[string][]string // itemID -> tokens
	dirty bool
}

const (
	bm25K1    = 1.2
	bm25B     = 0.75
	bm25Delta = 1.0
)

func newBM25Index() *bm25Index {
	return &bm25Index{docs: make(map[string][]string)}
}

func tokenizeText(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	return fields
}

// Put indexes (or reindexes) one item's summary+tags.
func (idx *bm25Index) Put(itemID, summary string, tags []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	doc := tokenizeText(summary)
	doc = append(doc, tokenizeText(strings.Join(tags, " "))...)
	idx.docs[itemID] = doc
}

// Remove drops an item from the index (soft-deleted items).
func (idx *bm25Index) Remove(itemID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.docs, itemID)
}

// Score returns BM25+ relevance for itemID against a query; 0 for an
// empty query (spec.md §4.2, "empty query ⇒ 0").
func (idx *bm25Index) Score(itemID, query string) float64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	queryTerms := tokenizeText(query)
	if len(queryTerms) == 0 {
		return 0
	}
	doc, ok := idx.docs[itemID]
	if !ok {
		return 0
	}
	avgLen := idx.avgDocLenLocked()
	docLen := float64(len(doc))
	termFreq := make(map[string]int, len(doc))
	for _, t := range doc {
		termFreq[t]++
	}

	var score float64
	n := float64(len(idx.docs))
	for _, qt := range queryTerms {
		df := idx.docFreqLocked(qt)
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		tf := float64(termFreq[qt])
		if tf == 0 {
			continue
		}
		denom := tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen)
		score += idf * (bm25Delta + (tf*(bm25K1+1))/denom)
	}
	return score
}

func (idx *bm25Index) avgDocLenLocked() float64 {
	if len(idx.docs) == 0 {
		return 1
	}
	total := 0
	for _, d := range idx.docs {
		total += len(d)
	}
	return float64(total) / float64(len(idx.docs))
}

func (idx *bm25Index) docFreqLocked(term string) int {
	count := 0
	for _, d := range idx.docs {
		for _, t := range d {
			if t == term {
				count++
				break
			}
		}
	}
	return count
}
