// Package retrieval implements deterministic keyword retrieval over the
// corpus: BM25 scoring with fixed parameters, lowercase-alphanumeric
// tokenization, and lexicographic tie-breaks. No randomness, no clocks.
package retrieval

import (
	"math"
	"sort"
	"strings"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/corpus"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Options bound a retrieval pass. Every field lands in the Config record so
// that a parameter change surfaces as an inputs_hash change.
type Options struct {
	Query        string
	TopK         int
	Roots        []string
	IncludeGlobs []string
	ExcludeGlobs []string
	MaxFiles     int
}

// Item is one selected document.
type Item struct {
	Path      string  `json:"path"`
	SHA256    string  `json:"sha256"`
	SizeBytes int     `json:"size_bytes"`
	Score     float64 `json:"score"`
}

// Config is the audit record of every parameter that shaped the selection.
type Config struct {
	Method        string   `json:"method"`
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	Roots         []string `json:"roots"`
	IncludeGlobs  []string `json:"include_globs"`
	ExcludeGlobs  []string `json:"exclude_globs"`
	MaxFiles      int      `json:"max_files"`
	NumCandidates int      `json:"num_candidates"`
	Tokenization  string   `json:"tokenization"`
	Scoring       string   `json:"scoring"`
	BM25K1        float64  `json:"bm25_k1"`
	BM25B         float64  `json:"bm25_b"`
}

type candidate struct {
	path    string
	content string
	sha256  string
	size    int
	tokens  []string
	score   float64
}

// Retrieve scores every candidate document against the query and returns the
// top-k with stable ordering: descending score, then ascending path.
func Retrieve(reader *corpus.Reader, opts Options) ([]Item, map[string]string, Config, error) {
	roots := opts.Roots
	if len(roots) == 0 {
		roots = []string{"corpus"}
	}
	include := opts.IncludeGlobs
	if len(include) == 0 {
		include = []string{"**/*.md", "**/*.txt"}
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 200
	}

	cfg := Config{
		Method:       "keyword",
		Query:        opts.Query,
		TopK:         opts.TopK,
		Roots:        roots,
		IncludeGlobs: include,
		ExcludeGlobs: opts.ExcludeGlobs,
		MaxFiles:     maxFiles,
		Tokenization: "lowercase_alphanumeric",
		Scoring:      "bm25",
		BM25K1:       bm25K1,
		BM25B:        bm25B,
	}

	var candidates []candidate
	seen := map[string]struct{}{}
	for _, root := range roots {
		paths, err := reader.Glob(root, include, opts.ExcludeGlobs, maxFiles-len(candidates))
		if err != nil {
			return nil, nil, cfg, err
		}
		for _, rel := range paths {
			if _, dup := seen[rel]; dup {
				continue
			}
			seen[rel] = struct{}{}
			raw, err := reader.Read(rel)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{
				path:    rel,
				content: string(raw),
				sha256:  canonical.SHA256(raw),
				size:    len(raw),
				tokens:  tokenize(string(raw)),
			})
			if len(candidates) >= maxFiles {
				break
			}
		}
		if len(candidates) >= maxFiles {
			break
		}
	}
	cfg.NumCandidates = len(candidates)
	if len(candidates) == 0 {
		return nil, map[string]string{}, cfg, nil
	}

	queryTokens := tokenize(opts.Query)
	docFreq := map[string]int{}
	totalLen := 0
	for _, c := range candidates {
		totalLen += len(c.tokens)
		for term := range uniqueTerms(c.tokens) {
			docFreq[term]++
		}
	}
	avgLen := float64(totalLen) / float64(len(candidates))

	for i := range candidates {
		candidates[i].score = bm25Score(queryTokens, candidates[i].tokens, docFreq, len(candidates), avgLen)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})

	topK := opts.TopK
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	items := make([]Item, 0, topK)
	contents := make(map[string]string, topK)
	for _, c := range candidates[:topK] {
		items = append(items, Item{Path: c.path, SHA256: c.sha256, SizeBytes: c.size, Score: c.score})
		contents[c.path] = c.content
	}
	return items, contents, cfg, nil
}

func bm25Score(queryTokens, docTokens []string, docFreq map[string]int, numDocs int, avgLen float64) float64 {
	docLen := float64(len(docTokens))
	termFreq := map[string]int{}
	for _, tok := range docTokens {
		termFreq[tok]++
	}
	score := 0.0
	for term := range uniqueTerms(queryTokens) {
		tf, ok := termFreq[term]
		if !ok {
			continue
		}
		df := docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log((float64(numDocs)-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
		normTF := float64(tf) / (float64(tf) + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		score += idf * normTF
	}
	return score
}

func uniqueTerms(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	var tokens []string
	var b strings.Builder
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
