package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"graphkeep/internal/store"
)

type lexicalDoc struct {
	text string
}

// Lexical is a naive in-memory keyword index, used as the default
// LexicalIndex pre-filter in tests and small deployments.
type Lexical struct {
	mu   sync.RWMutex
	docs map[string]lexicalDoc
}

// NewLexical constructs an empty in-memory LexicalIndex.
func NewLexical() *Lexical {
	return &Lexical{docs: make(map[string]lexicalDoc)}
}

func (l *Lexical) Index(_ context.Context, id, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.docs[id] = lexicalDoc{text: text}
	return nil
}

func (l *Lexical) Remove(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.docs, id)
	return nil
}

func (l *Lexical) Search(_ context.Context, query string, limit int) ([]store.LexicalMatch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	results := make([]store.LexicalMatch, 0, limit)
	for id, d := range l.docs {
		lt := strings.ToLower(d.text)
		var score float64
		for _, t := range terms {
			if t == "" {
				continue
			}
			if c := strings.Count(lt, t); c > 0 {
				score += float64(c)
			}
		}
		if score > 0 {
			snippet := d.text
			if len(snippet) > 160 {
				snippet = snippet[:160]
			}
			results = append(results, store.LexicalMatch{ID: id, Score: score, Snippet: snippet})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
