// Package knowledge serves lore snippets to the context assembler. Documents
// are yaml files; a document's category decides which personas may read it.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/keshon/chorus/internal/logging"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Document is one retrievable entry.
type Document struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Category string   `yaml:"category"` // empty means public
	Tags     []string `yaml:"tags"`
	Text     string   `yaml:"text"`
}

// Snippet is a lookup result.
type Snippet struct {
	Title    string
	Category string
	Text     string
	Score    float64
}

// Retriever is the lookup collaborator used by the pipeline.
type Retriever interface {
	Lookup(ctx context.Context, query string, categories []string, topK int) ([]Snippet, error)
}

type file struct {
	Documents []Document `yaml:"documents"`
}

type indexed struct {
	doc   Document
	terms map[string]int
	tags  map[string]bool
}

// Index is an in-memory keyword index. Safe for concurrent use; Load
// swaps the whole document set.
type Index struct {
	mu   sync.RWMutex
	docs []indexed
	log  zerolog.Logger
}

func NewIndex() *Index {
	return &Index{log: logging.Component("knowledge")}
}

// Load replaces the index with every yaml document under dir. A missing
// dir yields an empty index. Malformed files are skipped and logged.
func (ix *Index) Load(dir string) (int, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			ix.log.Warn().Err(err).Str("file", path).Msg("skipping knowledge file")
			return nil
		}
		var f file
		if err := yaml.Unmarshal(raw, &f); err != nil {
			ix.log.Warn().Err(err).Str("file", path).Msg("skipping knowledge file")
			return nil
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for i, doc := range f.Documents {
			if strings.TrimSpace(doc.Text) == "" {
				continue
			}
			if doc.ID == "" {
				doc.ID = fmt.Sprintf("%s#%d", base, i)
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("load knowledge: %w", err)
	}

	n := ix.Replace(docs...)
	ix.log.Info().Int("documents", n).Str("dir", dir).Msg("knowledge loaded")
	return n, nil
}

// Replace swaps the whole document set. Documents without text are dropped.
func (ix *Index) Replace(docs ...Document) int {
	built := make([]indexed, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		built = append(built, index(d))
	}
	ix.mu.Lock()
	ix.docs = built
	ix.mu.Unlock()
	return len(built)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

func index(doc Document) indexed {
	doc.Category = normalize(doc.Category)
	in := indexed{doc: doc, terms: make(map[string]int), tags: make(map[string]bool)}
	for _, t := range words(doc.Title + " " + doc.Text) {
		in.terms[t]++
	}
	for _, t := range doc.Tags {
		in.tags[normalize(t)] = true
	}
	return in
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Visible reports whether a document in category may be read by a persona
// whose knowledge filter is filter. Uncategorised documents are public.
// Both sides are compared case-insensitively.
func Visible(category string, filter []string) bool {
	category = normalize(category)
	if category == "" {
		return true
	}
	return slices.ContainsFunc(filter, func(f string) bool { return normalize(f) == category })
}

// Lookup returns up to topK snippets matching query, best first. Documents
// whose category is not in categories are never returned.
func (ix *Index) Lookup(ctx context.Context, query string, categories []string, topK int) ([]Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := terms(query)
	if len(q) == 0 || topK <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Snippet
	for _, d := range ix.docs {
		if !Visible(d.doc.Category, categories) {
			continue
		}
		score := 0.0
		for _, t := range q {
			if n := d.terms[t]; n > 0 {
				score += 1 + 0.1*float64(min(n, 5))
			}
			if d.tags[t] {
				score += 2
			}
		}
		if score == 0 {
			continue
		}
		out = append(out, Snippet{Title: d.doc.Title, Category: d.doc.Category, Text: strings.TrimSpace(d.doc.Text), Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Title < out[j].Title
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// words lower-cases and splits text, dropping words under three letters.
func words(s string) []string {
	all := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := all[:0]
	for _, w := range all {
		if len([]rune(w)) >= 3 {
			out = append(out, w)
		}
	}
	return out
}

// terms is words without repeats, in first-seen order.
func terms(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range words(s) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
