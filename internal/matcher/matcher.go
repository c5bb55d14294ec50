// Package matcher scores unlinked rights records against a reference
// discography by title and merges the confident matches.
package matcher

import (
	"runtime"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/iter"

	"github.com/makeasinger/rightsmatch/internal/model"
)

const (
	// Threshold is the minimum score a record needs to be kept.
	Threshold = 1.0

	partialWordLen = 3
)

// ProgressFunc receives the number of scored records out of the total.
// Calls are serialized and done is strictly increasing.
type ProgressFunc func(done, total int)

// Options selects the fields the engine reads and how wide it fans out.
type Options struct {
	UnlinkedTitleField string
	UnlinkedIDField    string
	CatalogTitleField  string
	Workers            int
}

func DefaultOptions() Options {
	return Options{
		UnlinkedTitleField: model.FieldRecordingTitle,
		UnlinkedIDField:    model.FieldRecordingID,
		CatalogTitleField:  model.FieldTrackTitle,
		Workers:            runtime.NumCPU(),
	}
}

// Engine matches unlinked records against catalog records.
type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.UnlinkedTitleField == "" {
		opts.UnlinkedTitleField = def.UnlinkedTitleField
	}
	if opts.UnlinkedIDField == "" {
		opts.UnlinkedIDField = def.UnlinkedIDField
	}
	if opts.CatalogTitleField == "" {
		opts.CatalogTitleField = def.CatalogTitleField
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	return &Engine{opts: opts}
}

// Match is shorthand for New(DefaultOptions()).Match.
func Match(unlinked, catalog []model.Record, onProgress ProgressFunc) []model.Record {
	return New(DefaultOptions()).Match(unlinked, catalog, onProgress)
}

type scored struct {
	score        float64
	catalogIndex int
}

// Match scores every unlinked record against the whole catalog, keeps those
// scoring at least Threshold, merges each with its best catalog record and
// drops later duplicates of the same identifier.
func (e *Engine) Match(unlinked, catalog []model.Record, onProgress ProgressFunc) []model.Record {
	if len(unlinked) == 0 {
		return []model.Record{}
	}

	catalogTitles := make([]title, len(catalog))
	for i, rec := range catalog {
		catalogTitles[i] = newTitle(rec.String(e.opts.CatalogTitleField))
	}

	var (
		mu   sync.Mutex
		done int
	)
	total := len(unlinked)
	mapper := iter.Mapper[model.Record, scored]{MaxGoroutines: e.opts.Workers}
	scores := mapper.Map(unlinked, func(rec *model.Record) scored {
		s := bestMatch(rec.String(e.opts.UnlinkedTitleField), catalogTitles)
		mu.Lock()
		done++
		if onProgress != nil {
			onProgress(done, total)
		}
		mu.Unlock()
		return s
	})

	merged := make([]model.Record, 0, len(unlinked))
	seen := make(map[string]struct{}, len(unlinked))
	for i, s := range scores {
		if s.score < Threshold {
			continue
		}
		rec := unlinked[i]
		id := rec.IdentityKey(e.opts.UnlinkedIDField)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, mergeRecords(rec, catalog[s.catalogIndex], s.score))
	}
	return merged
}

// Score compares two titles. It is symmetric in its arguments.
func Score(a, b string) float64 {
	ta := newTitle(a)
	if ta.empty() {
		return 0
	}
	return ta.score(newTitle(b))
}

func bestMatch(unlinkedTitle string, catalog []title) scored {
	best := scored{}
	t := newTitle(unlinkedTitle)
	if t.empty() {
		return best
	}
	for i, c := range catalog {
		if s := t.score(c); s > best.score {
			best = scored{score: s, catalogIndex: i}
		}
	}
	return best
}

// mergeRecords overlays the catalog record on the unlinked one, so catalog
// fields win on name collisions.
func mergeRecords(unlinked, catalog model.Record, score float64) model.Record {
	out := make(model.Record, len(unlinked)+len(catalog)+1)
	for k, v := range unlinked {
		out[k] = v
	}
	out[model.FieldSimilarityScore] = score
	for k, v := range catalog {
		out[k] = v
	}
	return out
}

type title struct {
	wordCount    int
	partialCount int
	words        map[string]struct{}
	partials     map[string]struct{}
}

func newTitle(s string) title {
	fields := strings.Fields(strings.ToLower(s))
	t := title{
		wordCount:    len(fields),
		partialCount: len(fields),
		words:        make(map[string]struct{}, len(fields)),
		partials:     make(map[string]struct{}, len(fields)),
	}
	for _, w := range fields {
		t.words[w] = struct{}{}
		t.partials[truncate(w, partialWordLen)] = struct{}{}
	}
	return t
}

func (t title) empty() bool {
	return t.wordCount == 0
}

// score divides set overlaps by raw word counts, so repeated words lower the result.
func (t title) score(o title) float64 {
	if t.empty() && o.empty() {
		return 0
	}
	wordOverlap := overlap(t.words, o.words)
	partialOverlap := overlap(t.partials, o.partials)
	return float64(wordOverlap)/float64(t.wordCount+o.wordCount) +
		float64(partialOverlap)/float64(t.partialCount+o.partialCount)
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// truncate cuts a word to its first n characters.
func truncate(w string, n int) string {
	r := []rune(w)
	if len(r) <= n {
		return w
	}
	return string(r[:n])
}
