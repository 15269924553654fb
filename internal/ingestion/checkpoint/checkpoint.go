// Package checkpoint records which input files have been fully processed.
// A file is marked only after its rows are committed to the destination, and
// a mark is never removed.
package checkpoint

import (
	"context"
	"sort"
	"time"
)

// FileMark records one processed file.
type FileMark struct {
	Name        string    `json:"name"`
	Rows        int       `json:"rows"`
	Rejected    int       `json:"rejected"`
	CommittedAt time.Time `json:"committed_at"`
}

// State is an immutable set of processed files. The zero value is empty.
type State struct {
	files map[string]FileMark
}

// NewState builds a State from marks. Later marks for the same name are
// ignored.
func NewState(marks ...FileMark) State {
	return State{}.With(marks)
}

// Has reports whether name has been processed.
func (s State) Has(name string) bool {
	_, ok := s.files[name]
	return ok
}

// Len returns the number of processed files.
func (s State) Len() int {
	return len(s.files)
}

// Mark returns the mark recorded for name.
func (s State) Mark(name string) (FileMark, bool) {
	m, ok := s.files[name]
	return m, ok
}

// Marks returns all marks ordered by file name.
func (s State) Marks() []FileMark {
	out := make([]FileMark, 0, len(s.files))
	for _, m := range s.files {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// With returns a new State holding s plus marks. s itself is not modified,
// and names already present keep their original mark.
func (s State) With(marks []FileMark) State {
	next := make(map[string]FileMark, len(s.files)+len(marks))
	for name, m := range s.files {
		next[name] = m
	}
	for _, m := range marks {
		if _, ok := next[m.Name]; ok {
			continue
		}
		next[m.Name] = m
	}
	return State{files: next}
}

// fresh returns the marks not yet present in s, dropping repeats.
func (s State) fresh(marks []FileMark) []FileMark {
	seen := make(map[string]bool, len(marks))
	out := make([]FileMark, 0, len(marks))
	for _, m := range marks {
		if s.Has(m.Name) || seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		out = append(out, m)
	}
	return out
}

// Store persists checkpoint state. Advance must be durable before it
// returns; on error the caller keeps using the state it passed in.
type Store interface {
	Load(ctx context.Context) (State, error)
	Advance(ctx context.Context, state State, marks []FileMark) (State, error)
}
