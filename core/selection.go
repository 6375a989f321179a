package core

import (
	"sync"

	"github.com/signalsfoundry/orbit-visualizer/kb"
)

// SelectionListener is notified after the selected object changes. Either
// argument may be empty.
type SelectionListener func(prev, next string)

// Selection holds the single selected object. It only ever points at an ID
// that exists in the catalog and is selectable.
type Selection struct {
	catalog *kb.Catalog

	mu        sync.RWMutex
	selected  string
	listeners []SelectionListener
}

// NewSelection starts with defaultID when it is a valid choice, otherwise
// with the first selectable catalog entry.
func NewSelection(catalog *kb.Catalog, defaultID string) *Selection {
	s := &Selection{catalog: catalog}
	if s.selectable(defaultID) {
		s.selected = defaultID
		return s
	}
	for _, obj := range catalog.Objects() {
		if obj.Status.Selectable() {
			s.selected = obj.ID
			break
		}
	}
	return s
}

func (s *Selection) selectable(id string) bool {
	if id == "" || s.catalog == nil {
		return false
	}
	obj, ok := s.catalog.Get(id)
	return ok && obj.Status.Selectable()
}

// Selected returns the current selection, or "" when nothing is selected.
func (s *Selection) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Select makes id the selection. Unknown or non-selectable IDs leave the
// state untouched. It reports whether the selection changed.
func (s *Selection) Select(id string) bool {
	if !s.selectable(id) {
		return false
	}
	return s.set(id)
}

// Clear removes the selection.
func (s *Selection) Clear() bool {
	return s.set("")
}

func (s *Selection) set(id string) bool {
	s.mu.Lock()
	prev := s.selected
	if prev == id {
		s.mu.Unlock()
		return false
	}
	s.selected = id
	listeners := append([]SelectionListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, id)
	}
	return true
}

// OnChange registers fn for selection changes.
func (s *Selection) OnChange(fn SelectionListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
