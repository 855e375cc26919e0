package userdata

import "github.com/komacorner/koma-corner/services/bff/internal/domain"

// storeCell adapts one collection of a Store to Cell. Restore is skipped once the
// store has been cleared after the matching Update.
type storeCell[S any] struct {
	s     *Store
	get   func() S
	set   func(S)
	clone func(S) S
	gen   uint64
}

func (c *storeCell[S]) Update(fn func(S) S) S {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.gen = c.s.gen
	cur := c.get()
	prev := c.clone(cur)
	c.set(fn(c.clone(cur)))
	return prev
}

func (c *storeCell[S]) Restore(v S) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.gen != c.gen {
		return
	}
	c.set(v)
}

func (s *Store) listCell(name domain.ListName) Cell[[]domain.ListEntry] {
	return &storeCell[[]domain.ListEntry]{
		s:     s,
		get:   func() []domain.ListEntry { return s.lists[name] },
		set:   func(l []domain.ListEntry) { s.lists[name] = l },
		clone: cloneList,
	}
}

func (s *Store) ratingsCell() Cell[map[string]int] {
	return &storeCell[map[string]int]{
		s:     s,
		get:   func() map[string]int { return s.ratings },
		set:   func(m map[string]int) { s.ratings = m },
		clone: cloneRatings,
	}
}

func (s *Store) progressCell() Cell[map[domain.ProgressKey]int] {
	return &storeCell[map[domain.ProgressKey]int]{
		s:   s,
		get: func() map[domain.ProgressKey]int { return s.progress },
		set: func(m map[domain.ProgressKey]int) { s.progress = m },
		clone: func(m map[domain.ProgressKey]int) map[domain.ProgressKey]int {
			out := make(map[domain.ProgressKey]int, len(m))
			for k, v := range m {
				out[k] = v
			}
			return out
		},
	}
}
