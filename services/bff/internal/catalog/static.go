package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

//go:embed static_catalog.json
var staticCatalogJSON []byte

// Static is the bundled dataset served when the catalog API is unreachable.
type Static struct {
	items []domain.MediaSummary
	byID  map[int]domain.MediaSummary
}

// LoadStatic decodes the embedded dataset.
func LoadStatic() (*Static, error) {
	return ParseStatic(staticCatalogJSON)
}

// ParseStatic decodes a JSON array of MediaSummary records.
func ParseStatic(b []byte) (*Static, error) {
	var items []domain.MediaSummary
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("catalog: static dataset: %w", err)
	}
	s := &Static{items: items, byID: make(map[int]domain.MediaSummary, len(items))}
	for i := range items {
		if items[i].Genres == nil {
			items[i].Genres = []string{}
		}
		s.byID[items[i].ID] = items[i]
	}
	return s, nil
}

// Filter applies q's kind, genres and search term, then paginates.
func (s *Static) Filter(q Query) []domain.MediaSummary {
	term := strings.ToLower(strings.TrimSpace(q.Search))
	genres := normalizeGenres(q.Genres)
	out := make([]domain.MediaSummary, 0)
	for _, it := range s.items {
		if q.Kind != "" && it.MediaKind != q.Kind {
			continue
		}
		if len(genres) > 0 && !it.HasAnyGenre(genres) {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(it.Title), term) {
			continue
		}
		out = append(out, it)
	}
	return paginate(out, q.Page, q.PerPage)
}

func (s *Static) Get(id int) (domain.MediaSummary, bool) {
	it, ok := s.byID[id]
	return it, ok
}

func paginate(items []domain.MediaSummary, page, perPage int) []domain.MediaSummary {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		return items
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return []domain.MediaSummary{}
	}
	end := min(start+perPage, len(items))
	return items[start:end]
}

// normalizeGenres drops blanks and treats "All" as no filter.
func normalizeGenres(genres []string) []string {
	var out []string
	for _, g := range genres {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if strings.EqualFold(g, "All") {
			return nil
		}
		out = append(out, g)
	}
	return out
}
