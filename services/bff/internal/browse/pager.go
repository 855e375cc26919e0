// Package browse assembles the discover grid, the library and the dashboard
// from the catalog and the user's data.
package browse

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/catalog"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// Source is the part of the catalog the browse views read.
type Source interface {
	Trending(ctx context.Context, q catalog.Query) []domain.MediaSummary
	Search(ctx context.Context, q catalog.Query) []domain.MediaSummary
	Details(ctx context.Context, rawID string) *domain.MediaDetail
	MinimalByIDs(ctx context.Context, rawIDs []string) []domain.MinimalMedia
}

type KindFilter string

const (
	FilterAnime KindFilter = "anime"
	FilterManga KindFilter = "manga"
	FilterBoth  KindFilter = "both"
)

// ParseKindFilter accepts anime, manga or both in any case. Anything else is anime.
func ParseKindFilter(s string) KindFilter {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manga":
		return FilterManga
	case "both":
		return FilterBoth
	default:
		return FilterAnime
	}
}

// kindForPage picks the media kind to fetch. Both alternates: odd pages anime,
// even pages manga.
func (k KindFilter) kindForPage(page int) domain.MediaKind {
	switch k {
	case FilterManga:
		return domain.KindManga
	case FilterBoth:
		if page%2 == 0 {
			return domain.KindManga
		}
		return domain.KindAnime
	default:
		return domain.KindAnime
	}
}

type Filters struct {
	Kind   KindFilter `json:"kind"`
	Genres []string   `json:"genres"`
	Query  string     `json:"query"`
}

// genreFilter returns nil when no filtering applies.
func (f Filters) genreFilter() []string {
	var out []string
	for _, g := range f.Genres {
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

func (f Filters) key(page int) string {
	return fmt.Sprintf("%s|%s|%s|%d", f.Kind, strings.Join(f.genreFilter(), ","), strings.TrimSpace(f.Query), page)
}

// Snapshot is the serializable pager state.
type Snapshot struct {
	Filters     Filters               `json:"filters"`
	Items       []domain.MediaSummary `json:"items"`
	Page        int                   `json:"page"`
	HasMore     bool                  `json:"hasMore"`
	Busy        bool                  `json:"busy"`
	LoadingMore bool                  `json:"loadingMore"`
	Error       string                `json:"error,omitempty"`
}

// Pager keeps the discover grid for one browser session.
type Pager struct {
	src     Source
	perPage int
	log     *zap.Logger

	mu          sync.Mutex
	filters     Filters
	items       []domain.MediaSummary
	page        int
	hasMore     bool
	busy        bool
	loadingMore bool
	err         string
	// reqKey identifies the filters and page of the latest LoadMore.
	reqKey string
}

func NewPager(src Source, perPage int, log *zap.Logger) *Pager {
	if perPage <= 0 {
		perPage = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pager{src: src, perPage: perPage, log: log, filters: Filters{Kind: FilterAnime}, page: 1, hasMore: true}
}

func (p *Pager) fetch(ctx context.Context, f Filters, page int) []domain.MediaSummary {
	q := catalog.Query{
		Search:  strings.TrimSpace(f.Query),
		Kind:    f.Kind.kindForPage(page),
		Page:    page,
		PerPage: p.perPage,
	}
	var items []domain.MediaSummary
	if q.Search != "" {
		items = p.src.Search(ctx, q)
	} else {
		items = p.src.Trending(ctx, q)
	}
	if genres := f.genreFilter(); len(genres) > 0 {
		filtered := make([]domain.MediaSummary, 0, len(items))
		for _, it := range items {
			if it.HasAnyGenre(genres) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	return dedupe(nil, items)
}

// Reset loads page 1 for f. A Reset that resolves after a newer one still wins.
func (p *Pager) Reset(ctx context.Context, f Filters) Snapshot {
	if f.Kind == "" {
		f.Kind = FilterAnime
	}
	p.mu.Lock()
	p.filters = f
	p.busy = true
	p.err = ""
	p.page = 1
	p.hasMore = true
	p.reqKey = ""
	p.mu.Unlock()

	items := p.fetch(ctx, f, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
	if ctx.Err() != nil {
		p.err = "Failed to load catalog. Showing available results."
		p.items = []domain.MediaSummary{}
		p.hasMore = false
		return p.snapshot()
	}
	if len(items) > p.perPage {
		items = items[:p.perPage]
	}
	p.items = items
	p.hasMore = len(items) >= p.perPage
	return p.snapshot()
}

// LoadMore appends the next page. It is a no-op while a load is running or
// when the end has been reached.
func (p *Pager) LoadMore(ctx context.Context) Snapshot {
	p.mu.Lock()
	if p.busy || p.loadingMore || !p.hasMore {
		s := p.snapshot()
		p.mu.Unlock()
		return s
	}
	p.loadingMore = true
	p.err = ""
	f := p.filters
	next := p.page + 1
	key := f.key(next)
	p.reqKey = key
	p.mu.Unlock()

	list := p.fetch(ctx, f, next)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reqKey != key {
		p.log.Debug("discarding stale page", zap.String("key", key))
		p.loadingMore = false
		return p.snapshot()
	}
	p.loadingMore = false
	if ctx.Err() != nil {
		p.err = "Unable to load more at the moment."
		p.hasMore = false
		return p.snapshot()
	}
	before := len(p.items)
	p.items = dedupe(p.items, list)
	p.page = next
	if len(list) < p.perPage || len(p.items) == before {
		p.hasMore = false
	}
	return p.snapshot()
}

// Snapshot returns a copy of the current state.
func (p *Pager) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

func (p *Pager) snapshot() Snapshot {
	items := make([]domain.MediaSummary, len(p.items))
	copy(items, p.items)
	f := p.filters
	f.Genres = append([]string(nil), f.Genres...)
	return Snapshot{
		Filters:     f,
		Items:       items,
		Page:        p.page,
		HasMore:     p.hasMore,
		Busy:        p.busy,
		LoadingMore: p.loadingMore,
		Error:       p.err,
	}
}

// dedupe appends the items of add whose id is not already present.
func dedupe(base, add []domain.MediaSummary) []domain.MediaSummary {
	seen := make(map[int]struct{}, len(base)+len(add))
	out := make([]domain.MediaSummary, 0, len(base)+len(add))
	for _, it := range base {
		if _, ok := seen[it.ID]; !ok {
			seen[it.ID] = struct{}{}
			out = append(out, it)
		}
	}
	for _, it := range add {
		if _, ok := seen[it.ID]; !ok {
			seen[it.ID] = struct{}{}
			out = append(out, it)
		}
	}
	return out
}
