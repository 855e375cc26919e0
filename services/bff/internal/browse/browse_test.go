package browse

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"testing"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/services/bff/internal/catalog"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// fakeSource serves pages of generated items. total bounds how many exist per kind.
type fakeSource struct {
	mu      sync.Mutex
	total   int
	queries []catalog.Query
	genres  func(id int) []string
	details map[string]*domain.MediaDetail
	minimal map[string]domain.MinimalMedia
	// before runs ahead of answering, to interleave calls in tests.
	before func(q catalog.Query)
}

func (f *fakeSource) page(q catalog.Query) []domain.MediaSummary {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before(q)
	}
	base := 0
	if q.Kind == domain.KindManga {
		base = 10000
	}
	var out []domain.MediaSummary
	for i := (q.Page - 1) * q.PerPage; i < q.Page*q.PerPage && i < f.total; i++ {
		id := base + i + 1
		var g []string
		if f.genres != nil {
			g = f.genres(id)
		}
		out = append(out, domain.MediaSummary{ID: id, Title: "T" + strconv.Itoa(id), MediaKind: q.Kind, Genres: g})
	}
	return out
}

func (f *fakeSource) Trending(_ context.Context, q catalog.Query) []domain.MediaSummary {
	return f.page(q)
}

func (f *fakeSource) Search(_ context.Context, q catalog.Query) []domain.MediaSummary {
	return f.page(q)
}

func (f *fakeSource) Details(_ context.Context, id string) *domain.MediaDetail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details[id]
}

func (f *fakeSource) MinimalByIDs(_ context.Context, ids []string) []domain.MinimalMedia {
	var out []domain.MinimalMedia
	for _, id := range ids {
		if m, ok := f.minimal[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSource) lastQuery() catalog.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func ids(items []domain.MediaSummary) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestPagerResetAndLoadMore(t *testing.T) {
	src := &fakeSource{total: 7}
	p := NewPager(src, 3, nil)
	ctx := context.Background()

	s := p.Reset(ctx, Filters{Kind: FilterAnime})
	if !reflect.DeepEqual(ids(s.Items), []int{1, 2, 3}) || !s.HasMore || s.Page != 1 {
		t.Fatalf("reset = %+v", s)
	}
	s = p.LoadMore(ctx)
	if !reflect.DeepEqual(ids(s.Items), []int{1, 2, 3, 4, 5, 6}) || !s.HasMore || s.Page != 2 {
		t.Fatalf("page 2 = %+v", s)
	}
	s = p.LoadMore(ctx)
	if len(s.Items) != 7 || s.HasMore {
		t.Fatalf("page 3 = %+v", s)
	}
	calls := len(src.queries)
	p.LoadMore(ctx)
	if len(src.queries) != calls {
		t.Fatal("LoadMore fetched after the end")
	}
}

func TestPagerShortFirstPage(t *testing.T) {
	p := NewPager(&fakeSource{total: 2}, 3, nil)
	if s := p.Reset(context.Background(), Filters{}); s.HasMore || len(s.Items) != 2 {
		t.Fatalf("reset = %+v", s)
	}
}

func TestPagerBothAlternatesKinds(t *testing.T) {
	src := &fakeSource{total: 100}
	p := NewPager(src, 2, nil)
	ctx := context.Background()
	p.Reset(ctx, Filters{Kind: FilterBoth})
	if q := src.lastQuery(); q.Kind != domain.KindAnime || q.Page != 1 {
		t.Fatalf("page 1 query = %+v", q)
	}
	p.LoadMore(ctx)
	if q := src.lastQuery(); q.Kind != domain.KindManga || q.Page != 2 {
		t.Fatalf("page 2 query = %+v", q)
	}
	p.LoadMore(ctx)
	if q := src.lastQuery(); q.Kind != domain.KindAnime || q.Page != 3 {
		t.Fatalf("page 3 query = %+v", q)
	}
}

func TestPagerSearchUsesQuery(t *testing.T) {
	src := &fakeSource{total: 5}
	p := NewPager(src, 2, nil)
	p.Reset(context.Background(), Filters{Kind: FilterManga, Query: "  titan "})
	if q := src.lastQuery(); q.Search != "titan" || q.Kind != domain.KindManga {
		t.Fatalf("query = %+v", q)
	}
}

func TestPagerGenreFilter(t *testing.T) {
	src := &fakeSource{total: 6, genres: func(id int) []string {
		if id%2 == 0 {
			return []string{"Action"}
		}
		return []string{"Drama"}
	}}
	p := NewPager(src, 6, nil)
	s := p.Reset(context.Background(), Filters{Genres: []string{"action"}})
	if !reflect.DeepEqual(ids(s.Items), []int{2, 4, 6}) || s.HasMore {
		t.Fatalf("filtered = %+v", s)
	}
	s = p.Reset(context.Background(), Filters{Genres: []string{"Action", "All"}})
	if len(s.Items) != 6 {
		t.Fatalf("All should disable filtering: %+v", s)
	}
}

func TestPagerLoadMoreNoNewItemsEnds(t *testing.T) {
	p := NewPager(repeatSource{&fakeSource{total: 100}}, 2, nil)
	ctx := context.Background()
	if s := p.Reset(ctx, Filters{}); !s.HasMore {
		t.Fatalf("reset = %+v", s)
	}
	if s := p.LoadMore(ctx); s.HasMore || len(s.Items) != 2 || s.Page != 2 {
		t.Fatalf("snapshot = %+v", s)
	}
}

// repeatSource always answers with page 1.
type repeatSource struct{ *fakeSource }

func (r repeatSource) Trending(ctx context.Context, q catalog.Query) []domain.MediaSummary {
	q.Page = 1
	return r.fakeSource.Trending(ctx, q)
}

func TestPagerDiscardsStaleLoadMore(t *testing.T) {
	src := &fakeSource{total: 100}
	p := NewPager(src, 2, nil)
	ctx := context.Background()
	p.Reset(ctx, Filters{Kind: FilterAnime})

	src.before = func(q catalog.Query) {
		if q.Page == 2 {
			src.mu.Lock()
			src.before = nil
			src.mu.Unlock()
			p.Reset(ctx, Filters{Kind: FilterManga})
		}
	}
	s := p.LoadMore(ctx)
	if s.Filters.Kind != FilterManga || s.Page != 1 || !reflect.DeepEqual(ids(s.Items), []int{10001, 10002}) {
		t.Fatalf("stale page applied: %+v", s)
	}
	if s.LoadingMore {
		t.Fatal("loadingMore stuck")
	}
}

func TestLibraryIDs(t *testing.T) {
	ratings := map[string]int{"3": 4, "1": 5}
	lists := map[domain.ListName][]domain.ListEntry{
		domain.ListFavorite: {{MediaID: "1", MediaKind: domain.KindAnime}, {MediaID: "7", MediaKind: domain.KindManga}},
		domain.ListPlan:     {{MediaID: "9", MediaKind: domain.KindAnime}},
	}
	if got := LibraryIDs("all", ratings, lists); !reflect.DeepEqual(got, []string{"1", "3", "7", "9"}) {
		t.Fatalf("all = %v", got)
	}
	if got := LibraryIDs("favorite", ratings, lists); !reflect.DeepEqual(got, []string{"1", "7"}) {
		t.Fatalf("favorite = %v", got)
	}
	if got := LibraryIDs("bogus", ratings, lists); got != nil {
		t.Fatalf("bogus = %v", got)
	}
}

func TestLibrarySortsAndDedupes(t *testing.T) {
	src := &fakeSource{minimal: map[string]domain.MinimalMedia{
		"1": {ID: 1, Title: "beta"},
		"2": {ID: 2, Title: "Alpha"},
		"3": {ID: 1, Title: "beta"},
	}}
	got := Library(context.Background(), src, "all", map[string]int{"1": 1, "2": 2, "3": 3}, nil)
	if len(got) != 2 || got[0].Title != "Alpha" || got[1].Title != "beta" {
		t.Fatalf("library = %+v", got)
	}
	if got := Library(context.Background(), src, "plan", nil, nil); got == nil || len(got) != 0 {
		t.Fatalf("empty library = %#v", got)
	}
}

func TestDashboardRecommendsFromFavoriteGenres(t *testing.T) {
	src := &fakeSource{
		total: 20,
		genres: func(id int) []string {
			switch {
			case id%5 == 0:
				return []string{"Mecha"}
			case id%2 == 0:
				return []string{"Drama"}
			default:
				return []string{"Comedy"}
			}
		},
		details: map[string]*domain.MediaDetail{
			"100": {MediaSummary: domain.MediaSummary{ID: 100, Genres: []string{"Mecha", "Drama"}}},
			"101": {MediaSummary: domain.MediaSummary{ID: 101, Genres: []string{"Mecha"}}},
		},
		minimal: map[string]domain.MinimalMedia{
			"100": {ID: 100, Title: "Fav"},
			"200": {ID: 200, Title: "Cur"},
		},
	}
	lists := map[domain.ListName][]domain.ListEntry{
		domain.ListFavorite: {{MediaID: "100"}, {MediaID: "101"}},
		domain.ListCurrent:  {{MediaID: "200"}},
	}
	d := BuildDashboard(context.Background(), src, &domain.UserIdentity{ID: "u1"}, lists, analytics.New(false, nil, nil, nil))
	if len(d.Trending) != 12 {
		t.Fatalf("trending = %d", len(d.Trending))
	}
	if len(d.Favorites) != 1 || len(d.Current) != 1 {
		t.Fatalf("favorites = %v current = %v", d.Favorites, d.Current)
	}
	if !reflect.DeepEqual(d.TopGenres, []string{"Mecha", "Drama"}) {
		t.Fatalf("top genres = %v", d.TopGenres)
	}
	for _, it := range d.Recommended {
		if !it.HasAnyGenre(d.TopGenres) {
			t.Fatalf("recommended %d outside top genres", it.ID)
		}
	}
	if len(d.Recommended) == 0 {
		t.Fatal("no recommendations")
	}
}

func TestDashboardAnonymousFallsBackToTrending(t *testing.T) {
	src := &fakeSource{total: 30}
	d := BuildDashboard(context.Background(), src, nil, nil, nil)
	if d.SignedIn || len(d.Recommended) != 12 || d.Recommended[0].ID != 1 {
		t.Fatalf("dashboard = %+v", d)
	}
	if q := src.lastQuery(); q.Kind != domain.KindAnime || q.PerPage != 12 || q.Page != 1 {
		t.Fatalf("trending query = %+v", q)
	}
}
