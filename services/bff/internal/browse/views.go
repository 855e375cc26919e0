package browse

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/services/bff/internal/catalog"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// ToggleAll selects every rated or listed title in the library.
const ToggleAll = "all"

const (
	dashboardTrending  = 12
	dashboardFavorites = 6
	dashboardGenres    = 3
)

// LibraryIDs returns the media ids behind a library toggle. "all" is the union
// of rated ids and every list; a list name returns that list. Unknown toggles
// yield nothing.
func LibraryIDs(toggle string, ratings map[string]int, lists map[domain.ListName][]domain.ListEntry) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if toggle == "" || toggle == ToggleAll {
		rated := make([]string, 0, len(ratings))
		for id := range ratings {
			rated = append(rated, id)
		}
		sort.Strings(rated)
		for _, id := range rated {
			add(id)
		}
		for _, n := range domain.ListNames {
			for _, e := range lists[n] {
				add(e.MediaID)
			}
		}
		return out
	}
	name, ok := domain.ParseListName(toggle)
	if !ok {
		return nil
	}
	for _, e := range lists[name] {
		add(e.MediaID)
	}
	return out
}

// Library resolves a toggle to minimal items sorted by title.
func Library(ctx context.Context, src Source, toggle string, ratings map[string]int, lists map[domain.ListName][]domain.ListEntry) []domain.MinimalMedia {
	ids := LibraryIDs(toggle, ratings, lists)
	if len(ids) == 0 {
		return []domain.MinimalMedia{}
	}
	items := src.MinimalByIDs(ctx, ids)
	seen := map[int]struct{}{}
	out := make([]domain.MinimalMedia, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
	})
	return out
}

type Dashboard struct {
	SignedIn    bool                  `json:"signedIn"`
	Trending    []domain.MediaSummary `json:"trending"`
	Favorites   []domain.MinimalMedia `json:"favorites"`
	Current     []domain.MinimalMedia `json:"current"`
	Recommended []domain.MediaSummary `json:"recommended"`
	TopGenres   []string              `json:"topGenres"`
}

// BuildDashboard assembles the dashboard. user is nil for anonymous visitors.
func BuildDashboard(ctx context.Context, src Source, user *domain.UserIdentity, lists map[domain.ListName][]domain.ListEntry, events *analytics.Publisher) Dashboard {
	trend := src.Trending(ctx, catalog.Query{Kind: domain.KindAnime, Page: 1, PerPage: dashboardTrending})
	d := Dashboard{
		SignedIn:    user != nil,
		Trending:    trend,
		Favorites:   []domain.MinimalMedia{},
		Current:     []domain.MinimalMedia{},
		Recommended: []domain.MediaSummary{},
		TopGenres:   []string{},
	}
	userID := ""
	if user != nil {
		userID = user.ID
		favIDs := entryIDs(lists[domain.ListFavorite])
		if len(favIDs) > 0 {
			d.Favorites = src.MinimalByIDs(ctx, favIDs)
		}
		if ids := entryIDs(lists[domain.ListCurrent]); len(ids) > 0 {
			d.Current = src.MinimalByIDs(ctx, ids)
		}
		d.TopGenres = topGenres(ctx, src, favIDs)
		if len(d.TopGenres) > 0 {
			for _, it := range trend {
				if it.HasAnyGenre(d.TopGenres) {
					d.Recommended = append(d.Recommended, it)
				}
			}
		}
	}
	if len(d.Recommended) == 0 {
		n := min(len(trend), dashboardTrending)
		d.Recommended = append(d.Recommended, trend[:n]...)
	}
	events.Track(analytics.EventDashboardLoaded, userID, map[string]any{"user": user != nil})
	return d
}

func entryIDs(l []domain.ListEntry) []string {
	out := make([]string, 0, len(l))
	for _, e := range l {
		out = append(out, e.MediaID)
	}
	return out
}

// topGenres counts genres across the details of the first favorites and
// returns the most frequent ones. Ties keep first-seen order.
func topGenres(ctx context.Context, src Source, favIDs []string) []string {
	if len(favIDs) > dashboardFavorites {
		favIDs = favIDs[:dashboardFavorites]
	}
	details := make([]*domain.MediaDetail, len(favIDs))
	var wg sync.WaitGroup
	for i, id := range favIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			details[i] = src.Details(ctx, id)
		}(i, id)
	}
	wg.Wait()

	counts := map[string]int{}
	var order []string
	for _, d := range details {
		if d == nil {
			continue
		}
		for _, g := range d.Genres {
			if _, ok := counts[g]; !ok {
				order = append(order, g)
			}
			counts[g]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > dashboardGenres {
		order = order[:dashboardGenres]
	}
	return order
}
