// Package catalog maps AniList media into the app's normalized shapes. Its
// operations never fail: cache or transport errors are logged and answered from
// the bundled static dataset.
package catalog

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/domain"
	"github.com/komacorner/koma-corner/services/bff/internal/metrics"
	"github.com/komacorner/koma-corner/services/bff/internal/querycache"
)

// Fetcher is the cached GraphQL call the client is built on.
type Fetcher interface {
	Fetch(ctx context.Context, query string, variables map[string]any, opts querycache.Options) (json.RawMessage, error)
}

// Query selects a page of media.
type Query struct {
	Search  string
	Kind    domain.MediaKind
	Page    int
	PerPage int
	Status  string
	Genres  []string
}

type Client struct {
	fetcher Fetcher
	static  *Static
	perPage int
	metrics metrics.Recorder
	log     *zap.Logger
}

type Option func(*Client)

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.perPage = n
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) { c.metrics = metrics.OrNop(m) }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func New(f Fetcher, static *Static, opts ...Option) *Client {
	if static == nil {
		static = &Static{byID: map[int]domain.MediaSummary{}}
	}
	c := &Client{
		fetcher: f,
		static:  static,
		perPage: 30,
		metrics: metrics.Nop{},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PageSize is the default page size.
func (c *Client) PageSize() int { return c.perPage }

func (c *Client) normalize(q Query) Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = c.perPage
	}
	if q.Kind == "" {
		q.Kind = domain.KindAnime
	}
	q.Genres = normalizeGenres(q.Genres)
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	return q
}

func pageVars(q Query) map[string]any {
	vars := map[string]any{
		"page":    q.Page,
		"perPage": q.PerPage,
		"type":    q.Kind.GraphQL(),
	}
	if q.Status != "" {
		vars["status"] = q.Status
	}
	if len(q.Genres) > 0 {
		vars["genres"] = q.Genres
	}
	return vars
}

// Trending returns a page of trending media.
func (c *Client) Trending(ctx context.Context, q Query) []domain.MediaSummary {
	q = c.normalize(q)
	q.Search = ""
	data, err := c.fetcher.Fetch(ctx, trendingQuery, pageVars(q), querycache.Options{Bucket: querycache.BucketTrending})
	if err != nil {
		return c.fallback("trending", q, err)
	}
	items, err := decodePage(data)
	if err != nil {
		return c.fallback("trending", q, err)
	}
	return items
}

// Search returns a page of media matching q.Search. A blank term means Trending.
func (c *Client) Search(ctx context.Context, q Query) []domain.MediaSummary {
	if strings.TrimSpace(q.Search) == "" {
		return c.Trending(ctx, q)
	}
	q = c.normalize(q)
	q.Search = strings.TrimSpace(q.Search)
	vars := pageVars(q)
	vars["search"] = q.Search
	data, err := c.fetcher.Fetch(ctx, searchQuery, vars, querycache.Options{Bucket: querycache.BucketSearch})
	if err != nil {
		return c.fallback("search", q, err)
	}
	items, err := decodePage(data)
	if err != nil {
		return c.fallback("search", q, err)
	}
	return items
}

func (c *Client) fallback(op string, q Query, err error) []domain.MediaSummary {
	c.log.Warn("catalog request failed, serving static dataset", zap.String("op", op), zap.Error(err))
	c.metrics.RecordFallback(op)
	return c.static.Filter(q)
}

func decodePage(data json.RawMessage) ([]domain.MediaSummary, error) {
	var pd pageData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil, err
	}
	out := make([]domain.MediaSummary, 0, len(pd.Page.Media))
	for _, m := range pd.Page.Media {
		out = append(out, toSummary(m))
	}
	return out, nil
}

// Details returns the full record for rawID, or nil when the id is not numeric or
// the title does not exist.
func (c *Client) Details(ctx context.Context, rawID string) *domain.MediaDetail {
	id, ok := domain.ParseID(rawID)
	if !ok {
		return nil
	}
	data, err := c.fetcher.Fetch(ctx, detailsQuery, map[string]any{"id": id}, querycache.Options{Bucket: querycache.BucketDetails})
	if err == nil {
		var md mediaData
		if err = json.Unmarshal(data, &md); err == nil {
			if md.Media == nil {
				return nil
			}
			d := toDetail(*md.Media)
			return &d
		}
	}
	c.log.Warn("catalog details failed, serving static record", zap.Int("id", id), zap.Error(err))
	c.metrics.RecordFallback("details")
	it, ok := c.static.Get(id)
	if !ok {
		return nil
	}
	return &domain.MediaDetail{MediaSummary: it, Studios: []string{}, ExternalLinks: []domain.ExternalLink{}}
}

// Recommendations returns titles recommended for rawID. Any failure yields an
// empty slice.
func (c *Client) Recommendations(ctx context.Context, rawID string, perPage int) []domain.MediaSummary {
	out := []domain.MediaSummary{}
	id, ok := domain.ParseID(rawID)
	if !ok {
		return out
	}
	if perPage <= 0 {
		perPage = 12
	}
	data, err := c.fetcher.Fetch(ctx, recommendationsQuery, map[string]any{"id": id, "perPage": perPage}, querycache.Options{Bucket: querycache.BucketDetails})
	if err != nil {
		c.log.Warn("catalog recommendations failed", zap.Int("id", id), zap.Error(err))
		return out
	}
	var rd recommendationsData
	if err := json.Unmarshal(data, &rd); err != nil || rd.Media == nil {
		return out
	}
	for _, n := range rd.Media.Recommendations.Nodes {
		if n.MediaRecommendation != nil {
			out = append(out, toSummary(*n.MediaRecommendation))
		}
	}
	return out
}

// MinimalByIDs resolves ids whose kind is unknown. It asks for anime first, then
// for manga among the ids still missing, then fills from the static dataset.
// Results are grouped in that order and keep the input order within a group.
func (c *Client) MinimalByIDs(ctx context.Context, rawIDs []string) []domain.MinimalMedia {
	ids := uniqueIDs(rawIDs)
	out := make([]domain.MinimalMedia, 0, len(ids))
	if len(ids) == 0 {
		return out
	}

	anime := c.batch(ctx, ids, domain.KindAnime)
	var missing []int
	for _, id := range ids {
		if m, ok := anime[id]; ok {
			out = append(out, m)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out
	}

	manga := c.batch(ctx, missing, domain.KindManga)
	var still []int
	for _, id := range missing {
		if m, ok := manga[id]; ok {
			out = append(out, m)
		} else {
			still = append(still, id)
		}
	}

	for _, id := range still {
		if it, ok := c.static.Get(id); ok {
			out = append(out, domain.MinimalMedia{ID: it.ID, Title: it.Title, MediaKind: it.MediaKind, CoverURL: it.CoverURL})
		}
	}
	return out
}

func (c *Client) batch(ctx context.Context, ids []int, kind domain.MediaKind) map[int]domain.MinimalMedia {
	found := make(map[int]domain.MinimalMedia, len(ids))
	for start := 0; start < len(ids); start += batchChunk {
		chunk := ids[start:min(start+batchChunk, len(ids))]
		vars := map[string]any{"ids": chunk, "type": kind.GraphQL(), "perPage": len(chunk)}
		data, err := c.fetcher.Fetch(ctx, batchQuery, vars, querycache.Options{Bucket: querycache.BucketBatch})
		if err != nil {
			c.log.Warn("catalog batch lookup failed", zap.String("kind", string(kind)), zap.Int("ids", len(chunk)), zap.Error(err))
			c.metrics.RecordFallback("batch")
			continue
		}
		var pd pageData
		if err := json.Unmarshal(data, &pd); err != nil {
			c.log.Warn("catalog batch decode failed", zap.Error(err))
			continue
		}
		for _, m := range pd.Page.Media {
			mm := toMinimal(m)
			mm.MediaKind = kind
			found[m.ID] = mm
		}
	}
	return found
}

// uniqueIDs drops duplicates and non-numeric ids, keeping first-seen order.
func uniqueIDs(raw []string) []int {
	seen := make(map[int]struct{}, len(raw))
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		id, ok := domain.ParseID(r)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IDString formats a media id the way user data stores it.
func IDString(id int) string {
	return strconv.Itoa(id)
}
