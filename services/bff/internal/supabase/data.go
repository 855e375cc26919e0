package supabase

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

const (
	TableRatings  = "user_ratings"
	TableLists    = "user_lists"
	TableProgress = "user_progress"
)

// DataClient implements userdata.Backend over PostgREST. Row-level security on
// the BaaS scopes every call to the bearer token's user.
type DataClient struct {
	base
	now func() time.Time
}

func NewDataClient(rawURL, apiKey string, opts ...Option) *DataClient {
	return &DataClient{base: newBase(rawURL, apiKey, opts), now: time.Now}
}

func eq(v string) string { return "eq." + v }

func (c *DataClient) table(name string) string { return "/rest/v1/" + name }

type ratingRow struct {
	UserID    string           `json:"user_id,omitempty"`
	MediaID   string           `json:"media_id"`
	MediaType domain.MediaKind `json:"media_type,omitempty"`
	Rating    int              `json:"rating"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

type listRow struct {
	UserID    string           `json:"user_id,omitempty"`
	MediaID   string           `json:"media_id"`
	MediaType domain.MediaKind `json:"media_type"`
	ListName  domain.ListName  `json:"list_name"`
}

type progressRow struct {
	UserID    string           `json:"user_id,omitempty"`
	MediaID   string           `json:"media_id"`
	MediaType domain.MediaKind `json:"media_type"`
	LastUnit  int              `json:"last_unit"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

func (c *DataClient) LoadRatings(ctx context.Context, s domain.Session) (map[string]int, error) {
	var rows []ratingRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.table(TableRatings),
		query:  url.Values{"select": {"media_id,rating"}},
		token:  s.AccessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.MediaID] = r.Rating
	}
	return out, nil
}

func (c *DataClient) UpsertRating(ctx context.Context, s domain.Session, mediaID string, kind domain.MediaKind, value int) error {
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    c.table(TableRatings),
		query:   url.Values{"on_conflict": {"user_id,media_id,media_type"}},
		token:   s.AccessToken,
		headers: map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"},
		body: ratingRow{
			UserID:    s.User.ID,
			MediaID:   mediaID,
			MediaType: kind,
			Rating:    value,
			UpdatedAt: c.now().UTC().Format(time.RFC3339),
		},
	}, nil)
}

func (c *DataClient) DeleteRating(ctx context.Context, s domain.Session, mediaID string, kind domain.MediaKind) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   c.table(TableRatings),
		query:  url.Values{"media_id": {eq(mediaID)}, "media_type": {eq(string(kind))}},
		token:  s.AccessToken,
	}, nil)
}

func (c *DataClient) LoadList(ctx context.Context, s domain.Session, list domain.ListName) ([]domain.ListEntry, error) {
	var rows []listRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.table(TableLists),
		query:  url.Values{"select": {"media_id,media_type,list_name"}, "list_name": {eq(string(list))}},
		token:  s.AccessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ListEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ListEntry{MediaID: r.MediaID, MediaKind: domain.ParseKind(string(r.MediaType))})
	}
	return out, nil
}

// AddToList inserts a row. The unique constraint on (user, media, type, list)
// surfaces as apperr.ErrAlreadyExists.
func (c *DataClient) AddToList(ctx context.Context, s domain.Session, list domain.ListName, e domain.ListEntry) error {
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    c.table(TableLists),
		token:   s.AccessToken,
		headers: map[string]string{"Prefer": "return=minimal"},
		body:    listRow{UserID: s.User.ID, MediaID: e.MediaID, MediaType: e.MediaKind, ListName: list},
	}, nil)
}

func (c *DataClient) RemoveFromList(ctx context.Context, s domain.Session, list domain.ListName, e domain.ListEntry) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   c.table(TableLists),
		query: url.Values{
			"media_id":   {eq(e.MediaID)},
			"media_type": {eq(string(e.MediaKind))},
			"list_name":  {eq(string(list))},
		},
		token: s.AccessToken,
	}, nil)
}

// ProgressAvailable probes the progress table with an empty select. A 404 or
// a "relation does not exist" error means the table is missing.
func (c *DataClient) ProgressAvailable(ctx context.Context, s domain.Session) (bool, error) {
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.table(TableProgress),
		query:  url.Values{"select": {"media_id"}, "limit": {"0"}},
		token:  s.AccessToken,
	}, nil)
	if err == nil {
		return true, nil
	}
	var re *apperr.RemoteError
	var ne *apperr.NetworkError
	switch {
	case errors.As(err, &re) && (re.Status == http.StatusNotFound || strings.Contains(strings.ToLower(re.Message), "relation")):
		return false, nil
	case errors.As(err, &ne) && ne.Status == http.StatusNotFound:
		return false, nil
	}
	return false, err
}

func (c *DataClient) LoadProgress(ctx context.Context, s domain.Session) (map[domain.ProgressKey]int, error) {
	var rows []progressRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.table(TableProgress),
		query:  url.Values{"select": {"media_id,media_type,last_unit"}},
		token:  s.AccessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ProgressKey]int, len(rows))
	for _, r := range rows {
		out[domain.ProgressKey{MediaID: r.MediaID, MediaKind: domain.ParseKind(string(r.MediaType))}] = r.LastUnit
	}
	return out, nil
}

func (c *DataClient) UpsertProgress(ctx context.Context, s domain.Session, key domain.ProgressKey, lastUnit int) error {
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    c.table(TableProgress),
		query:   url.Values{"on_conflict": {"user_id,media_id,media_type"}},
		token:   s.AccessToken,
		headers: map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"},
		body: progressRow{
			UserID:    s.User.ID,
			MediaID:   key.MediaID,
			MediaType: key.MediaKind,
			LastUnit:  lastUnit,
			UpdatedAt: c.now().UTC().Format(time.RFC3339),
		},
	}, nil)
}
