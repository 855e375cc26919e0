// Package handlers exposes the BFF's JSON and websocket surface.
package handlers

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/services/bff/internal/browse"
	"github.com/komacorner/koma-corner/services/bff/internal/config"
	"github.com/komacorner/koma-corner/services/bff/internal/debounce"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
	"github.com/komacorner/koma-corner/services/bff/internal/redirect"
)

// Catalog is the read side of the media catalog. *catalog.Client satisfies it.
type Catalog interface {
	browse.Source
	Recommendations(ctx context.Context, rawID string, perPage int) []domain.MediaSummary
}

type Deps struct {
	Catalog        Catalog
	Redirect       *redirect.Validator
	Analytics      *analytics.Publisher
	Features       config.Features
	PageSize       int
	SearchDebounce time.Duration
	// Configured reports whether an auth and data backend is wired.
	Configured     bool
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Mount registers every route on r. Routes that touch per-browser state expect
// appstate.Registry.Middleware to run first.
func Mount(r chi.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.PageSize <= 0 {
		d.PageSize = 30
	}
	if d.SearchDebounce <= 0 {
		d.SearchDebounce = debounce.DefaultWait
	}
	log := d.Logger.With(zap.String("module", "handlers"))

	r.Get("/config", PublicConfig(d))

	r.Route("/catalog", func(r chi.Router) {
		r.Get("/trending", Trending(d.Catalog, d.PageSize))
		r.Get("/search", Search(d.Catalog, d.PageSize, d.Analytics))
	})
	r.Route("/titles", func(r chi.Router) {
		r.Post("/batch", Batch(d.Catalog))
		r.Get("/{id}", Title(d.Catalog, d.Analytics))
		r.Get("/{id}/recommendations", Recommendations(d.Catalog))
	})

	r.Get("/discover", Discover(d.Analytics, log))
	r.Post("/discover/more", DiscoverMore(log))

	r.Get("/session", GetSession(d.Configured, log))
	r.Route("/auth", func(r chi.Router) {
		r.Post("/sign-in", SignIn(log))
		r.Post("/sign-up", SignUp(log))
		r.Post("/sign-out", SignOut(log))
	})

	r.Route("/me", func(r chi.Router) {
		r.Get("/ratings", ListRatings(log))
		r.Put("/ratings/{id}", PutRating(log))
		r.Delete("/ratings/{id}", DeleteRating(log))

		r.Get("/lists", ListLists(log))
		r.Post("/lists/{list}", AddToList(log))
		r.Delete("/lists/{list}/{id}", RemoveFromList(log))

		r.Get("/progress/{id}", GetProgress(log))
		r.Put("/progress/{id}", PutProgress(log))
	})

	r.Get("/library", Library(d.Catalog, log))
	r.Get("/dashboard", Dashboard(d.Catalog, d.Analytics, log))
	r.Get("/routes/resolve", ResolveRoute(log))
	r.Get("/redirect", Redirect(d.Redirect))

	r.Get("/ws", WebSocket(d, log))
}
