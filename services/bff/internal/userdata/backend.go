package userdata

import (
	"context"

	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// Backend persists user data for the signed-in user. Implementations report a
// unique-constraint violation as apperr.ErrAlreadyExists.
type Backend interface {
	LoadRatings(ctx context.Context, s domain.Session) (map[string]int, error)
	UpsertRating(ctx context.Context, s domain.Session, mediaID string, kind domain.MediaKind, value int) error
	DeleteRating(ctx context.Context, s domain.Session, mediaID string, kind domain.MediaKind) error

	LoadList(ctx context.Context, s domain.Session, list domain.ListName) ([]domain.ListEntry, error)
	AddToList(ctx context.Context, s domain.Session, list domain.ListName, e domain.ListEntry) error
	RemoveFromList(ctx context.Context, s domain.Session, list domain.ListName, e domain.ListEntry) error

	// ProgressAvailable reports whether the progress table exists.
	ProgressAvailable(ctx context.Context, s domain.Session) (bool, error)
	LoadProgress(ctx context.Context, s domain.Session) (map[domain.ProgressKey]int, error)
	UpsertProgress(ctx context.Context, s domain.Session, key domain.ProgressKey, lastUnit int) error
}

// Media identifies a title in a mutation. Type is free-form and normalized to a
// media kind.
type Media struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (m Media) Entry() domain.ListEntry {
	return domain.ListEntry{MediaID: m.ID, MediaKind: domain.ParseKind(m.Type)}
}

func (m Media) ProgressKey() domain.ProgressKey {
	return domain.ProgressKey{MediaID: m.ID, MediaKind: domain.ParseKind(m.Type)}
}
