// Package userstore keeps ratings, lists and progress in PostgreSQL when the
// BFF runs without the hosted BaaS data API.
package userstore

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

const uniqueViolation = "23505"

// Postgres implements userdata.Backend. Every query is scoped by the session's user id.
type Postgres struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
	log  *zap.Logger
}

func New(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log:  log.With(zap.String("module", "userstore")),
	}
}

func userID(s domain.Session) (string, error) {
	if s.User.ID == "" {
		return "", apperr.ErrAuthRequired
	}
	return s.User.ID, nil
}

func (p *Postgres) exec(ctx context.Context, b sq.Sqlizer) error {
	sql, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.pool.Exec(ctx, sql, args...); err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Postgres) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", apperr.ErrAlreadyExists, pgErr.ConstraintName)
		}
		return &apperr.RemoteError{Message: pgErr.Message, Code: pgErr.Code}
	}
	return err
}

func (p *Postgres) LoadRatings(ctx context.Context, s domain.Session) (map[string]int, error) {
	uid, err := userID(s)
	if err != nil {
		return nil, err
	}
	rows, err := p.query(ctx, p.sb.Select("media_id", "rating").From("user_ratings").Where(sq.Eq{"user_id": uid}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var rating int
		if err := rows.Scan(&id, &rating); err != nil {
			return nil, err
		}
		out[id] = rating
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertRating(ctx context.Context, s domain.Session, mediaID string, kind domain.MediaKind, value int) error {
	uid, err := userID(s)
	if err != nil {
		return err
	}
	return p.exec(ctx, p.sb.Insert("user_ratings").
		Columns("user_id", "media_id", "media_type", "rating", "updated_at").
		Values(uid, mediaID, string(kind), value, sq.Expr("now()")).
		Suffix("ON CONFLICT (user_id, media_id, media_type) DO UPDATE SET rating = EXCLUDED.rating, updated_at = EXCLUDED.updated_at"))
}

func (p *Postgres) DeleteRating(ctx context.Context, s domain.Session, mediaID string, kind domain.MediaKind) error {
	uid, err := userID(s)
	if err != nil {
		return err
	}
	return p.exec(ctx, p.sb.Delete("user_ratings").
		Where(sq.Eq{"user_id": uid, "media_id": mediaID, "media_type": string(kind)}))
}

func (p *Postgres) LoadList(ctx context.Context, s domain.Session, list domain.ListName) ([]domain.ListEntry, error) {
	uid, err := userID(s)
	if err != nil {
		return nil, err
	}
	rows, err := p.query(ctx, p.sb.Select("media_id", "media_type").From("user_lists").
		Where(sq.Eq{"user_id": uid, "list_name": string(list)}).
		OrderBy("created_at"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ListEntry{}
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, err
		}
		out = append(out, domain.ListEntry{MediaID: id, MediaKind: domain.ParseKind(kind)})
	}
	return out, rows.Err()
}

func (p *Postgres) AddToList(ctx context.Context, s domain.Session, list domain.ListName, e domain.ListEntry) error {
	uid, err := userID(s)
	if err != nil {
		return err
	}
	return p.exec(ctx, p.sb.Insert("user_lists").
		Columns("user_id", "media_id", "media_type", "list_name").
		Values(uid, e.MediaID, string(e.MediaKind), string(list)))
}

func (p *Postgres) RemoveFromList(ctx context.Context, s domain.Session, list domain.ListName, e domain.ListEntry) error {
	uid, err := userID(s)
	if err != nil {
		return err
	}
	return p.exec(ctx, p.sb.Delete("user_lists").
		Where(sq.Eq{"user_id": uid, "media_id": e.MediaID, "media_type": string(e.MediaKind), "list_name": string(list)}))
}

// ProgressAvailable reports whether the progress table has been migrated.
func (p *Postgres) ProgressAvailable(ctx context.Context, _ domain.Session) (bool, error) {
	var name *string
	if err := p.pool.QueryRow(ctx, "SELECT to_regclass('user_progress')::text").Scan(&name); err != nil {
		return false, mapError(err)
	}
	return name != nil, nil
}

func (p *Postgres) LoadProgress(ctx context.Context, s domain.Session) (map[domain.ProgressKey]int, error) {
	uid, err := userID(s)
	if err != nil {
		return nil, err
	}
	rows, err := p.query(ctx, p.sb.Select("media_id", "media_type", "last_unit").From("user_progress").Where(sq.Eq{"user_id": uid}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.ProgressKey]int{}
	for rows.Next() {
		var id, kind string
		var unit int
		if err := rows.Scan(&id, &kind, &unit); err != nil {
			return nil, err
		}
		out[domain.ProgressKey{MediaID: id, MediaKind: domain.ParseKind(kind)}] = unit
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertProgress(ctx context.Context, s domain.Session, key domain.ProgressKey, lastUnit int) error {
	uid, err := userID(s)
	if err != nil {
		return err
	}
	return p.exec(ctx, p.sb.Insert("user_progress").
		Columns("user_id", "media_id", "media_type", "last_unit", "updated_at").
		Values(uid, key.MediaID, string(key.MediaKind), lastUnit, sq.Expr("now()")).
		Suffix("ON CONFLICT (user_id, media_id, media_type) DO UPDATE SET last_unit = EXCLUDED.last_unit, updated_at = EXCLUDED.updated_at"))
}
