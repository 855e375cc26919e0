// Package userdata keeps a browser session's ratings, personal lists and progress.
// Mutations apply locally first and are reconciled with the backend afterwards.
package userdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/config"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// SessionFunc returns the active session, if any.
type SessionFunc func() (domain.Session, bool)

const upsertTimeout = 10 * time.Second

type Store struct {
	backend  Backend
	session  SessionFunc
	features config.Features
	log      *zap.Logger

	mu       sync.Mutex
	ratings  map[string]int
	lists    map[domain.ListName][]domain.ListEntry
	progress map[domain.ProgressKey]int
	// gen increments on Clear so in-flight loads and rollbacks can tell they are stale.
	gen uint64

	progressMu    sync.Mutex
	progressAvail *bool

	inflight sync.WaitGroup
}

// NewStore creates an empty store. A nil backend means no backend is configured.
func NewStore(backend Backend, session SessionFunc, features config.Features, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if session == nil {
		session = func() (domain.Session, bool) { return domain.Session{}, false }
	}
	s := &Store{backend: backend, session: session, features: features, log: log}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.ratings = make(map[string]int)
	s.lists = make(map[domain.ListName][]domain.ListEntry, len(domain.ListNames))
	for _, n := range domain.ListNames {
		s.lists[n] = []domain.ListEntry{}
	}
	s.progress = make(map[domain.ProgressKey]int)
}

// guard returns the session mutations run under, or why there is none.
func (s *Store) guard() (domain.Session, error) {
	if s.backend == nil {
		return domain.Session{}, apperr.ErrNotConfigured
	}
	sess, ok := s.session()
	if !ok {
		return domain.Session{}, apperr.ErrAuthRequired
	}
	return sess, nil
}

// SetRating records value for mediaID. The local value is kept even when the
// backend upsert fails; without a session it is the only copy.
func (s *Store) SetRating(ctx context.Context, mediaID string, value int, kind domain.MediaKind) error {
	if value < 1 || value > 5 {
		return apperr.Invalid("rating", "rating must be between 1 and 5")
	}
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return apperr.Invalid("media_id", "media id is required")
	}
	if kind == "" {
		kind = domain.KindAnime
	}

	s.mu.Lock()
	s.ratings[mediaID] = value
	s.mu.Unlock()

	sess, err := s.guard()
	if err != nil {
		return nil
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), upsertTimeout)
		defer cancel()
		if err := s.backend.UpsertRating(uctx, sess, mediaID, kind, value); err != nil {
			s.log.Warn("rating upsert failed, keeping local value",
				zap.String("media_id", mediaID), zap.Int("rating", value), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until background rating upserts have finished.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// ClearRating removes the rating for mediaID, restoring it if the backend delete fails.
func (s *Store) ClearRating(ctx context.Context, mediaID string, kind domain.MediaKind) error {
	sess, err := s.guard()
	if err != nil {
		return err
	}
	return ApplyWithRollback(ctx, s.ratingsCell(),
		func(m map[string]int) map[string]int {
			delete(m, mediaID)
			return m
		},
		func(ctx context.Context) error {
			return s.backend.DeleteRating(ctx, sess, mediaID, kind)
		})
}

// AddToList inserts media into list. A duplicate on the backend counts as
// success; any other failure removes the entry again, but only if this call
// inserted it.
func (s *Store) AddToList(ctx context.Context, list domain.ListName, media Media) error {
	if _, ok := domain.ParseListName(string(list)); !ok {
		return apperr.Invalid("list", fmt.Sprintf("unknown list %q", list))
	}
	if strings.TrimSpace(media.ID) == "" {
		return apperr.Invalid("media_id", "media id is required")
	}
	sess, err := s.guard()
	if err != nil {
		return err
	}
	entry := media.Entry()

	s.mu.Lock()
	gen := s.gen
	inserted := !containsEntry(s.lists[list], entry)
	if inserted {
		s.lists[list] = append(cloneList(s.lists[list]), entry)
	}
	s.mu.Unlock()

	err = s.backend.AddToList(ctx, sess, list, entry)
	if err == nil || errors.Is(err, apperr.ErrAlreadyExists) {
		return nil
	}
	s.log.Warn("list insert failed", zap.String("list", string(list)), zap.String("media_id", entry.MediaID), zap.Error(err))
	if inserted {
		s.mu.Lock()
		if s.gen == gen {
			s.lists[list] = removeEntry(s.lists[list], entry)
		}
		s.mu.Unlock()
	}
	return err
}

// RemoveFromList removes media from list and restores the list verbatim if the
// backend delete fails.
func (s *Store) RemoveFromList(ctx context.Context, list domain.ListName, media Media) error {
	if _, ok := domain.ParseListName(string(list)); !ok {
		return apperr.Invalid("list", fmt.Sprintf("unknown list %q", list))
	}
	sess, err := s.guard()
	if err != nil {
		return err
	}
	entry := media.Entry()
	err = ApplyWithRollback(ctx, s.listCell(list),
		func(l []domain.ListEntry) []domain.ListEntry { return removeEntry(l, entry) },
		func(ctx context.Context) error { return s.backend.RemoveFromList(ctx, sess, list, entry) })
	if err != nil {
		s.log.Warn("list delete failed, restored snapshot", zap.String("list", string(list)), zap.String("media_id", entry.MediaID), zap.Error(err))
	}
	return err
}

// ProgressEnabled reports whether progress tracking is switched on and the
// backend has the table. The table probe runs once per store.
func (s *Store) ProgressEnabled(ctx context.Context) bool {
	if !s.features.Progress || s.backend == nil {
		return false
	}
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	if s.progressAvail != nil {
		return *s.progressAvail
	}
	sess, ok := s.session()
	if !ok {
		return false
	}
	avail, err := s.backend.ProgressAvailable(ctx, sess)
	if err != nil {
		s.log.Warn("progress availability probe failed", zap.Error(err))
		return false
	}
	s.progressAvail = &avail
	return avail
}

// SetProgress records the last watched episode or read chapter.
func (s *Store) SetProgress(ctx context.Context, media Media, lastUnit int) error {
	if lastUnit < 0 {
		return apperr.Invalid("last_unit", "progress must be zero or more")
	}
	if strings.TrimSpace(media.ID) == "" {
		return apperr.Invalid("media_id", "media id is required")
	}
	sess, err := s.guard()
	if err != nil {
		return err
	}
	if !s.ProgressEnabled(ctx) {
		return apperr.ErrUnavailable
	}
	key := media.ProgressKey()
	return ApplyWithRollback(ctx, s.progressCell(),
		func(m map[domain.ProgressKey]int) map[domain.ProgressKey]int {
			m[key] = lastUnit
			return m
		},
		func(ctx context.Context) error { return s.backend.UpsertProgress(ctx, sess, key, lastUnit) })
}

// Progress returns the stored progress for media.
func (s *Store) Progress(ctx context.Context, media Media) (int, bool) {
	if !s.ProgressEnabled(ctx) {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.progress[media.ProgressKey()]
	return v, ok
}

// Load replaces local state with the backend's. Results are dropped when the
// store was cleared or the user changed while loading. Per-collection failures
// leave that collection empty and are returned joined.
func (s *Store) Load(ctx context.Context) error {
	sess, err := s.guard()
	if err != nil {
		return nil
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var errs []error
	ratings, err := s.backend.LoadRatings(ctx, sess)
	if err != nil {
		errs = append(errs, fmt.Errorf("load ratings: %w", err))
		ratings = map[string]int{}
	}
	lists := make(map[domain.ListName][]domain.ListEntry, len(domain.ListNames))
	for _, n := range domain.ListNames {
		l, err := s.backend.LoadList(ctx, sess, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("load list %s: %w", n, err))
		}
		lists[n] = dedupeList(l)
	}
	progress := map[domain.ProgressKey]int{}
	if s.ProgressEnabled(ctx) {
		p, err := s.backend.LoadProgress(ctx, sess)
		if err != nil {
			errs = append(errs, fmt.Errorf("load progress: %w", err))
		} else if p != nil {
			progress = p
		}
	}

	now, ok := s.session()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !ok || now.User.ID != sess.User.ID {
		s.log.Debug("discarding stale user data load", zap.String("user_id", sess.User.ID))
		return nil
	}
	s.ratings = ratings
	s.lists = lists
	s.progress = progress
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("user data load incomplete", zap.Error(err))
		return err
	}
	return nil
}

// Clear empties every collection immediately. In-flight loads and rollbacks
// started before the call will not write their results.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.reset()
}

// Ratings returns a copy of the rating map.
func (s *Store) Ratings() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRatings(s.ratings)
}

// Rating returns the rating for mediaID.
func (s *Store) Rating(mediaID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ratings[mediaID]
	return v, ok
}

// Lists returns a copy of all four lists.
func (s *Store) Lists() map[domain.ListName][]domain.ListEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ListName][]domain.ListEntry, len(s.lists))
	for n, l := range s.lists {
		out[n] = cloneList(l)
	}
	return out
}

func (s *Store) List(name domain.ListName) []domain.ListEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneList(s.lists[name])
}

func (s *Store) Contains(list domain.ListName, media Media) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsEntry(s.lists[list], media.Entry())
}

// ProgressAll returns a copy of the progress map.
func (s *Store) ProgressAll() map[domain.ProgressKey]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ProgressKey]int, len(s.progress))
	for k, v := range s.progress {
		out[k] = v
	}
	return out
}

// Empty reports whether every collection is empty.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ratings) > 0 || len(s.progress) > 0 {
		return false
	}
	for _, l := range s.lists {
		if len(l) > 0 {
			return false
		}
	}
	return true
}

func containsEntry(l []domain.ListEntry, e domain.ListEntry) bool {
	for _, x := range l {
		if x == e {
			return true
		}
	}
	return false
}

func removeEntry(l []domain.ListEntry, e domain.ListEntry) []domain.ListEntry {
	out := make([]domain.ListEntry, 0, len(l))
	for _, x := range l {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

func cloneList(l []domain.ListEntry) []domain.ListEntry {
	out := make([]domain.ListEntry, len(l))
	copy(out, l)
	return out
}

func dedupeList(l []domain.ListEntry) []domain.ListEntry {
	out := make([]domain.ListEntry, 0, len(l))
	for _, e := range l {
		if !containsEntry(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func cloneRatings(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
