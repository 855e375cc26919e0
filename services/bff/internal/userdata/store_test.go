package userdata

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/config"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// stubBackend keeps rows in memory. Hooks override individual calls.
type stubBackend struct {
	mu       sync.Mutex
	ratings  map[string]int
	lists    map[domain.ListName][]domain.ListEntry
	progress map[domain.ProgressKey]int
	hasProg  bool

	upsertRating func() error
	deleteRating func() error
	addToList    func() error
	removeList   func() error
	upsertProg   func() error
	loadRatings  func() (map[string]int, error)
	probes       int
	upserts      int
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		ratings:  map[string]int{},
		lists:    map[domain.ListName][]domain.ListEntry{},
		progress: map[domain.ProgressKey]int{},
		hasProg:  true,
	}
}

func (b *stubBackend) LoadRatings(context.Context, domain.Session) (map[string]int, error) {
	if b.loadRatings != nil {
		return b.loadRatings()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneRatings(b.ratings), nil
}

func (b *stubBackend) UpsertRating(_ context.Context, _ domain.Session, id string, _ domain.MediaKind, v int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	if b.upsertRating != nil {
		if err := b.upsertRating(); err != nil {
			return err
		}
	}
	b.ratings[id] = v
	return nil
}

func (b *stubBackend) DeleteRating(_ context.Context, _ domain.Session, id string, _ domain.MediaKind) error {
	if b.deleteRating != nil {
		if err := b.deleteRating(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	delete(b.ratings, id)
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) LoadList(_ context.Context, _ domain.Session, l domain.ListName) ([]domain.ListEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneList(b.lists[l]), nil
}

func (b *stubBackend) AddToList(_ context.Context, _ domain.Session, l domain.ListName, e domain.ListEntry) error {
	if b.addToList != nil {
		if err := b.addToList(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if containsEntry(b.lists[l], e) {
		return apperr.ErrAlreadyExists
	}
	b.lists[l] = append(b.lists[l], e)
	return nil
}

func (b *stubBackend) RemoveFromList(_ context.Context, _ domain.Session, l domain.ListName, e domain.ListEntry) error {
	if b.removeList != nil {
		if err := b.removeList(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.lists[l] = removeEntry(b.lists[l], e)
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) ProgressAvailable(context.Context, domain.Session) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes++
	return b.hasProg, nil
}

func (b *stubBackend) LoadProgress(context.Context, domain.Session) (map[domain.ProgressKey]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[domain.ProgressKey]int{}
	for k, v := range b.progress {
		out[k] = v
	}
	return out, nil
}

func (b *stubBackend) UpsertProgress(_ context.Context, _ domain.Session, k domain.ProgressKey, v int) error {
	if b.upsertProg != nil {
		if err := b.upsertProg(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.progress[k] = v
	b.mu.Unlock()
	return nil
}

func signedIn(id string) SessionFunc {
	return func() (domain.Session, bool) {
		return domain.Session{User: domain.UserIdentity{ID: id}, AccessToken: "tok"}, true
	}
}

func newTestStore(b Backend) *Store {
	return NewStore(b, signedIn("u1"), config.Features{Progress: true}, nil)
}

var errBoom = &apperr.NetworkError{StatusText: "Bad Gateway", Status: 502}

func TestAddToListIsIdempotent(t *testing.T) {
	b := newStubBackend()
	s := newTestStore(b)
	m := Media{ID: "21", Type: "ANIME"}

	for i := 0; i < 2; i++ {
		if err := s.AddToList(context.Background(), domain.ListFavorite, m); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	want := []domain.ListEntry{{MediaID: "21", MediaKind: domain.KindAnime}}
	if got := s.List(domain.ListFavorite); !reflect.DeepEqual(got, want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
	if got := b.lists[domain.ListFavorite]; len(got) != 1 {
		t.Fatalf("backend rows = %v", got)
	}
}

func TestAddToListDuplicateOnBackendKeepsEntry(t *testing.T) {
	b := newStubBackend()
	b.addToList = func() error { return apperr.ErrAlreadyExists }
	s := newTestStore(b)

	if err := s.AddToList(context.Background(), domain.ListPlan, Media{ID: "7", Type: "manga"}); err != nil {
		t.Fatalf("duplicate should count as success: %v", err)
	}
	if !s.Contains(domain.ListPlan, Media{ID: "7", Type: "Manga"}) {
		t.Fatal("entry dropped after duplicate")
	}
}

func TestAddToListFailureRemovesOnlyOwnInsert(t *testing.T) {
	b := newStubBackend()
	s := newTestStore(b)
	ctx := context.Background()
	m := Media{ID: "5", Type: "anime"}
	if err := s.AddToList(ctx, domain.ListCurrent, m); err != nil {
		t.Fatal(err)
	}

	b.addToList = func() error { return errBoom }
	if err := s.AddToList(ctx, domain.ListCurrent, m); !errors.Is(err, error(errBoom)) {
		t.Fatalf("err = %v", err)
	}
	if !s.Contains(domain.ListCurrent, m) {
		t.Fatal("pre-existing entry was removed")
	}

	other := Media{ID: "6", Type: "anime"}
	if err := s.AddToList(ctx, domain.ListCurrent, other); err == nil {
		t.Fatal("expected error")
	}
	if s.Contains(domain.ListCurrent, other) {
		t.Fatal("failed insert left entry behind")
	}
}

func TestRemoveFromListRollsBack(t *testing.T) {
	b := newStubBackend()
	s := newTestStore(b)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		if err := s.AddToList(ctx, domain.ListCompleted, Media{ID: id, Type: "anime"}); err != nil {
			t.Fatal(err)
		}
	}
	before := s.List(domain.ListCompleted)

	b.removeList = func() error { return errBoom }
	if err := s.RemoveFromList(ctx, domain.ListCompleted, Media{ID: "2", Type: "anime"}); err == nil {
		t.Fatal("expected error")
	}
	if got := s.List(domain.ListCompleted); !reflect.DeepEqual(got, before) {
		t.Fatalf("list = %v, want snapshot %v", got, before)
	}

	b.removeList = nil
	if err := s.RemoveFromList(ctx, domain.ListCompleted, Media{ID: "2", Type: "anime"}); err != nil {
		t.Fatal(err)
	}
	if s.Contains(domain.ListCompleted, Media{ID: "2", Type: "anime"}) {
		t.Fatal("entry still present")
	}
}

func TestSetRatingKeepsOptimisticValueOnFailure(t *testing.T) {
	b := newStubBackend()
	b.upsertRating = func() error { return errBoom }
	s := newTestStore(b)

	if err := s.SetRating(context.Background(), "42", 4, domain.KindManga); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Rating("42"); v != 4 {
		t.Fatalf("rating before upsert = %d", v)
	}
	s.Wait()
	if v, _ := s.Rating("42"); v != 4 {
		t.Fatalf("rating after failed upsert = %d, want 4", v)
	}
	if b.upserts != 1 {
		t.Fatalf("upserts = %d", b.upserts)
	}
}

func TestSetRatingValidatesRange(t *testing.T) {
	s := newTestStore(newStubBackend())
	for _, v := range []int{0, 6, -1} {
		var verr *apperr.ValidationError
		if err := s.SetRating(context.Background(), "1", v, domain.KindAnime); !errors.As(err, &verr) {
			t.Fatalf("rating %d: err = %v", v, err)
		}
	}
	if len(s.Ratings()) != 0 {
		t.Fatal("invalid rating stored")
	}
}

func TestSetRatingWithoutSessionIsLocal(t *testing.T) {
	b := newStubBackend()
	s := NewStore(b, nil, config.Features{}, nil)
	if err := s.SetRating(context.Background(), "3", 5, ""); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if v, ok := s.Rating("3"); !ok || v != 5 {
		t.Fatalf("rating = %d, %v", v, ok)
	}
	if b.upserts != 0 {
		t.Fatal("backend called without a session")
	}
}

func TestGuardedMutations(t *testing.T) {
	ctx := context.Background()
	m := Media{ID: "1", Type: "anime"}
	cases := []struct {
		name string
		s    *Store
		want error
	}{
		{"no backend", NewStore(nil, signedIn("u1"), config.Features{Progress: true}, nil), apperr.ErrNotConfigured},
		{"no session", NewStore(newStubBackend(), nil, config.Features{Progress: true}, nil), apperr.ErrAuthRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.s.AddToList(ctx, domain.ListFavorite, m); !errors.Is(err, tc.want) {
				t.Fatalf("AddToList err = %v", err)
			}
			if err := tc.s.RemoveFromList(ctx, domain.ListFavorite, m); !errors.Is(err, tc.want) {
				t.Fatalf("RemoveFromList err = %v", err)
			}
			if err := tc.s.ClearRating(ctx, "1", domain.KindAnime); !errors.Is(err, tc.want) {
				t.Fatalf("ClearRating err = %v", err)
			}
			if err := tc.s.SetProgress(ctx, m, 3); !errors.Is(err, tc.want) {
				t.Fatalf("SetProgress err = %v", err)
			}
			if !tc.s.Empty() {
				t.Fatal("guarded mutation touched local state")
			}
		})
	}
}

func TestClearRatingRollsBack(t *testing.T) {
	b := newStubBackend()
	s := newTestStore(b)
	ctx := context.Background()
	_ = s.SetRating(ctx, "9", 3, domain.KindAnime)
	s.Wait()

	b.deleteRating = func() error { return errBoom }
	if err := s.ClearRating(ctx, "9", domain.KindAnime); err == nil {
		t.Fatal("expected error")
	}
	if v, _ := s.Rating("9"); v != 3 {
		t.Fatalf("rating = %d, want restored 3", v)
	}
}

func TestProgressGating(t *testing.T) {
	ctx := context.Background()
	m := Media{ID: "11", Type: "manga"}

	off := NewStore(newStubBackend(), signedIn("u1"), config.Features{}, nil)
	if err := off.SetProgress(ctx, m, 2); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("feature off: err = %v", err)
	}

	b := newStubBackend()
	b.hasProg = false
	missing := newTestStore(b)
	for i := 0; i < 3; i++ {
		if err := missing.SetProgress(ctx, m, 2); !errors.Is(err, apperr.ErrUnavailable) {
			t.Fatalf("missing table: err = %v", err)
		}
	}
	if b.probes != 1 {
		t.Fatalf("probes = %d, want 1", b.probes)
	}

	s := newTestStore(newStubBackend())
	if err := s.SetProgress(ctx, m, -1); err == nil {
		t.Fatal("negative progress accepted")
	}
	if err := s.SetProgress(ctx, m, 12); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Progress(ctx, m); !ok || v != 12 {
		t.Fatalf("progress = %d, %v", v, ok)
	}
}

func TestSetProgressRollsBack(t *testing.T) {
	b := newStubBackend()
	s := newTestStore(b)
	ctx := context.Background()
	m := Media{ID: "4", Type: "anime"}
	if err := s.SetProgress(ctx, m, 3); err != nil {
		t.Fatal(err)
	}
	b.upsertProg = func() error { return errBoom }
	if err := s.SetProgress(ctx, m, 8); err == nil {
		t.Fatal("expected error")
	}
	if v, _ := s.Progress(ctx, m); v != 3 {
		t.Fatalf("progress = %d, want 3", v)
	}
}

func TestLoadReplacesState(t *testing.T) {
	b := newStubBackend()
	b.ratings["1"] = 5
	b.lists[domain.ListFavorite] = []domain.ListEntry{{MediaID: "1", MediaKind: domain.KindAnime}, {MediaID: "1", MediaKind: domain.KindAnime}}
	b.progress[domain.ProgressKey{MediaID: "1", MediaKind: domain.KindAnime}] = 4
	s := newTestStore(b)

	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.Ratings(); got["1"] != 5 {
		t.Fatalf("ratings = %v", got)
	}
	if got := s.List(domain.ListFavorite); len(got) != 1 {
		t.Fatalf("favorites = %v", got)
	}
	if got := s.ProgressAll(); len(got) != 1 {
		t.Fatalf("progress = %v", got)
	}
	if len(s.Lists()) != len(domain.ListNames) {
		t.Fatal("missing list keys")
	}
}

func TestLoadDiscardedAfterClear(t *testing.T) {
	b := newStubBackend()
	b.ratings["1"] = 5
	s := newTestStore(b)
	b.loadRatings = func() (map[string]int, error) {
		s.Clear()
		return map[string]int{"1": 5}, nil
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Empty() {
		t.Fatalf("stale load applied: %v", s.Ratings())
	}
}

func TestLoadDiscardedWhenUserChanges(t *testing.T) {
	b := newStubBackend()
	b.ratings["1"] = 5
	user := "u1"
	var mu sync.Mutex
	s := NewStore(b, func() (domain.Session, bool) {
		mu.Lock()
		defer mu.Unlock()
		return domain.Session{User: domain.UserIdentity{ID: user}}, true
	}, config.Features{}, nil)
	b.loadRatings = func() (map[string]int, error) {
		mu.Lock()
		user = "u2"
		mu.Unlock()
		return map[string]int{"1": 5}, nil
	}
	_ = s.Load(context.Background())
	if !s.Empty() {
		t.Fatal("load for previous user applied")
	}
}

func TestRollbackSkippedAfterClear(t *testing.T) {
	b := newStubBackend()
	s := newTestStore(b)
	ctx := context.Background()
	m := Media{ID: "1", Type: "anime"}
	if err := s.AddToList(ctx, domain.ListFavorite, m); err != nil {
		t.Fatal(err)
	}
	b.removeList = func() error {
		s.Clear()
		return errBoom
	}
	_ = s.RemoveFromList(ctx, domain.ListFavorite, m)
	if s.Contains(domain.ListFavorite, m) {
		t.Fatal("rollback resurrected data after Clear")
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := newTestStore(newStubBackend())
	ctx := context.Background()
	_ = s.AddToList(ctx, domain.ListFavorite, Media{ID: "1", Type: "anime"})
	_ = s.SetRating(ctx, "1", 2, domain.KindAnime)
	s.Wait()

	l := s.List(domain.ListFavorite)
	l[0].MediaID = "mutated"
	r := s.Ratings()
	r["1"] = 5
	if s.List(domain.ListFavorite)[0].MediaID != "1" {
		t.Fatal("list aliasing")
	}
	if v, _ := s.Rating("1"); v != 2 {
		t.Fatal("ratings aliasing")
	}
}
