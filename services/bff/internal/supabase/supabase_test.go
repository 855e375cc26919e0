package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/komacorner/koma-corner/internal/platform/auth"
	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

type captured struct {
	method string
	path   string
	query  string
	auth   string
	apikey string
	prefer string
	body   map[string]any
}

// fakeBaaS records the last request and answers with status and body.
func fakeBaaS(t *testing.T, status int, body string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.apikey = r.Header.Get("apikey")
		got.prefer = r.Header.Get("Prefer")
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

var sess = domain.Session{User: domain.UserIdentity{ID: "u1"}, AccessToken: "user-token"}

func TestSignInWithPassword(t *testing.T) {
	srv, got := fakeBaaS(t, 200, `{"access_token":"at","refresh_token":"rt","expires_at":1900000000,"user":{"id":"u1","email":"a@b.co"}}`)
	c := NewAuthClient(srv.URL+"/", "anon", nil)

	s, err := c.SignInWithPassword(context.Background(), "a@b.co", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if s.User.ID != "u1" || s.AccessToken != "at" || s.RefreshToken != "rt" || s.ExpiresAt.Unix() != 1900000000 {
		t.Fatalf("session = %+v", s)
	}
	if got.path != "/auth/v1/token" || got.query != "grant_type=password" || got.method != http.MethodPost {
		t.Fatalf("request = %+v", got)
	}
	if got.apikey != "anon" || got.auth != "Bearer anon" || got.body["email"] != "a@b.co" {
		t.Fatalf("headers/body = %+v", got)
	}
}

func TestSignInInvalidCredentials(t *testing.T) {
	srv, _ := fakeBaaS(t, 400, `{"code":400,"error_code":"invalid_credentials","msg":"Invalid login credentials"}`)
	c := NewAuthClient(srv.URL, "anon", nil)
	_, err := c.SignInWithPassword(context.Background(), "a@b.co", "bad")
	var re *apperr.RemoteError
	if !errors.As(err, &re) || re.Message != "Invalid login credentials" || re.Code != "invalid_credentials" || re.Status != 400 {
		t.Fatalf("err = %#v", err)
	}
}

func TestSignUpPendingConfirmation(t *testing.T) {
	srv, got := fakeBaaS(t, 200, `{"id":"u2","email":"n@b.co"}`)
	c := NewAuthClient(srv.URL, "anon", nil)
	s, err := c.SignUp(context.Background(), "n@b.co", "pw", "https://koma.example/library")
	if err != nil || s != nil {
		t.Fatalf("s = %+v err = %v", s, err)
	}
	if got.path != "/auth/v1/signup" || got.query != "redirect_to=https%3A%2F%2Fkoma.example%2Flibrary" {
		t.Fatalf("request = %+v", got)
	}
}

func TestSignOutSendsUserToken(t *testing.T) {
	srv, got := fakeBaaS(t, 204, ``)
	c := NewAuthClient(srv.URL, "anon", nil)
	if err := c.SignOut(context.Background(), "user-token"); err != nil {
		t.Fatal(err)
	}
	if got.path != "/auth/v1/logout" || got.auth != "Bearer user-token" {
		t.Fatalf("request = %+v", got)
	}
}

func TestGetSessionRemote(t *testing.T) {
	srv, _ := fakeBaaS(t, 200, `{"id":"u1","email":"a@b.co"}`)
	c := NewAuthClient(srv.URL, "anon", nil)
	s, err := c.GetSession(context.Background(), "tok")
	if err != nil || s == nil || s.User.Email != "a@b.co" || s.AccessToken != "tok" {
		t.Fatalf("s = %+v err = %v", s, err)
	}

	bad, _ := fakeBaaS(t, 401, `{"msg":"invalid JWT"}`)
	c = NewAuthClient(bad.URL, "anon", nil)
	if s, err := c.GetSession(context.Background(), "tok"); err != nil || s != nil {
		t.Fatalf("s = %+v err = %v", s, err)
	}
}

func TestGetSessionLocalJWT(t *testing.T) {
	secret := []byte("test-secret-key-32-bytes-long!!!")
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u7", ExpiresAt: jwt.NewNumericDate(exp)},
		Email:            "x@b.co",
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	// Local verification never reaches the network.
	c := NewAuthClient("http://127.0.0.1:0", "anon", secret)
	s, err := c.GetSession(context.Background(), tok)
	if err != nil || s == nil || s.User.ID != "u7" || !s.ExpiresAt.Equal(exp) {
		t.Fatalf("s = %+v err = %v", s, err)
	}
	if s, err := c.GetSession(context.Background(), "garbage"); err != nil || s != nil {
		t.Fatalf("garbage token: s = %+v err = %v", s, err)
	}
}

func TestLoadRatingsAndLists(t *testing.T) {
	srv, got := fakeBaaS(t, 200, `[{"media_id":"1","rating":4},{"media_id":"2","rating":5}]`)
	c := NewDataClient(srv.URL, "anon")
	m, err := c.LoadRatings(context.Background(), sess)
	if err != nil || m["1"] != 4 || m["2"] != 5 {
		t.Fatalf("m = %v err = %v", m, err)
	}
	if got.path != "/rest/v1/user_ratings" || got.auth != "Bearer user-token" {
		t.Fatalf("request = %+v", got)
	}

	srv, got = fakeBaaS(t, 200, `[{"media_id":"3","media_type":"Manga","list_name":"plan"}]`)
	c = NewDataClient(srv.URL, "anon")
	l, err := c.LoadList(context.Background(), sess, domain.ListPlan)
	if err != nil || len(l) != 1 || l[0].MediaKind != domain.KindManga {
		t.Fatalf("l = %v err = %v", l, err)
	}
	if got.query != "list_name=eq.plan&select=media_id%2Cmedia_type%2Clist_name" {
		t.Fatalf("query = %s", got.query)
	}
}

func TestUpsertRating(t *testing.T) {
	srv, got := fakeBaaS(t, 201, ``)
	c := NewDataClient(srv.URL, "anon")
	c.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	if err := c.UpsertRating(context.Background(), sess, "9", domain.KindAnime, 3); err != nil {
		t.Fatal(err)
	}
	if got.prefer != "resolution=merge-duplicates,return=minimal" || got.query != "on_conflict=user_id%2Cmedia_id%2Cmedia_type" {
		t.Fatalf("request = %+v", got)
	}
	if got.body["rating"] != float64(3) || got.body["media_type"] != "anime" || got.body["updated_at"] != "2024-05-01T00:00:00Z" {
		t.Fatalf("body = %v", got.body)
	}
}

func TestAddToListDuplicate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
		body   string
	}{
		{"conflict", 409, `{"code":"23505","message":"duplicate key value violates unique constraint"}`},
		{"code only", 400, `{"code":"23505","message":"duplicate key"}`},
		{"bare conflict", 409, ``},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := fakeBaaS(t, tc.status, tc.body)
			c := NewDataClient(srv.URL, "anon")
			err := c.AddToList(context.Background(), sess, domain.ListFavorite, domain.ListEntry{MediaID: "1", MediaKind: domain.KindAnime})
			if !errors.Is(err, apperr.ErrAlreadyExists) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestRemoveFromListFilters(t *testing.T) {
	srv, got := fakeBaaS(t, 204, ``)
	c := NewDataClient(srv.URL, "anon")
	if err := c.RemoveFromList(context.Background(), sess, domain.ListCurrent, domain.ListEntry{MediaID: "5", MediaKind: domain.KindManga}); err != nil {
		t.Fatal(err)
	}
	if got.method != http.MethodDelete || got.query != "list_name=eq.current&media_id=eq.5&media_type=eq.manga" {
		t.Fatalf("request = %+v", got)
	}
}

func TestProgressAvailable(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
		err    bool
	}{
		{"present", 200, `[]`, true, false},
		{"missing relation", 400, `{"code":"42P01","message":"relation \"public.user_progress\" does not exist"}`, false, false},
		{"not found", 404, `{"code":"PGRST205","message":"Could not find the table"}`, false, false},
		{"server error", 500, ``, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := fakeBaaS(t, tc.status, tc.body)
			got, err := NewDataClient(srv.URL, "anon").ProgressAvailable(context.Background(), sess)
			if got != tc.want || (err != nil) != tc.err {
				t.Fatalf("got %v, %v", got, err)
			}
		})
	}
}

func TestLoadProgress(t *testing.T) {
	srv, _ := fakeBaaS(t, 200, `[{"media_id":"4","media_type":"anime","last_unit":12}]`)
	p, err := NewDataClient(srv.URL, "anon").LoadProgress(context.Background(), sess)
	if err != nil || p[domain.ProgressKey{MediaID: "4", MediaKind: domain.KindAnime}] != 12 {
		t.Fatalf("p = %v err = %v", p, err)
	}
}
