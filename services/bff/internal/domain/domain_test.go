package domain

import "testing"

func TestParseKind(t *testing.T) {
	tests := map[string]MediaKind{
		"MANGA":       KindManga,
		"light manga": KindManga,
		"anime":       KindAnime,
		"":            KindAnime,
		"novel":       KindAnime,
	}
	for in, want := range tests {
		if got := ParseKind(in); got != want {
			t.Errorf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseID(t *testing.T) {
	if n, ok := ParseID(" 42 "); !ok || n != 42 {
		t.Fatalf("ParseID(42) = %d, %v", n, ok)
	}
	for _, bad := range []string{"", "abc", "-1", "0", "1.5"} {
		if _, ok := ParseID(bad); ok {
			t.Errorf("ParseID(%q) should fail", bad)
		}
	}
}

func TestParseListName(t *testing.T) {
	if n, ok := ParseListName("plan"); !ok || n != ListPlan {
		t.Fatalf("ParseListName(plan) = %q, %v", n, ok)
	}
	if _, ok := ParseListName("wishlist"); ok {
		t.Fatal("unknown list should not parse")
	}
}

func TestHasAnyGenre(t *testing.T) {
	m := MediaSummary{Genres: []string{"Action", "Drama"}}
	if !m.HasAnyGenre([]string{"comedy", "drama"}) {
		t.Fatal("expected case-insensitive genre match")
	}
	if m.HasAnyGenre([]string{"Romance"}) {
		t.Fatal("unexpected genre match")
	}
}
