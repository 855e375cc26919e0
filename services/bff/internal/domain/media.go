// Package domain holds the normalized media and user-data shapes shared by the
// catalog client, the user-data store and the HTTP layer.
package domain

import (
	"strconv"
	"strings"
)

type MediaKind string

const (
	KindAnime MediaKind = "anime"
	KindManga MediaKind = "manga"
)

// ParseKind normalizes a free-form media type. Anything mentioning manga is manga.
func ParseKind(s string) MediaKind {
	if strings.Contains(strings.ToLower(s), "manga") {
		return KindManga
	}
	return KindAnime
}

// GraphQL returns the catalog's MediaType enum value.
func (k MediaKind) GraphQL() string {
	if k == KindManga {
		return "MANGA"
	}
	return "ANIME"
}

type MediaSummary struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	MediaKind MediaKind `json:"mediaKind"`
	Year      *int      `json:"year"`
	CoverURL  string    `json:"coverUrl"`
	Genres    []string  `json:"genres"`
	Synopsis  string    `json:"synopsis"`
}

// HasAnyGenre reports whether m carries at least one of genres (case-insensitive).
func (m MediaSummary) HasAnyGenre(genres []string) bool {
	for _, want := range genres {
		for _, g := range m.Genres {
			if strings.EqualFold(g, want) {
				return true
			}
		}
	}
	return false
}

type ExternalLink struct {
	Site string `json:"site"`
	URL  string `json:"url"`
}

type MediaDetail struct {
	MediaSummary
	BannerURL     string         `json:"bannerUrl,omitempty"`
	EndDate       string         `json:"endDate,omitempty"`
	VolumeCount   *int           `json:"volumeCount,omitempty"`
	Studios       []string       `json:"studios"`
	ExternalLinks []ExternalLink `json:"externalLinks"`
}

type MinimalMedia struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	MediaKind MediaKind `json:"mediaKind"`
	CoverURL  string    `json:"coverUrl"`
}

// ParseID coerces a raw media id to a positive integer.
func ParseID(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
