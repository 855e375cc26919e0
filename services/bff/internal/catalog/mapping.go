package catalog

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

type rawTitle struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

type rawDate struct {
	Year  *int `json:"year"`
	Month *int `json:"month"`
	Day   *int `json:"day"`
}

type rawCover struct {
	ExtraLarge string `json:"extraLarge"`
	Large      string `json:"large"`
	Medium     string `json:"medium"`
}

type rawMedia struct {
	ID          int      `json:"id"`
	Type        string   `json:"type"`
	Title       rawTitle `json:"title"`
	StartDate   *rawDate `json:"startDate"`
	SeasonYear  *int     `json:"seasonYear"`
	CoverImage  rawCover `json:"coverImage"`
	Genres      []string `json:"genres"`
	Description *string  `json:"description"`

	BannerImage string   `json:"bannerImage"`
	EndDate     *rawDate `json:"endDate"`
	Volumes     *int     `json:"volumes"`
	Studios     struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"studios"`
	ExternalLinks []struct {
		Site string `json:"site"`
		URL  string `json:"url"`
	} `json:"externalLinks"`
}

type pageData struct {
	Page struct {
		Media []rawMedia `json:"media"`
	} `json:"Page"`
}

type mediaData struct {
	Media *rawMedia `json:"Media"`
}

type recommendationsData struct {
	Media *struct {
		Recommendations struct {
			Nodes []struct {
				MediaRecommendation *rawMedia `json:"mediaRecommendation"`
			} `json:"nodes"`
		} `json:"recommendations"`
	} `json:"Media"`
}

var (
	stripPolicy = bluemonday.StrictPolicy()
	lineBreaks  = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "<BR>", "\n")
)

func pickTitle(t rawTitle) string {
	for _, s := range []string{t.English, t.Romaji, t.Native} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "Untitled"
}

func pickYear(m rawMedia) *int {
	if m.StartDate != nil && m.StartDate.Year != nil {
		y := *m.StartDate.Year
		return &y
	}
	if m.SeasonYear != nil {
		y := *m.SeasonYear
		return &y
	}
	return nil
}

func pickCover(c rawCover) string {
	for _, s := range []string{c.ExtraLarge, c.Large, c.Medium} {
		if s != "" {
			return s
		}
	}
	return ""
}

// StripHTML reduces a catalog description to plain text.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(lineBreaks.Replace(s))))
}

func formatDate(d *rawDate) string {
	if d == nil || d.Year == nil {
		return ""
	}
	out := fmt.Sprintf("%04d", *d.Year)
	if d.Month == nil {
		return out
	}
	out += fmt.Sprintf("-%02d", *d.Month)
	if d.Day == nil {
		return out
	}
	return out + fmt.Sprintf("-%02d", *d.Day)
}

func toSummary(m rawMedia) domain.MediaSummary {
	genres := m.Genres
	if genres == nil {
		genres = []string{}
	}
	var desc string
	if m.Description != nil {
		desc = StripHTML(*m.Description)
	}
	return domain.MediaSummary{
		ID:        m.ID,
		Title:     pickTitle(m.Title),
		MediaKind: domain.ParseKind(m.Type),
		Year:      pickYear(m),
		CoverURL:  pickCover(m.CoverImage),
		Genres:    genres,
		Synopsis:  desc,
	}
}

func toDetail(m rawMedia) domain.MediaDetail {
	d := domain.MediaDetail{
		MediaSummary:  toSummary(m),
		BannerURL:     m.BannerImage,
		EndDate:       formatDate(m.EndDate),
		VolumeCount:   m.Volumes,
		Studios:       []string{},
		ExternalLinks: []domain.ExternalLink{},
	}
	for _, s := range m.Studios.Nodes {
		if name := strings.TrimSpace(s.Name); name != "" {
			d.Studios = append(d.Studios, name)
		}
	}
	for _, l := range m.ExternalLinks {
		if l.URL != "" {
			d.ExternalLinks = append(d.ExternalLinks, domain.ExternalLink{Site: l.Site, URL: l.URL})
		}
	}
	return d
}

func toMinimal(m rawMedia) domain.MinimalMedia {
	return domain.MinimalMedia{
		ID:        m.ID,
		Title:     pickTitle(m.Title),
		MediaKind: domain.ParseKind(m.Type),
		CoverURL:  pickCover(m.CoverImage),
	}
}
