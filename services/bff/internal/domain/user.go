package domain

import (
	"fmt"
	"time"
)

type ListName string

const (
	ListFavorite  ListName = "favorite"
	ListCurrent   ListName = "current"
	ListPlan      ListName = "plan"
	ListCompleted ListName = "completed"
)

// ListNames is the fixed set of personal lists, in display order.
var ListNames = []ListName{ListFavorite, ListCurrent, ListPlan, ListCompleted}

// ParseListName validates a list name.
func ParseListName(s string) (ListName, bool) {
	for _, n := range ListNames {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// ListEntry is one (media id, media kind) member of a personal list.
type ListEntry struct {
	MediaID   string    `json:"mediaId"`
	MediaKind MediaKind `json:"mediaKind"`
}

// ProgressKey identifies a progress row.
type ProgressKey struct {
	MediaID   string
	MediaKind MediaKind
}

func (k ProgressKey) String() string {
	return fmt.Sprintf("%s:%s", k.MediaKind, k.MediaID)
}

type UserIdentity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Session is the authenticated context mirrored from the BaaS.
type Session struct {
	User         UserIdentity `json:"user"`
	AccessToken  string       `json:"-"`
	RefreshToken string       `json:"-"`
	ExpiresAt    time.Time    `json:"expiresAt,omitzero"`
}
