package main

import (
	"os"

	"github.com/google/uuid"
)

// hostID names this replica on the auth-event bus so it can skip its own
// messages.
func hostID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}
