// Package prefs exposes the per-user preference data the engine consumes:
// categories, time windows, message libraries, check-in settings, and the
// configured delivery channel. The engine never writes preferences.
package prefs

import (
	"errors"

	"mhm/internal/timewindow"
)

var ErrNotFound = errors.New("prefs: not found")

// CheckinSettings control the conversational check-in category.
type CheckinSettings struct {
	Enabled   bool
	Frequency string // "daily", "weekly", ...
}

// ChannelPref names the delivery channel and recipient for one user.
type ChannelPref struct {
	Type      string // channel name, e.g. "telegram", "email"
	Recipient string // chat id, address, ...
}

// LibraryMessage is one predefined message in a user's library.
type LibraryMessage struct {
	ID      string
	Body    string
	Days    timewindow.WeekdaySet
	Windows []string // window names this message is tagged with; may include "ALL"
}

// Store is the read-only preference capability.
//
// Windows also satisfies timewindow.Source.
type Store interface {
	Users() ([]string, error)
	Categories(userID string) ([]string, error)
	Windows(userID, category string) ([]timewindow.Window, error)
	MessageLibrary(userID, category string) ([]LibraryMessage, error)
	Checkin(userID string) (CheckinSettings, error)
	ChannelFor(userID string) (ChannelPref, error)
}
