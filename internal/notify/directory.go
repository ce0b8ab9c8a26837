package notify

import "github.com/jensholdgaard/bidsync/internal/config"

// User is a notification recipient.
type User struct {
	ID        string
	Name      string
	DiscordID string
}

// Directory resolves user ids.
type Directory interface {
	Lookup(userID string) (User, bool)
}

// StaticDirectory is a Directory loaded from configuration.
type StaticDirectory map[string]User

// NewStaticDirectory builds a directory from the notify.users config section.
func NewStaticDirectory(users map[string]config.UserConfig) StaticDirectory {
	d := make(StaticDirectory, len(users))
	for id, u := range users {
		d[id] = User{ID: id, Name: u.Name, DiscordID: u.DiscordID}
	}
	return d
}

func (d StaticDirectory) Lookup(userID string) (User, bool) {
	u, ok := d[userID]
	return u, ok
}

// Known reports whether userID is in the directory.
func (d StaticDirectory) Known(userID string) bool {
	_, ok := d[userID]
	return ok
}

// ByDiscordID returns the user linked to a Discord account.
func (d StaticDirectory) ByDiscordID(discordID string) (User, bool) {
	if discordID == "" {
		return User{}, false
	}
	for _, u := range d {
		if u.DiscordID == discordID {
			return u, true
		}
	}
	return User{}, false
}
