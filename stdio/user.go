package stdio

import (
	"os/user"
)

// UserProvider resolves the principal recorded on a stdio session. Stdio
// peers present no credentials, so the identity is taken from the host.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user ID from the operating system's current
// user: user.Username when available, falling back to user.Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider returning a fixed id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
