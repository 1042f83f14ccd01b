package config

import (
	"errors"

	"github.com/BurntSushi/toml"
)

// ErrNoCredentials is returned when the credentials file lacks a user id.
var ErrNoCredentials = errors.New("no credentials")

// Credentials are the authenticated identity of an account, written by the
// login flow and read by the daemon.
type Credentials struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

// LoadCredentials reads credentials from path.
func LoadCredentials(path string) (*Credentials, error) {
	var c Credentials
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, err
	}
	if c.UserID == "" {
		return nil, ErrNoCredentials
	}
	return &c, nil
}

// SaveCredentials writes credentials with owner-only permissions.
func SaveCredentials(path string, c *Credentials) error {
	return writeTOML(path, c)
}
