package account

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.imsync, or $IMSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("IMSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imsync")
}

// Dir returns the directory owned by one local account profile.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// UserDir returns the directory scoped to one authenticated user of an account.
// Everything persisted on behalf of that user lives below it.
func UserDir(name, userID string) string {
	return filepath.Join(Dir(name), "users", userID)
}

// DBPath returns the embedded database file of an authenticated user.
func DBPath(name, userID string) string {
	return filepath.Join(UserDir(name, userID), "imsync.db")
}

// AvatarDir returns the root directory for downloaded avatars.
func AvatarDir(name, userID string) string {
	return filepath.Join(UserDir(name, userID), "avatars")
}

// SocketPath returns the UDS socket path of the account daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// CredentialsPath returns the credentials file written by the login flow.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.toml")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "imsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureUserDir creates the account and user directory tree.
func EnsureUserDir(name, userID string) error {
	for _, d := range []string{Dir(name), LogDir(name), UserDir(name, userID), AvatarDir(name, userID)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
