package homedir

import (
	"os"
	"os/user"
	"path/filepath"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// ConfigDir returns the directory holding the OAuth credential
// files, creating it if needed.
func ConfigDir() (string, error) {
	dir := filepath.Join(Get(), ".config", "inboxfold")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}
