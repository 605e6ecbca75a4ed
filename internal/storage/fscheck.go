package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystems where SQLite locking cannot be trusted.
var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// CheckLocalFilesystem fails when path (or its nearest existing parent) lives
// on a network filesystem.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("database path is empty")
	}

	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isRemoteFilesystem(fsType) {
		return fmt.Errorf("database path %q is on network filesystem %q; set state.path to a file on local disk", path, fsType)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(p) == p {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isRemoteFilesystem(fsType string) bool {
	_, ok := remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
