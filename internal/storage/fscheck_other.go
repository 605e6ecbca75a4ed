//go:build !linux

package storage

// filesystemType is only implemented on linux. Elsewhere the check passes.
func filesystemType(string) (string, error) {
	return "", nil
}
