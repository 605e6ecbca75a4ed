package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "manager:\n  worker_size: 2\n")

	report, err := Lock(path, false)
	require.NoError(t, err)
	assert.True(t, report.Written)
	assert.Len(t, report.Hash, 64)

	manifest, err := LoadChecksums(dir)
	require.NoError(t, err)
	assert.Equal(t, report.Hash, manifest.Hashes["config.yaml"])

	_, err = Load(path)
	require.NoError(t, err)

	// Tamper after locking.
	require.NoError(t, os.WriteFile(path, []byte("manager:\n  worker_size: 9\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "config verification failed")
}

func TestLockDryRun(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "manager:\n  worker_size: 2\n")

	report, err := Lock(path, true)
	require.NoError(t, err)
	assert.False(t, report.Written)

	_, err = os.Stat(filepath.Join(dir, ".checksums"))
	assert.True(t, os.IsNotExist(err))
}

func TestComputeBlake3HashStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	a, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	b, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.NoError(t, VerifyFileHash(path, a))
	assert.Error(t, VerifyFileHash(path, "00"))
}

func TestLoadChecksumsRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 2\nhashes: {}\n"), 0o600))

	_, err := LoadChecksums(dir)
	assert.ErrorContains(t, err, "unsupported checksums version")
}
