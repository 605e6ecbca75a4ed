package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	out    string
	status int
	err    error
	seen   []string
}

func (s *scripted) Run(_ context.Context, command string) (string, int, error) {
	s.seen = append(s.seen, command)
	return s.out, s.status, s.err
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":              "''",
		"/tmp/alpha":    "/tmp/alpha",
		"host::project": "host::project",
		"with space":    "'with space'",
		"it's":          `'it'\''s'`,
		"$(rm -rf /)":   "'$(rm -rf /)'",
	}
	for in, want := range tests {
		assert.Equal(t, want, Quote(in), in)
	}
}

func TestInDir(t *testing.T) {
	assert.Equal(t, "cd '/tmp/my app' && bundle check", InDir("/tmp/my app", "bundle check"))
}

func TestCheckSuccess(t *testing.T) {
	r := &scripted{out: "ok"}
	out, err := Check(context.Background(), r, "true")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"true"}, r.seen)
}

func TestCheckNonZero(t *testing.T) {
	r := &scripted{out: "rsync: connection refused", status: 10}
	_, err := Check(context.Background(), r, "rsync x")

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 10, exitErr.Status)
	assert.Contains(t, exitErr.Error(), "connection refused")
}

func TestCheckRunError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Check(context.Background(), &scripted{err: boom}, "x")
	assert.ErrorIs(t, err, boom)
}

func TestExitErrorTruncatesOutput(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	e := &ExitError{Command: "c", Status: 1, Output: string(long)}
	assert.Less(t, len(e.Error()), 700)
}
