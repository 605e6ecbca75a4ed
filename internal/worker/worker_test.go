package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsRoundTripThroughParse(t *testing.T) {
	d := Descriptor{Index: 3, ProjectPath: "/tmp/alpha", CallbackAddress: "fanout://10.0.0.2:4000"}

	got, err := Parse(d.Args())
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := map[string][]string{
		"missing index":   {"--project-path", "/tmp/a"},
		"zero index":      {"--index", "0", "--project-path", "/tmp/a"},
		"missing path":    {"--index", "1"},
		"unknown flag":    {"--index", "1", "--project-path", "/tmp/a", "--fork"},
		"non-numeric idx": {"--index", "one", "--project-path", "/tmp/a"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(args)
			assert.Error(t, err)
		})
	}
}

func TestEnv(t *testing.T) {
	first := Descriptor{Index: 1, ProjectPath: "/tmp/a", CallbackAddress: "fanout://h:1"}
	assert.Equal(t, []string{
		"FANOUT_WORKER_INDEX=1",
		"FANOUT_CALLBACK_URL=fanout://h:1",
		"FANOUT_PROJECT_PATH=/tmp/a",
		"TEST_ENV_NUMBER=",
	}, first.Env())

	third := Descriptor{Index: 3, ProjectPath: "/tmp/a"}
	assert.Contains(t, third.Env(), "TEST_ENV_NUMBER=3")
}

func TestCommand(t *testing.T) {
	d := Descriptor{Index: 2, ProjectPath: "/tmp/alpha", CallbackAddress: "fanout://h:1"}
	cmd := Command("/usr/local/bin/fanout", d)

	assert.Equal(t, "/usr/local/bin/fanout", cmd.Path)
	assert.Equal(t, []string{"/usr/local/bin/fanout", "worker", "--index", "2", "--project-path", "/tmp/alpha", "--callback", "fanout://h:1"}, cmd.Args)
	assert.Contains(t, cmd.Env, "FANOUT_WORKER_INDEX=2")
}

func TestCommandRunnerRunsInProjectDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	r := &CommandRunner{
		Command: `pwd; echo "$FANOUT_WORKER_INDEX:$TEST_ENV_NUMBER:$FANOUT_CALLBACK_URL"`,
		Stdout:  &out,
		Stderr:  &out,
	}

	code, err := r.Run(context.Background(), Descriptor{Index: 2, ProjectPath: dir, CallbackAddress: "fanout://h:1"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[0])
	assert.Equal(t, "2:2:fanout://h:1", lines[1])
}

func TestCommandRunnerExitCode(t *testing.T) {
	r := &CommandRunner{Command: "exit 7", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	code, err := r.Run(context.Background(), Descriptor{Index: 1, ProjectPath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestCommandRunnerMissingDir(t *testing.T) {
	r := &CommandRunner{Command: "true"}
	code, err := r.Run(context.Background(), Descriptor{Index: 1, ProjectPath: filepath.Join(os.TempDir(), "fanout-does-not-exist")})
	assert.Error(t, err)
	assert.NotZero(t, code)
}

func TestCommandRunnerCancel(t *testing.T) {
	r := &CommandRunner{Command: "exec sleep 30", Grace: time.Second, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, _ := r.Run(ctx, Descriptor{Index: 1, ProjectPath: t.TempDir()})
	assert.NotZero(t, code)
	assert.Less(t, time.Since(start), 10*time.Second)
}
