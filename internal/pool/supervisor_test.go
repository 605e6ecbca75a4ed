package pool

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shFactory(scripts map[int]string, fallback string) (Factory, *[]int) {
	var mu sync.Mutex
	var seen []int
	return func(ctx context.Context, index int) (*exec.Cmd, error) {
		mu.Lock()
		seen = append(seen, index)
		mu.Unlock()
		script, ok := scripts[index]
		if !ok {
			script = fallback
		}
		return exec.Command("sh", "-c", script), nil
	}, &seen
}

type recordingObserver struct {
	mu      sync.Mutex
	started []Worker
	exited  chan Result
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{exited: make(chan Result, 16)}
}

func (o *recordingObserver) WorkerStarted(w Worker) {
	o.mu.Lock()
	o.started = append(o.started, w)
	o.mu.Unlock()
}

func (o *recordingObserver) WorkerExited(r Result) { o.exited <- r }

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestSpawnStartsWorkersInOrderAndWaitsForAll(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(WithObserver(obs))
	factory, seen := shFactory(map[int]string{2: "exit 3"}, "sleep 0.1")

	results, err := s.Spawn(context.Background(), 3, factory)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, *seen)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i+1, r.Index)
		assert.NotZero(t, r.PID)
		assert.False(t, alive(r.PID), "worker %d still running", r.Index)
		assert.False(t, r.ExitedAt.Before(r.StartedAt))
	}
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Equal(t, 3, results[1].ExitCode)

	require.Len(t, obs.started, 3)
	for i, w := range obs.started {
		assert.Equal(t, i+1, w.Index)
	}
	assert.Empty(t, s.PIDs(), "handles are cleared once reaped")
}

func TestSpawnReplacesHandlesEachDispatch(t *testing.T) {
	s := NewSupervisor()
	factory, _ := shFactory(nil, "true")

	first, err := s.Spawn(context.Background(), 2, factory)
	require.NoError(t, err)
	second, err := s.Spawn(context.Background(), 1, factory)
	require.NoError(t, err)

	assert.Len(t, first, 2)
	require.Len(t, second, 1)
	assert.Equal(t, 1, second[0].Index)
}

func TestSpawnRejectsNonPositive(t *testing.T) {
	factory, seen := shFactory(nil, "true")
	_, err := NewSupervisor().Spawn(context.Background(), 0, factory)
	assert.Error(t, err)
	assert.Empty(t, *seen)
}

func TestSpawnStartFailureTerminatesStartedWorkers(t *testing.T) {
	s := NewSupervisor()
	boom := errors.New("no such binary")
	factory := func(ctx context.Context, index int) (*exec.Cmd, error) {
		if index == 2 {
			return nil, boom
		}
		return exec.Command("sh", "-c", "exec sleep 30"), nil
	}

	done := make(chan struct{})
	var results []Result
	var err error
	go func() {
		results, err = s.Spawn(context.Background(), 3, factory)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("spawn did not return after start failure")
	}
	assert.ErrorIs(t, err, boom)
	require.Len(t, results, 1)
	assert.True(t, results[0].Signaled)
	assert.False(t, alive(results[0].PID))
}

func TestKillAllWithExitedAndLiveWorker(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(WithObserver(obs))
	factory, _ := shFactory(map[int]string{1: "exit 0", 2: "exec sleep 30"}, "")

	done := make(chan []Result, 1)
	go func() {
		results, _ := s.Spawn(context.Background(), 2, factory)
		done <- results
	}()

	select {
	case r := <-obs.exited:
		require.Equal(t, 1, r.Index)
	case <-time.After(10 * time.Second):
		t.Fatal("first worker never exited")
	}
	require.Eventually(t, func() bool { return len(s.PIDs()) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, s.KillAll)
	assert.NotPanics(t, s.KillAll)

	select {
	case results := <-done:
		require.Len(t, results, 2)
		assert.False(t, results[0].Signaled)
		assert.True(t, results[1].Signaled)
	case <-time.After(10 * time.Second):
		t.Fatal("live worker did not terminate after KillAll")
	}
}

func TestSpawnCancelEscalatesToSIGKILL(t *testing.T) {
	s := NewSupervisor(WithGrace(200 * time.Millisecond))
	factory, _ := shFactory(nil, "trap '' TERM; exec sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return len(s.PIDs()) == 2 }, 5*time.Second, 10*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, err := s.Spawn(ctx, 2, factory)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	for _, r := range results {
		assert.True(t, r.Signaled)
		assert.False(t, alive(r.PID))
	}
}

func TestKillAllOnEmptySupervisor(t *testing.T) {
	s := NewSupervisor()
	assert.NotPanics(t, s.KillAll)
	assert.NoError(t, s.Close())
	assert.Empty(t, s.PIDs())
}

func TestCloseRefusesNewWorkers(t *testing.T) {
	s := NewSupervisor()
	factory, _ := shFactory(nil, "exit 0")
	require.NoError(t, s.Close())

	results, err := s.Spawn(context.Background(), 2, factory)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, results)
}

func TestForceKillIgnoresTERMTrap(t *testing.T) {
	s := NewSupervisor(WithGrace(time.Minute))
	factory, _ := shFactory(nil, "trap '' TERM; exec sleep 30")

	done := make(chan []Result, 1)
	go func() {
		results, _ := s.Spawn(context.Background(), 1, factory)
		done <- results
	}()
	require.Eventually(t, func() bool { return len(s.PIDs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	s.KillAll()
	s.ForceKill()
	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.True(t, results[0].Signaled)
	case <-time.After(10 * time.Second):
		t.Fatal("worker survived SIGKILL")
	}
}
