package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDLock_WritesCurrentPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "tasksync.pid")

	lock, err := acquirePIDLock(path)
	require.NoError(t, err)

	defer lock.Release()

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquirePIDLock_SecondServeRefused(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasksync.pid")

	lock, err := acquirePIDLock(path)
	require.NoError(t, err)

	_, err = acquirePIDLock(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	lock.Release()

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Released locks can be taken again.
	again, err := acquirePIDLock(path)
	require.NoError(t, err)
	again.Release()
}

func TestAcquirePIDLock_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := acquirePIDLock("")
	assert.ErrorContains(t, err, "empty")
}

func TestReadPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"valid", "12345\n", 12345, false},
		{"garbage", "not-a-pid\n", 0, true},
		{"zero", "0\n", 0, true},
	}

	for i, tt := range tests {
		path := filepath.Join(dir, strconv.Itoa(i)+".pid")
		require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

		pid, err := readPID(path)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}

		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, pid, tt.name)
	}

	_, err := readPID(filepath.Join(dir, "absent.pid"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSignalServer_NoPIDFile(t *testing.T) {
	t.Parallel()

	err := signalServer(filepath.Join(t.TempDir(), "absent.pid"), syscall.SIGHUP)
	assert.ErrorContains(t, err, "no running tasksync serve")
}

func TestSignalServer_StalePIDFileRemoved(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasksync.pid")
	// PID 999999999 is almost certainly not a running process.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))

	err := signalServer(path, syscall.SIGHUP)
	assert.ErrorContains(t, err, "not running")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSignalServer_DeliversToLiveProcess(t *testing.T) {
	// Not parallel: traps SIGUSR1 for the whole process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "tasksync.pid")

	lock, err := acquirePIDLock(path)
	require.NoError(t, err)

	defer lock.Release()

	require.NoError(t, signalServer(path, syscall.SIGUSR1))

	select {
	case sig := <-sigCh:
		assert.Equal(t, syscall.SIGUSR1, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
}
